package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the process environment. Unset
// variables leave the YAML values untouched.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("ESL_HOST"); v != "" {
		cfg.Switch.Host = v
	}
	if v := os.Getenv("ESL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Switch.Port = port
		}
	}
	if v := os.Getenv("ESL_PASSWORD"); v != "" {
		cfg.Switch.Password = v
	}
	if v := os.Getenv("BACKEND_API_URL"); v != "" {
		cfg.Backend.APIURL = v
	}
	if v := os.Getenv("BACKEND_API_TOKEN"); v != "" {
		cfg.Backend.APIToken = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" {
		cfg.Providers.ElevenLabs.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Providers.Gemini.APIKey = v
	}
}

// applyDefaults fills in the zero-config runtime values.
func applyDefaults(cfg *Config) {
	if cfg.Server.StreamAddr == "" {
		cfg.Server.StreamAddr = ":8085"
	}
	if cfg.Server.TransferStreamAddr == "" {
		cfg.Server.TransferStreamAddr = ":8086"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Switch.Port == 0 {
		cfg.Switch.Port = 8021
	}
	for i := range cfg.Secretaries {
		sec := &cfg.Secretaries[i]
		if sec.VADThreshold == 0 {
			sec.VADThreshold = 0.05
		}
		if sec.SilenceDurationMs == 0 {
			sec.SilenceDurationMs = 700
		}
		if sec.AudioFormat == "" {
			sec.AudioFormat = FormatG711
		}
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	seen := make(map[string]int, len(cfg.Secretaries))
	for i, sec := range cfg.Secretaries {
		prefix := fmt.Sprintf("secretaries[%d]", i)

		if sec.TenantID == "" {
			errs = append(errs, fmt.Errorf("%s: tenant_id must not be empty", prefix))
		}
		if sec.Extension == "" {
			errs = append(errs, fmt.Errorf("%s: extension must not be empty", prefix))
		}
		key := sec.TenantID + "/" + sec.Extension
		if prev, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate (tenant_id, extension) with secretaries[%d]", prefix, prev))
		}
		seen[key] = i

		if !sec.Provider.IsValid() {
			errs = append(errs, fmt.Errorf("%s: provider %q is invalid; valid values: openai, elevenlabs, gemini", prefix, sec.Provider))
		}
		if !sec.AudioFormat.IsValid() {
			errs = append(errs, fmt.Errorf("%s: audio_format %q is invalid; valid values: g711, pcm16", prefix, sec.AudioFormat))
		}
		if sec.VADThreshold < 0 || sec.VADThreshold > 1 {
			errs = append(errs, fmt.Errorf("%s: vad_threshold %g out of range [0,1]", prefix, sec.VADThreshold))
		}
		if sec.SilenceDurationMs < 0 {
			errs = append(errs, fmt.Errorf("%s: silence_duration_ms must not be negative", prefix))
		}
		if sec.MaxDurationS < 0 {
			errs = append(errs, fmt.Errorf("%s: max_duration_s must not be negative", prefix))
		}

		defaults := 0
		for j, rule := range cfg.Secretaries[i].TransferRules {
			rp := fmt.Sprintf("%s.transfer_rules[%d]", prefix, j)
			if rule.Destination == "" {
				errs = append(errs, fmt.Errorf("%s: destination must not be empty", rp))
			}
			if rule.Fallback != "" && !rule.Fallback.IsValid() {
				errs = append(errs, fmt.Errorf("%s: fallback_action %q is invalid", rp, rule.Fallback))
			}
			if rule.IsDefault {
				defaults++
			}
			if wh := rule.WorkingHours; wh != nil {
				if _, err := parseClock(wh.Start); err != nil {
					errs = append(errs, fmt.Errorf("%s: working_hours.start: %w", rp, err))
				}
				if _, err := parseClock(wh.End); err != nil {
					errs = append(errs, fmt.Errorf("%s: working_hours.end: %w", rp, err))
				}
			}
		}
		if defaults > 1 {
			errs = append(errs, fmt.Errorf("%s: at most one transfer rule may be is_default", prefix))
		}
	}

	return errors.Join(errs...)
}

// FindSecretary returns the secretary configured for (tenantID, extension),
// or nil when no static entry matches. Callers fall through to the store.
func (c *Config) FindSecretary(tenantID, extension string) *SecretaryConfig {
	for i := range c.Secretaries {
		sec := &c.Secretaries[i]
		if sec.TenantID == tenantID && sec.Extension == extension {
			return sec
		}
	}
	return nil
}
