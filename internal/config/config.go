// Package config provides the configuration schema, loader, and validation
// for the voice bridge: server addresses, switch control-socket credentials,
// provider API keys, and the per-tenant secretary definitions snapshotted at
// call start.
package config

import (
	"fmt"
	"strings"
	"time"
)

// LogLevel controls log verbosity for the bridge.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProviderKind selects the conversational AI backend for a secretary.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderElevenLabs ProviderKind = "elevenlabs"
	ProviderGemini     ProviderKind = "gemini"
)

// IsValid reports whether k is a recognised provider kind.
func (k ProviderKind) IsValid() bool {
	switch k {
	case ProviderOpenAI, ProviderElevenLabs, ProviderGemini:
		return true
	}
	return false
}

// AudioFormat is the codec negotiated with the switch for a call leg.
type AudioFormat string

const (
	// FormatG711 is 8-bit μ-law at 8 kHz, the PSTN default.
	FormatG711 AudioFormat = "g711"

	// FormatPCM16 is 16-bit linear PCM at 16 kHz.
	FormatPCM16 AudioFormat = "pcm16"
)

// IsValid reports whether f is a recognised audio format.
func (f AudioFormat) IsValid() bool {
	return f == FormatG711 || f == FormatPCM16
}

// SampleRate returns the wire sample rate of the format in Hz.
func (f AudioFormat) SampleRate() int {
	if f == FormatG711 {
		return 8000
	}
	return 16000
}

// FallbackAction is what the transfer manager does when the agent is
// unreachable and the retry budget is spent.
type FallbackAction string

const (
	FallbackOfferTicket  FallbackAction = "offer_ticket"
	FallbackCreateTicket FallbackAction = "create_ticket"
	FallbackHangup       FallbackAction = "hangup"
)

// IsValid reports whether a is a recognised fallback action.
func (a FallbackAction) IsValid() bool {
	switch a {
	case FallbackOfferTicket, FallbackCreateTicket, FallbackHangup:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file via [Load] with environment overrides applied on top.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Switch      SwitchConfig      `yaml:"switch"`
	Backend     BackendConfig     `yaml:"backend"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Store       StoreConfig       `yaml:"store"`
	Secretaries []SecretaryConfig `yaml:"secretaries"`
}

// ServerConfig holds the bridge's listen addresses and logging settings.
type ServerConfig struct {
	// StreamAddr is the A-leg audio WebSocket listen address (e.g. ":8085").
	StreamAddr string `yaml:"stream_addr"`

	// TransferStreamAddr is the B-leg audio WebSocket listen address for
	// announced transfers (e.g. ":8086").
	TransferStreamAddr string `yaml:"transfer_stream_addr"`

	// MetricsAddr serves /metrics, /healthz and /readyz (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// PublicHost is the host the switch reaches the bridge's listeners on.
	// Used to build the B-leg stream URL handed to the switch.
	PublicHost string `yaml:"public_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AnnounceURL is the WebSocket base URL the switch dials for B-leg
// announcement streams.
func (s *ServerConfig) AnnounceURL() string {
	host := s.PublicHost
	if host == "" {
		host = "127.0.0.1"
	}
	addr := s.TransferStreamAddr
	if addr == "" {
		addr = ":8086"
	}
	if strings.HasPrefix(addr, ":") {
		return "ws://" + host + addr
	}
	return "ws://" + addr
}

// SwitchConfig holds the telephony switch control-socket settings.
// Overridable via ESL_HOST, ESL_PORT and ESL_PASSWORD.
type SwitchConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`

	// OutboundAddr is where the switch dials into the bridge for the
	// outbound socket variant (e.g. ":8022"). Empty disables it.
	OutboundAddr string `yaml:"outbound_addr"`
}

// BackendConfig holds the ticket webhook endpoint. Overridable via
// BACKEND_API_URL and BACKEND_API_TOKEN.
type BackendConfig struct {
	APIURL   string `yaml:"api_url"`
	APIToken string `yaml:"api_token"`
}

// ProvidersConfig holds the API credentials per provider kind. Keys are
// overridable via OPENAI_API_KEY, ELEVENLABS_API_KEY and GEMINI_API_KEY.
type ProvidersConfig struct {
	OpenAI     ProviderEntry `yaml:"openai"`
	ElevenLabs ProviderEntry `yaml:"elevenlabs"`
	Gemini     ProviderEntry `yaml:"gemini"`
}

// ProviderEntry is the common configuration block shared by all providers.
type ProviderEntry struct {
	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Leave empty to use
	// the built-in default. Primarily used in tests.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// StoreConfig holds the conversation persistence settings.
type StoreConfig struct {
	// PostgresDSN is the connection string for conversation and secretary
	// lookups. Empty means in-memory only (tests, development).
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SecretaryConfig is the per-tenant, per-extension secretary definition.
// It is snapshotted at call start and immutable for the call's duration.
type SecretaryConfig struct {
	TenantID  string `yaml:"tenant_id"`
	Extension string `yaml:"extension"`

	// SecretaryID identifies this secretary in ticket payloads.
	SecretaryID string `yaml:"secretary_id"`

	// Domain is the SIP domain transfer endpoints are dialed in
	// (user/<ext>@<domain>).
	Domain string `yaml:"domain"`

	Greeting     string `yaml:"greeting"`
	Farewell     string `yaml:"farewell"`
	SystemPrompt string `yaml:"system_prompt"`

	// Voice is the provider-specific voice identifier (e.g. "alloy").
	Voice string `yaml:"voice"`

	Provider    ProviderKind `yaml:"provider"`
	AudioFormat AudioFormat  `yaml:"audio_format"`

	// Language is the BCP-47 conversation language (e.g. "pt-BR").
	Language string `yaml:"language"`

	// VADThreshold is the voice activity threshold in the 0.0–1.0 range.
	VADThreshold float64 `yaml:"vad_threshold"`

	// SilenceDurationMs is how long the caller must stay silent before the
	// turn is considered finished.
	SilenceDurationMs int `yaml:"silence_duration_ms"`

	// MaxTurns caps the conversation length; 0 means unlimited.
	MaxTurns int `yaml:"max_turns"`

	// MaxDurationS is the hard upper bound on the call in seconds.
	MaxDurationS int `yaml:"max_duration_s"`

	TransferRules []TransferRule `yaml:"transfer_rules"`

	// WebhookURL overrides the backend ticket endpoint for this secretary.
	WebhookURL string `yaml:"webhook_url"`
}

// SilenceDuration returns the configured end-of-turn silence window.
func (s *SecretaryConfig) SilenceDuration() time.Duration {
	return time.Duration(s.SilenceDurationMs) * time.Millisecond
}

// MaxDuration returns the call duration cap, or 0 when unset.
func (s *SecretaryConfig) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationS) * time.Second
}

// TransferRule maps a spoken department to a dialable destination.
type TransferRule struct {
	// Destination is the extension, ring group, or queue to dial.
	Destination string `yaml:"destination"`

	// Department is the canonical spoken name (e.g. "financeiro").
	Department string `yaml:"department"`

	// Aliases are alternative spoken names matched fuzzily.
	Aliases []string `yaml:"aliases"`

	// TimeoutS bounds the B-leg ring time in seconds.
	TimeoutS int `yaml:"timeout_s"`

	// Fallback selects what happens when the destination is unreachable.
	Fallback FallbackAction `yaml:"fallback_action"`

	// WorkingHours restricts the rule to business hours. Nil means always.
	WorkingHours *WorkingHours `yaml:"working_hours"`

	// Priority orders rules when several match; lower wins.
	Priority int `yaml:"priority"`

	// IsDefault marks the rule used when no department matches.
	IsDefault bool `yaml:"is_default"`
}

// RingTimeout returns the B-leg ring budget, defaulting to 25 s.
func (r *TransferRule) RingTimeout() time.Duration {
	if r.TimeoutS <= 0 {
		return 25 * time.Second
	}
	return time.Duration(r.TimeoutS) * time.Second
}

// WorkingHours is a weekly time-of-day window.
type WorkingHours struct {
	// Days lists the active weekdays (0 = Sunday … 6 = Saturday).
	Days []int `yaml:"days"`

	// Start and End are local wall-clock times in "HH:MM" form.
	Start string `yaml:"start"`
	End   string `yaml:"end"`

	// Timezone is an IANA zone name (e.g. "America/Sao_Paulo").
	// Empty means the process-local zone.
	Timezone string `yaml:"timezone"`

	// Holidays lists dates ("2006-01-02") the window is closed regardless
	// of weekday.
	Holidays []string `yaml:"holidays"`
}

// Contains reports whether t falls inside the working-hours window.
// Malformed Start/End values close the window (fail safe: after hours).
func (w *WorkingHours) Contains(t time.Time) bool {
	loc := t.Location()
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	for _, h := range w.Holidays {
		if local.Format("2006-01-02") == h {
			return false
		}
	}

	if len(w.Days) > 0 {
		ok := false
		for _, d := range w.Days {
			if int(local.Weekday()) == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	start, err1 := parseClock(w.Start)
	end, err2 := parseClock(w.End)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute < end
}

// IsHoliday reports whether t falls on a configured holiday date.
func (w *WorkingHours) IsHoliday(t time.Time) bool {
	loc := t.Location()
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	date := t.In(loc).Format("2006-01-02")
	for _, h := range w.Holidays {
		if date == h {
			return true
		}
	}
	return false
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("config: bad clock value %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("config: clock value %q out of range", s)
	}
	return h*60 + m, nil
}
