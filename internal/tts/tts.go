// Package tts synthesises the fallback phrases the bridge speaks when the
// realtime provider cannot: the apology after a failed connect, the farewell
// after a provider death, and the ticket-fallback notice.
//
// Synthesis goes through the OpenAI speech API and results are cached per
// (text, voice): the fallback phrases are a small fixed set per secretary, so
// after the first call the path is a map lookup.
package tts

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OutputSampleRate is the PCM rate returned by the speech API.
const OutputSampleRate = 24000

// Synthesizer turns a phrase into linear-16 PCM. Implementations must be
// safe for concurrent use.
type Synthesizer interface {
	// Speak returns mono PCM16 little-endian audio at [OutputSampleRate].
	Speak(ctx context.Context, text, voice string) ([]byte, error)
}

// OpenAI is a Synthesizer backed by the OpenAI speech endpoint with an
// in-process result cache.
type OpenAI struct {
	client openai.Client
	model  openai.SpeechModel

	mu    sync.Mutex
	cache map[string][]byte
}

var _ Synthesizer = (*OpenAI)(nil)

// Option is a functional option for configuring an OpenAI synthesizer.
type Option func(*[]option.RequestOption)

// WithBaseURL overrides the API base URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// WithMaxRetries caps the client's automatic retries. Tests set 0 so request
// counts are deterministic.
func WithMaxRetries(n int) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithMaxRetries(n))
	}
}

// NewOpenAI creates a synthesizer using the given API key.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &OpenAI{
		client: openai.NewClient(reqOpts...),
		model:  openai.SpeechModelGPT4oMiniTTS,
		cache:  make(map[string][]byte),
	}
}

// Speak synthesises text with the given voice, serving repeats from cache.
func (o *OpenAI) Speak(ctx context.Context, text, voice string) ([]byte, error) {
	key := voice + "\x00" + text

	o.mu.Lock()
	if pcm, ok := o.cache[key]; ok {
		o.mu.Unlock()
		return pcm, nil
	}
	o.mu.Unlock()

	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          o.model,
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read audio: %w", err)
	}

	o.mu.Lock()
	o.cache[key] = pcm
	o.mu.Unlock()
	return pcm, nil
}

// CacheSize reports the number of cached phrases.
func (o *OpenAI) CacheSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cache)
}

// Static is a Synthesizer for tests: it returns a deterministic payload and
// records requests.
type Static struct {
	mu       sync.Mutex
	Requests []string
	Payload  []byte
	Err      error
}

var _ Synthesizer = (*Static)(nil)

// Recorded returns a snapshot of the requests seen so far.
func (s *Static) Recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Requests...)
}

// Speak records the request and returns Payload, Err.
func (s *Static) Speak(_ context.Context, text, voice string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, voice+":"+text)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Payload != nil {
		return s.Payload, nil
	}
	return make([]byte, 960), nil
}
