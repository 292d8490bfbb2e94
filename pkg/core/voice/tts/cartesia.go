package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	cartesiaModel   = "sonic-3"

	// cartesiaVoiceID is used when neither the segment language nor the
	// defaults map to a voice.
	cartesiaVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

// CartesiaProvider synthesizes one segment per request against Cartesia's
// bytes endpoint. Throttled and 5xx responses are retried with capped
// exponential backoff.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	retries    uint64
	backoff    time.Duration
}

func NewCartesia(apiKey string) *CartesiaProvider {
	return NewCartesiaWithClient(apiKey, &http.Client{Timeout: 30 * time.Second})
}

func NewCartesiaWithClient(apiKey string, client *http.Client) *CartesiaProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &CartesiaProvider{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    cartesiaBaseURL,
		model:      cartesiaModel,
		httpClient: client,
		retries:    2,
		backoff:    250 * time.Millisecond,
	}
}

// WithBaseURL overrides the API origin.
func (c *CartesiaProvider) WithBaseURL(base string) *CartesiaProvider {
	if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
		c.baseURL = base
	}
	return c
}

// WithRetry sets how often a temporary failure is retried and the first
// backoff step.
func (c *CartesiaProvider) WithRetry(retries uint64, backoff time.Duration) *CartesiaProvider {
	c.retries = retries
	if backoff > 0 {
		c.backoff = backoff
	}
	return c
}

func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

func (c *CartesiaProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	body, err := json.Marshal(c.request(text, opts))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	out := &Synthesis{Format: getFormat(opts.Format), Language: opts.Language, Text: text}
	b := retry.WithMaxRetries(c.retries, retry.WithCappedDuration(4*c.backoff, retry.NewExponential(c.backoff)))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		audio, err := c.post(ctx, body)
		if err != nil {
			if Temporary(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out.Audio = audio
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CartesiaProvider) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Provider: "cartesia", Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return audio, nil
}

func (c *CartesiaProvider) request(text string, opts SynthesizeOptions) cartesiaTTSRequest {
	voiceID := opts.Voice
	if voiceID == "" {
		voiceID = cartesiaVoiceID
	}
	req := cartesiaTTSRequest{
		ModelID:      c.model,
		Transcript:   text,
		Voice:        cartesiaVoiceSpec{Mode: "id", ID: voiceID},
		OutputFormat: outputFormat(opts),
	}
	if opts.Speed != 0 || opts.Volume != 0 || opts.Emotion != "" {
		req.GenerationConfig = &cartesiaGenerationConfig{
			Speed:   opts.Speed,
			Volume:  opts.Volume,
			Emotion: opts.Emotion,
		}
	}
	if lang := baseLanguage(opts.Language); lang != "" {
		req.Language = &lang
	}
	return req
}

type cartesiaTTSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	Language         *string                   `json:"language,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Speed   float64 `json:"speed,omitempty"`
	Volume  float64 `json:"volume,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
}

func outputFormat(opts SynthesizeOptions) cartesiaOutputFormat {
	rate := opts.SampleRate
	if rate == 0 {
		rate = DefaultSampleRate
	}
	switch getFormat(opts.Format) {
	case "mp3":
		return cartesiaOutputFormat{Container: "mp3", SampleRate: rate, BitRate: 128000}
	case "pcm", "raw":
		return cartesiaOutputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: rate}
	default:
		return cartesiaOutputFormat{Container: "wav", Encoding: "pcm_s16le", SampleRate: rate}
	}
}
