package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const elevenLabsDefaultWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"

// ElevenLabsProvider synthesizes one utterance per stream-input session.
type ElevenLabsProvider struct {
	apiKey    string
	wsBaseURL string
	dialer    *websocket.Dialer
}

func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return &ElevenLabsProvider{
		apiKey:    strings.TrimSpace(apiKey),
		wsBaseURL: elevenLabsDefaultWSBase,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (e *ElevenLabsProvider) WithWSBaseURL(base string) *ElevenLabsProvider {
	if e == nil {
		return e
	}
	base = strings.TrimSpace(base)
	if base != "" {
		e.wsBaseURL = base
	}
	return e
}

func (e *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

type elevenLabsMessage struct {
	Audio   string `json:"audio"`
	IsFinal *bool  `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *ElevenLabsProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if e == nil || e.apiKey == "" {
		return nil, errors.New("elevenlabs api key is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	voiceID := strings.TrimSpace(opts.Voice)
	if voiceID == "" {
		return nil, errors.New("voice id is required")
	}
	wsURL, err := buildElevenLabsWSURL(e.wsBaseURL, voiceID, opts)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	conn, resp, err := e.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, &StatusError{Provider: "elevenlabs", Code: resp.StatusCode}
		}
		return nil, fmt.Errorf("elevenlabs connect: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetWriteDeadline(deadline)
	for _, payload := range []map[string]any{
		{"text": " "},
		{"text": withTrailingSpace(text), "flush": true},
		{"text": ""},
	} {
		if err := conn.WriteJSON(payload); err != nil {
			return nil, fmt.Errorf("elevenlabs write: %w", err)
		}
	}

	out := &Synthesis{Format: "pcm", Language: opts.Language, Text: text}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(out.Audio) > 0 {
				return out, nil
			}
			return nil, fmt.Errorf("elevenlabs read: %w", err)
		}
		var msg elevenLabsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("elevenlabs error %s: %s", msg.Error, msg.Message)
		}
		if msg.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err == nil {
				out.Audio = append(out.Audio, audio...)
			}
		}
		if msg.IsFinal != nil && *msg.IsFinal {
			return out, nil
		}
	}
}

func withTrailingSpace(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	return text
}

func buildElevenLabsWSURL(base, voiceID string, opts SynthesizeOptions) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = elevenLabsDefaultWSBase
	}
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		q.Set("model_id", "eleven_flash_v2_5")
	}
	if q.Get("output_format") == "" {
		rate := opts.SampleRate
		if rate == 0 {
			rate = DefaultSampleRate
		}
		q.Set("output_format", fmt.Sprintf("pcm_%d", rate))
	}
	if lang := baseLanguage(opts.Language); lang != "" && q.Get("language_code") == "" {
		q.Set("language_code", lang)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
