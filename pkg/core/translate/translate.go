// Package translate holds the translation and grammar-correction adapters used
// by the processing pipeline, plus decorators that cache results and skip
// text that is already in the target language.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
)

var ErrEmptyResponse = errors.New("translate: provider returned no text")

var (
	_ pipeline.Translator = (*Gemini)(nil)
	_ pipeline.Corrector  = (*Gemini)(nil)
	_ pipeline.Translator = (*OpenAI)(nil)
	_ pipeline.Corrector  = (*OpenAI)(nil)
	_ pipeline.Translator = (*Cache)(nil)
	_ pipeline.Translator = (*LanguageGuard)(nil)
	_ pipeline.Corrector  = Passthrough{}
)

// NormalizeLanguage reduces a BCP 47 tag such as "en-US" or "pt_BR" to its
// base language ("en", "pt").
func NormalizeLanguage(code string) (string, error) {
	code = strings.TrimSpace(strings.ReplaceAll(code, "_", "-"))
	if code == "" {
		return "", errors.New("language code is required")
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("parse language %q: %w", code, err)
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", fmt.Errorf("unknown language %q", code)
	}
	return base.String(), nil
}

// LanguageName returns the English name of code for use in prompts, or code
// itself when it cannot be resolved.
func LanguageName(code string) string {
	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

// Passthrough is a Corrector that returns text unchanged.
type Passthrough struct{}

func (Passthrough) Correct(_ context.Context, text, _ string) (string, error) {
	return text, nil
}

func translatePrompt(source, target string) string {
	from := "the source language"
	if source != "" {
		from = LanguageName(source)
	}
	return fmt.Sprintf("You are a simultaneous interpreter. Translate the user's text from %s to %s. "+
		"Keep the register of spoken language. Reply with the translation only, without quotes or notes.",
		from, LanguageName(target))
}

func correctPrompt(lang string) string {
	return fmt.Sprintf("You clean up live %s speech transcripts. Fix grammar, casing and punctuation "+
		"without changing the meaning or adding content. Reply with the corrected text only.",
		LanguageName(lang))
}

// cleanOutput strips whitespace and wrapping quotes that models sometimes add.
func cleanOutput(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		for _, q := range [][2]string{{`"`, `"`}, {"“", "”"}, {"«", "»"}} {
			if strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) && len(s) > len(q[0])+len(q[1]) {
				s = strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
				break
			}
		}
	}
	if s == "" {
		return "", ErrEmptyResponse
	}
	return s, nil
}
