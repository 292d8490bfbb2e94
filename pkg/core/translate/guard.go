package translate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"

	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
)

const (
	// DefaultGuardMinRunes is the shortest text the guard will classify.
	DefaultGuardMinRunes = 20
	DefaultGuardMinConf  = 0.8
)

type GuardConfig struct {
	// Languages limits detection to the session's languages; at least two
	// must be known to the detector.
	Languages     []string
	MinRunes      int
	MinConfidence float64
}

// LanguageGuard returns text unchanged when it is already written in the
// target language, and otherwise delegates to the wrapped Translator.
type LanguageGuard struct {
	next     pipeline.Translator
	detector lingua.LanguageDetector
	minRunes int
	minConf  float64
	logger   *slog.Logger
}

func NewLanguageGuard(next pipeline.Translator, cfg GuardConfig, logger *slog.Logger) (*LanguageGuard, error) {
	if next == nil {
		return nil, errors.New("guard: translator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var langs []lingua.Language
	seen := make(map[lingua.Language]bool)
	for _, code := range cfg.Languages {
		lang, ok := linguaLanguage(code)
		if !ok || seen[lang] {
			continue
		}
		seen[lang] = true
		langs = append(langs, lang)
	}
	if len(langs) < 2 {
		return nil, errors.New("guard: at least two detectable languages are required")
	}
	if cfg.MinRunes <= 0 {
		cfg.MinRunes = DefaultGuardMinRunes
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultGuardMinConf
	}
	return &LanguageGuard{
		next:     next,
		detector: lingua.NewLanguageDetectorBuilder().FromLanguages(langs...).Build(),
		minRunes: cfg.MinRunes,
		minConf:  cfg.MinConfidence,
		logger:   logger,
	}, nil
}

func (g *LanguageGuard) Translate(ctx context.Context, text, source, target string) (string, error) {
	if g.already(text, target) {
		g.logger.Debug("translation skipped, text already in target language", "target", target)
		return text, nil
	}
	return g.next.Translate(ctx, text, source, target)
}

func (g *LanguageGuard) already(text, target string) bool {
	if utf8.RuneCountInString(text) < g.minRunes {
		return false
	}
	want, ok := linguaLanguage(target)
	if !ok {
		return false
	}
	got, ok := g.detector.DetectLanguageOf(text)
	if !ok || got != want {
		return false
	}
	return g.detector.ComputeLanguageConfidence(text, got) >= g.minConf
}

// Detect returns the ISO 639-1 code of text's language among the configured
// languages.
func (g *LanguageGuard) Detect(text string) (string, bool) {
	lang, ok := g.detector.DetectLanguageOf(text)
	if !ok {
		return "", false
	}
	return strings.ToLower(lang.IsoCode639_1().String()), true
}

func linguaLanguage(code string) (lingua.Language, bool) {
	base, err := NormalizeLanguage(code)
	if err != nil {
		return lingua.Unknown, false
	}
	for _, lang := range lingua.AllLanguages() {
		if strings.EqualFold(lang.IsoCode639_1().String(), base) {
			return lang, true
		}
	}
	return lingua.Unknown, false
}
