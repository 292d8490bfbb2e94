package translate

import (
	"context"
	"testing"
)

func TestLanguageGuard_SkipsTextAlreadyInTarget(t *testing.T) {
	next := &countingTranslator{}
	g, err := NewLanguageGuard(next, GuardConfig{Languages: []string{"en", "es", "de"}}, nil)
	if err != nil {
		t.Fatalf("NewLanguageGuard: %v", err)
	}

	spanish := "Buenos días a todos, gracias por venir a la conferencia de esta mañana."
	got, err := g.Translate(context.Background(), spanish, "en", "es")
	if err != nil || got != spanish {
		t.Fatalf("Translate = %q, %v", got, err)
	}
	if next.calls.Load() != 0 {
		t.Fatal("translator called for text already in target language")
	}

	english := "Good morning everyone, thank you for coming to the conference this morning."
	got, err = g.Translate(context.Background(), english, "en", "es")
	if err != nil || got != "es:"+english {
		t.Fatalf("Translate = %q, %v", got, err)
	}
	if lang, ok := g.Detect(english); !ok || lang != "en" {
		t.Fatalf("Detect = %q, %v", lang, ok)
	}
}

func TestLanguageGuard_ShortTextAlwaysTranslated(t *testing.T) {
	next := &countingTranslator{}
	g, err := NewLanguageGuard(next, GuardConfig{Languages: []string{"en", "es"}}, nil)
	if err != nil {
		t.Fatalf("NewLanguageGuard: %v", err)
	}
	if _, err := g.Translate(context.Background(), "Hola.", "en", "es"); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if next.calls.Load() != 1 {
		t.Fatal("short text should be delegated")
	}
}

func TestLanguageGuard_NeedsTwoLanguages(t *testing.T) {
	if _, err := NewLanguageGuard(&countingTranslator{}, GuardConfig{Languages: []string{"en", "en-US", "xx"}}, nil); err == nil {
		t.Fatal("expected error")
	}
}
