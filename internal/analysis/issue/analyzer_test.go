package issue

import (
	"testing"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

func TestAnalyzeCommonMistakes(t *testing.T) {
	findings := Analyze("Yesterday she don't want to discuss about the the plan.")

	want := map[string]string{
		"she don't":     "she doesn't",
		"discuss about": "discuss",
		"the the":       "the",
	}
	if len(findings) != len(want) {
		t.Fatalf("expected %d findings, got %d: %+v", len(want), len(findings), findings)
	}
	for _, f := range findings {
		suggested, ok := want[f.Original]
		if !ok {
			t.Fatalf("unexpected finding %+v", f)
		}
		if f.Suggested != suggested {
			t.Fatalf("%q: expected suggestion %q, got %q", f.Original, suggested, f.Suggested)
		}
		if f.Type != chat.IssueGrammar {
			t.Fatalf("%q: expected grammar issue, got %s", f.Original, f.Type)
		}
	}
}

func TestAnalyzeWordChoiceKeepsCase(t *testing.T) {
	findings := Analyze("Could you give me some Advices?")
	if len(findings) != 1 {
		t.Fatalf("expected one finding, got %+v", findings)
	}
	if findings[0].Type != chat.IssueWordChoice || findings[0].Original != "Advices" {
		t.Fatalf("unexpected finding %+v", findings[0])
	}
}

func TestAnalyzeCapitalization(t *testing.T) {
	findings := Analyze("yesterday i went home. It was late.")
	var pronoun, sentence bool
	for _, f := range findings {
		switch {
		case f.Original == "i" && f.Suggested == "I":
			pronoun = true
		case f.Type == chat.IssueSuggestion && f.Suggested == "Yesterday i went home.":
			sentence = true
		}
	}
	if !pronoun || !sentence {
		t.Fatalf("expected pronoun and sentence findings, got %+v", findings)
	}
}

func TestAnalyzeCleanSentence(t *testing.T) {
	if findings := Analyze("I'd like an oat milk latte to go, please."); len(findings) != 0 {
		t.Fatalf("expected no findings, got %+v", findings)
	}
	if findings := Analyze("   "); findings != nil {
		t.Fatalf("expected nil for blank input, got %+v", findings)
	}
}
