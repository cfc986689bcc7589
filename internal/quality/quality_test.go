package quality

import (
	"strings"
	"testing"
)

func mustFilter(t testing.TB, patterns ...string) *Filter {
	t.Helper()
	f, err := New(patterns...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestAssess_WholeWord(t *testing.T) {
	f := mustFilter(t)

	if a := f.Assess("Custom Phone Case", ""); !a.Excluded || a.Term != "custom" {
		t.Errorf("expected Custom Phone Case excluded, got %+v", a)
	}
	if a := f.Assess("Customer Service Desk Organizer", ""); a.Excluded {
		t.Errorf("Customer must not match custom: %+v", a)
	}
}

func TestAssess_Cases(t *testing.T) {
	f := mustFilter(t)
	tests := []struct {
		title    string
		excluded bool
	}{
		{"CUSTOMIZED mug", true},
		{"Personalised name necklace", true},
		{"Bespoke suits", true},
		{"Made To Order sofa", true},
		{"Made-to-order sofa", true},
		{"Custom-fit gloves", true},
		{"Customs declaration folder", true},
		{"OEM Services available", true},
		{"Private-label skincare", true},
		{"Stainless steel water bottle", false},
		{"Accustomed comfort slippers", false},
		{"Costume jewelry", false},
		{"Bespokes", true},
		{"Multicustom adapter", false},
	}
	for _, tt := range tests {
		if got := f.Assess(tt.title, ""); got.Excluded != tt.excluded {
			t.Errorf("Assess(%q).Excluded = %v, want %v (%s)", tt.title, got.Excluded, tt.excluded, got.Reason)
		}
	}
}

func TestAssess_DescriptionSnippet(t *testing.T) {
	f := mustFilter(t)
	a := f.Assess("Ceramic mug", "Dishwasher safe. We offer logo printing services for bulk orders! Ships fast.")
	if !a.Excluded {
		t.Fatalf("expected description match")
	}
	if a.Snippet != "We offer logo printing services for bulk orders!" {
		t.Errorf("unexpected snippet %q", a.Snippet)
	}
	if !strings.HasPrefix(a.Reason, "description") {
		t.Errorf("expected reason to name the field, got %q", a.Reason)
	}
}

func TestNew_CustomPatterns(t *testing.T) {
	f := mustFilter(t, "replica", " ", "Replica", "sample only")
	if got := f.Terms(); len(got) != 2 {
		t.Fatalf("expected blank and duplicate patterns dropped, got %v", got)
	}
	if !f.Assess("Replica watch", "").Excluded {
		t.Errorf("expected configured pattern to match")
	}
	if f.Assess("Custom Phone Case", "").Excluded {
		t.Errorf("configured patterns replace the defaults")
	}
	if !f.Assess("Sample-only listing", "").Excluded {
		t.Errorf("expected hyphen to separate words")
	}
}

func TestAssess_EmptyInput(t *testing.T) {
	if a := mustFilter(t).Assess("", ""); a.Excluded {
		t.Errorf("empty input must not be excluded")
	}
}
