package ident

import "testing"

func TestNewIsUniqueAndTyped(t *testing.T) {
	a := New(KindAgent)
	b := New(KindAgent)
	if a.String() == b.String() {
		t.Error("New() produced identical ids")
	}
	if a.Kind() != KindAgent {
		t.Errorf("Kind() = %q, want %q", a.Kind(), KindAgent)
	}
	if a.IsZero() {
		t.Error("freshly constructed id reports IsZero")
	}
}

func TestStringFormat(t *testing.T) {
	id := FromString(KindEvent, "abc-123")
	if got, want := id.String(), "event_abc-123"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := New(KindChannel)
	parsed, err := Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if parsed != orig {
		t.Errorf("Parse(String()) = %+v, want %+v", parsed, orig)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, s := range []string{"", "noprefix", "_leadingunderscore"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should error", s)
		}
	}
}

func TestZeroValueIsZero(t *testing.T) {
	var id ID
	if !id.IsZero() {
		t.Error("zero value ID should report IsZero")
	}
}
