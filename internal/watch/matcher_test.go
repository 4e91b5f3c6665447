package watch

import "testing"

func TestMatcherContainsSubstring(t *testing.T) {
	m := NewMatcher([]string{"anthropic", "Example.TEST"})

	cases := []struct {
		host string
		want bool
	}{
		{"api.anthropic.com", true},
		{"API.ANTHROPIC.COM", true},
		{"example.test", true},
		{"sub.example.test", true},
		{"other.test", false},
	}
	for _, c := range cases {
		if got := m.Matches(c.host); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}

func TestMatcherSetIsAtomicSwap(t *testing.T) {
	m := NewMatcher([]string{"foo"})
	if !m.Matches("foo.test") {
		t.Fatal("expected foo.test to match before Set")
	}
	m.Set([]string{"bar"})
	if m.Matches("foo.test") {
		t.Fatal("expected foo.test to stop matching after Set")
	}
	if !m.Matches("bar.test") {
		t.Fatal("expected bar.test to match after Set")
	}
}

func TestMatcherEmptyListMatchesNothing(t *testing.T) {
	m := NewMatcher(nil)
	if m.Matches("anything.test") {
		t.Fatal("expected empty watch list to match nothing")
	}
}
