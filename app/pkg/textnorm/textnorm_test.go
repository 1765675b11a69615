package textnorm

import "testing"

func TestFold(t *testing.T) {
	cases := map[string]string{
		"  Não ":        "nao",
		"Ação":          "acao",
		"A Órigem":      "a origem",
		"clube da luta": "clube da luta",
	}
	for in, want := range cases {
		if got := Fold(in); got != want {
			t.Fatalf("Fold(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	if got := Truncate("ação!", 3); got != "açã" {
		t.Fatalf("unexpected truncate: %q", got)
	}
	if got := Truncate("ok", 10); got != "ok" {
		t.Fatalf("unexpected truncate: %q", got)
	}
}
