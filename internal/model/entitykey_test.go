package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Acme Forge 3000", "acme forge 3000"},
		{"collapses punctuation", "Acme/Forge-3000", "acme forge 3000"},
		{"collapses runs of separators", "Acme  --  Forge", "acme forge"},
		{"trims surrounding noise", "  (Acme Forge)  ", "acme forge"},
		{"strips diacritics", "Wärtsilä W-31", "wartsila w 31"},
		{"folds fullwidth compatibility forms", "Ａｃｍｅ ３０００", "acme 3000"},
		{"empty stays empty", "", ""},
		{"pure punctuation collapses to empty", "-/@#!", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, EntityKey(tc.in))
		})
	}
}

func TestEntityKeyVariantsCollide(t *testing.T) {
	t.Parallel()

	variants := []string{
		"Wärtsilä W-31/DF",
		"wartsila w 31 df",
		"WARTSILA  W_31  DF",
		"Wartsila (W-31) DF",
	}
	want := EntityKey(variants[0])
	assert.NotEmpty(t, want)
	for _, v := range variants[1:] {
		assert.Equal(t, want, EntityKey(v), "variant %q should normalize to the same key", v)
	}
}
