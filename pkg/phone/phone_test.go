package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plus seven", "+79991112233", "+79991112233"},
		{"bare seven", "79991112233", "+79991112233"},
		{"leading eight", "89991112233", "+79991112233"},
		{"formatted", " (7) 999 111-22-33 ", "+79991112233"},
		{"non russian", "+4915112345678", "+4915112345678"},
		{"empty", "", ""},
		{"no digits", "abc", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeEquivalence(t *testing.T) {
	forms := []string{"+79991112233", "89991112233", "79991112233", " (7) 999 111 22 33 "}
	for _, f := range forms {
		assert.Equal(t, "+79991112233", Normalize(f), "form %q", f)
	}
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "79991112233", Identifier("89991112233"))
	assert.Equal(t, "4915112345678", Identifier("+4915112345678"))
}

func TestVariants(t *testing.T) {
	want := []string{"+79991112233", "79991112233", "89991112233"}
	assert.Equal(t, want, Variants("8 (999) 111-22-33"))
	assert.Equal(t, want, Variants("+79991112233"))
	assert.Equal(t, want, Variants("79991112233"))
	assert.Nil(t, Variants(""))
}
