package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCanonicalAcceptsWellFormed(t *testing.T) {
	cases := []string{
		"i42e",
		"i-42e",
		"i0e",
		"4:spam",
		"l4:spami42ee",
		"d3:bar4:spam3:fooi42ee",
		"de",
		"le",
	}
	for _, c := range cases {
		require.NoError(t, ValidateCanonical([]byte(c)), c)
	}
}

func TestValidateCanonicalRejectsLeadingZero(t *testing.T) {
	assert.Error(t, ValidateCanonical([]byte("i042e")))
}

func TestValidateCanonicalRejectsNegativeZero(t *testing.T) {
	assert.Error(t, ValidateCanonical([]byte("i-0e")))
}

func TestValidateCanonicalRejectsDuplicateKeys(t *testing.T) {
	assert.Error(t, ValidateCanonical([]byte("d3:foo1:a3:foo1:be")))
}

func TestValidateCanonicalRejectsUnsortedKeys(t *testing.T) {
	assert.Error(t, ValidateCanonical([]byte("d3:foo1:a3:bar1:be")))
}

func TestValidateCanonicalRejectsTrailingJunk(t *testing.T) {
	assert.Error(t, ValidateCanonical([]byte("i42ejunk")))
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	type inner struct {
		A int      `bencode:"a"`
		B string   `bencode:"b"`
		C []string `bencode:"c"`
	}
	in := inner{A: 7, B: "hello", C: []string{"x", "y"}}
	b, err := Marshal(in)
	require.NoError(t, err)

	var out inner
	require.NoError(t, Unmarshal(b, &out))
	assert.Equal(t, in, out)
}
