package saml2

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_Format(t *testing.T) {
	id := NewID()

	assert.True(t, strings.HasPrefix(id.String(), "_"))
	// prefix plus 128 bits of hex
	assert.Len(t, id.String(), 33)

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[Saml2ID]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestParseID_RejectsInvalid(t *testing.T) {
	cases := []string{
		"",
		"123abc",     // starts with digit
		"-leading",   // starts with hyphen
		"has space",
		"has&amp",
		"#fragment",
	}
	for _, c := range cases {
		_, err := ParseID(c)
		assert.Error(t, err, "expected %q to be rejected", c)
	}
}

func TestParseID_AcceptsNCNames(t *testing.T) {
	cases := []string{
		"_abc123",
		"id-with-dash",
		"id.with.dots",
		"ID_1234",
	}
	for _, c := range cases {
		id, err := ParseID(c)
		require.NoError(t, err)
		assert.Equal(t, c, id.String())
	}
}

func TestInstant_RoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 17, 12, 34, 56, 0, time.UTC)

	formatted := formatInstant(now)
	assert.Equal(t, "2024-05-17T12:34:56Z", formatted)

	parsed, err := parseInstant(formatted)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}

func TestInstant_ParsesOffsetsAndFractions(t *testing.T) {
	parsed, err := parseInstant("2024-05-17T14:34:56.123+02:00")
	require.NoError(t, err)
	assert.Equal(t, 12, parsed.Hour())
	assert.Equal(t, time.UTC, parsed.Location())
}

func TestInstant_RejectsGarbage(t *testing.T) {
	_, err := parseInstant("yesterday")
	assert.Error(t, err)
}
