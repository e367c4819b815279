package gnuid

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIsNonZeroAndDistinct(t *testing.T) {
	a := New()
	b := New()
	require.False(t, a.IsZero())
	require.False(t, b.IsZero())
	require.NotEqual(t, a, b)
}

func TestParseRoundTrip(t *testing.T) {
	id := New()
	back, err := Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, id, back)

	// uuid-style dashes are tolerated
	back, err = Parse("0123456789ab-cdef-0123-4567-89abcdef")
	require.NoError(t, err)
	require.Equal(t, "0123456789ABCDEF0123456789ABCDEF", back.String())
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse("short")
	require.Error(t, err)
	_, err = Parse("zz23456789abcdef0123456789abcdef")
	require.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	id := New()
	raw, err := json.Marshal(id)
	require.NoError(t, err)
	var back GnuID
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, id, back)
}

func TestFromBytes(t *testing.T) {
	_, err := FromBytes(make([]byte, 15))
	require.Error(t, err)
	id, err := FromBytes(make([]byte, 16))
	require.NoError(t, err)
	require.True(t, id.IsZero())
}
