package cursor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec([]byte("01234567890123456789012345678901"[:32]))
	require.NoError(t, err)
	return c
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := testCodec(t)
	page := Page{Namespace: "files", LastKey: "HttpProject~F1"}

	token, err := c.Encode(page)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := c.Decode(token)
	require.NoError(t, err)
	require.Equal(t, page, got)
}

func TestDecodeEmptyTokenIsFirstPage(t *testing.T) {
	c := testCodec(t)
	got, err := c.Decode("")
	require.NoError(t, err)
	require.Equal(t, Page{}, got)
}

func TestTokenIsOpaque(t *testing.T) {
	c := testCodec(t)
	token, err := c.Encode(Page{Namespace: "files", LastKey: "super-secret-key-material"})
	require.NoError(t, err)
	require.NotContains(t, token, "super-secret-key-material")
	require.NotContains(t, token, "files")
}

func TestTamperedTokenIsRejected(t *testing.T) {
	c := testCodec(t)
	token, err := c.Encode(Page{Namespace: "files", LastKey: "F1"})
	require.NoError(t, err)

	tampered := []byte(token)
	tampered[len(tampered)-1] ^= 0x01
	_, err = c.Decode(string(tampered))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestGarbageTokenIsRejected(t *testing.T) {
	c := testCodec(t)
	_, err := c.Decode("not-a-valid-token!!")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestWrongKeyCannotDecode(t *testing.T) {
	c1 := testCodec(t)
	c2, err := NewCodec([]byte(strings.Repeat("9", 32)))
	require.NoError(t, err)

	token, err := c1.Encode(Page{Namespace: "files", LastKey: "F1"})
	require.NoError(t, err)

	_, err = c2.Decode(token)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNewCodecRejectsWrongKeyLength(t *testing.T) {
	_, err := NewCodec([]byte("too-short"))
	require.Error(t, err)
}
