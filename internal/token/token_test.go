package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	m := NewManager([]byte("test-secret-value-not-for-prod!"), "net-store")

	signed, err := m.Issue("sess-123")
	require.NoError(t, err)

	claims, err := m.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, "sess-123", claims.Sid)
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := NewManager([]byte("test-secret-value-not-for-prod!"), "net-store").WithTTL(-time.Minute)

	signed, err := m.Issue("sess-123")
	require.NoError(t, err)

	_, err = m.Verify(signed)
	require.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m1 := NewManager([]byte("test-secret-value-not-for-prod-1"), "net-store")
	m2 := NewManager([]byte("test-secret-value-not-for-prod-2"), "net-store")

	signed, err := m1.Issue("sess-123")
	require.NoError(t, err)

	_, err = m2.Verify(signed)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	m1 := NewManager([]byte("test-secret-value-not-for-prod!"), "issuer-a")
	m2 := NewManager([]byte("test-secret-value-not-for-prod!"), "issuer-b")

	signed, err := m1.Issue("sess-123")
	require.NoError(t, err)

	_, err = m2.Verify(signed)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := NewManager([]byte("test-secret-value-not-for-prod!"), "net-store")
	_, err := m.Verify("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalid)
}
