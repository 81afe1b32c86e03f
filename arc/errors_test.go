package arc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	err := NewError(KindAuth, "bad password", errors.New("bcrypt mismatch"))
	require.True(t, IsKind(err, KindAuth))
	require.False(t, IsKind(err, KindProtocol))
	require.Contains(t, err.Error(), "AuthError")
	require.Contains(t, err.Error(), "bad password")
	require.ErrorIs(t, err, err.Err)
}

func TestIsKindFalseForPlainError(t *testing.T) {
	require.False(t, IsKind(errors.New("plain"), KindAuth))
}

func TestErrorCarrierLatchesFirstError(t *testing.T) {
	var c ErrorCarrier
	require.Nil(t, c.IsError())

	ok := c.Set("dial failed", errors.New("connection refused"))
	require.False(t, ok)
	require.Error(t, c.IsError())
	require.Contains(t, c.IsError().Error(), "dial failed")

	c.Set("handshake failed", nil)
	require.Contains(t, c.IsError().Error(), "handshake failed")
	require.Contains(t, c.IsError().Error(), "dial failed")

	c.Reset()
	require.Nil(t, c.IsError())
}
