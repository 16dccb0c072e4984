package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyTimestamp(t *testing.T) {
	key, err := NewServerKey()
	require.NoError(t, err)

	mac := SignTimestamp(key, 1000)
	assert.True(t, VerifyTimestamp(key, 1000, mac))
	assert.False(t, VerifyTimestamp(key, 1001, mac))
}

func TestVerifyTimestampRejectsWrongKey(t *testing.T) {
	keyA, err := NewServerKey()
	require.NoError(t, err)
	keyB, err := NewServerKey()
	require.NoError(t, err)

	mac := SignTimestamp(keyA, 1000)
	assert.False(t, VerifyTimestamp(keyB, 1000, mac))
}

func TestNewServerKeyIsRandom(t *testing.T) {
	a, err := NewServerKey()
	require.NoError(t, err)
	b, err := NewServerKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
