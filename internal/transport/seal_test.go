package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSealer_SealOpenRoundTrip(t *testing.T) {
	clientPriv, clientPub, err := GenerateSealKeyPair()
	require.NoError(t, err)
	serverPriv, serverPub, err := GenerateSealKeyPair()
	require.NoError(t, err)

	clientSealer, err := NewFrameSealer(clientPriv, serverPub)
	require.NoError(t, err)
	serverSealer, err := NewFrameSealer(serverPriv, clientPub)
	require.NoError(t, err)

	sealed := clientSealer.Seal([]byte("hello tunnel"))
	opened, err := serverSealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello tunnel", string(opened))
}

func TestFrameSealer_OpenRejectsTamperedCiphertext(t *testing.T) {
	priv, pub, err := GenerateSealKeyPair()
	require.NoError(t, err)
	sealer, err := NewFrameSealer(priv, pub)
	require.NoError(t, err)

	sealed := sealer.Seal([]byte("payload"))
	sealed[len(sealed)-1] ^= 0xFF

	_, err = sealer.Open(sealed)
	assert.Error(t, err)
}

func TestFrameSealer_OpenRejectsShortInput(t *testing.T) {
	priv, pub, err := GenerateSealKeyPair()
	require.NoError(t, err)
	sealer, err := NewFrameSealer(priv, pub)
	require.NoError(t, err)

	_, err = sealer.Open([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestNewFrameSealer_MismatchedKeysDecryptDifferentStream(t *testing.T) {
	aPriv, aPub, err := GenerateSealKeyPair()
	require.NoError(t, err)
	bPriv, bPub, err := GenerateSealKeyPair()
	require.NoError(t, err)
	_, cPub, err := GenerateSealKeyPair()
	require.NoError(t, err)

	aSealer, err := NewFrameSealer(aPriv, bPub)
	require.NoError(t, err)
	// b derives against the wrong peer key (c instead of a), so its shared
	// secret won't match what a used.
	mismatchedSealer, err := NewFrameSealer(bPriv, cPub)
	require.NoError(t, err)

	sealed := aSealer.Seal([]byte("secret"))
	_, err = mismatchedSealer.Open(sealed)
	assert.Error(t, err)
}
