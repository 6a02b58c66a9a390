package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_SignVerify(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	payload := []byte("operation bytes")
	sig := kp.Sign(payload)

	assert.True(t, Verify(kp.ActorID(), payload, sig))
	assert.False(t, Verify(kp.ActorID(), []byte("tampered"), sig))
}

func TestVerify_WrongActor(t *testing.T) {
	kp1, err := Generate()
	require.NoError(t, err)
	kp2, err := Generate()
	require.NoError(t, err)

	payload := []byte("operation bytes")
	sig := kp1.Sign(payload)

	assert.False(t, Verify(kp2.ActorID(), payload, sig))
}

func TestVerify_MalformedActorID(t *testing.T) {
	assert.False(t, Verify(ActorID("not-hex"), []byte("x"), []byte("y")))
	assert.False(t, Verify(ActorID("abcd"), []byte("x"), []byte("y")), "short key")
}

func TestActorID_Bytes(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	raw, err := kp.ActorID().Bytes()
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.Equal(t, []byte(kp.Public), raw)
}

func TestKeypair_SaveLoadRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "actor.key")
	require.NoError(t, kp.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, kp.ActorID(), loaded.ActorID())

	// Loaded key must produce signatures the original public key accepts.
	sig := loaded.Sign([]byte("payload"))
	assert.True(t, Verify(kp.ActorID(), []byte("payload"), sig))
}

func TestFromSeedHex_Invalid(t *testing.T) {
	_, err := FromSeedHex("zz")
	assert.Error(t, err)

	_, err = FromSeedHex("abcd")
	assert.Error(t, err, "wrong seed length")
}
