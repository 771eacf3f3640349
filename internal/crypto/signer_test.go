package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerGeneratesAndReloads(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "bundle.key")

	s1, err := NewSigner(keyPath)
	require.NoError(t, err)
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s2, err := NewSigner(keyPath)
	require.NoError(t, err)
	assert.Equal(t, s1.PublicKey(), s2.PublicKey())

	sig, err := s1.SignDigest("abc123")
	require.NoError(t, err)
	assert.True(t, VerifyDigest(s2.PublicKey(), "abc123", sig))
	assert.False(t, VerifyDigest(s2.PublicKey(), "abc124", sig))
}

func TestSignerRejectsBadKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "bundle.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("not hex"), 0o600))

	_, err := NewSigner(keyPath)
	assert.Error(t, err)
	data, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "not hex", string(data), "existing file must not be overwritten")

	require.NoError(t, os.WriteFile(keyPath, []byte("abcd"), 0o600))
	_, err = NewSigner(keyPath)
	assert.ErrorContains(t, err, "invalid key size")
}

func TestRotateKeepsOldSignaturesVerifiable(t *testing.T) {
	const maxDigests = 10
	keyPath := filepath.Join(t.TempDir(), "bundle.key")
	s, err := NewSigner(keyPath)
	require.NoError(t, err)

	oldPub := s.PublicKey()
	sigs := make([]string, maxDigests)
	for i := 0; i < maxDigests; i++ {
		sigs[i], err = s.SignDigest(string(rune('a' + i)))
		require.NoError(t, err)
	}

	gotOld, gotNew, err := s.Rotate()
	require.NoError(t, err)
	assert.Equal(t, oldPub, gotOld)
	assert.NotEqual(t, gotOld, gotNew)
	assert.Equal(t, gotNew, s.PublicKey())

	for i := 0; i < maxDigests; i++ {
		digest := string(rune('a' + i))
		assert.True(t, VerifyDigest(oldPub, digest, sigs[i]))
		assert.False(t, VerifyDigest(gotNew, digest, sigs[i]))
	}

	reloaded, err := NewSigner(keyPath)
	require.NoError(t, err)
	assert.Equal(t, gotNew, reloaded.PublicKey())
}

func TestVerifyDigestMalformed(t *testing.T) {
	assert.False(t, VerifyDigest("zz", "d", "00"))
	assert.False(t, VerifyDigest("abcd", "d", "00"))
}
