package kms

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*FileKeystore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys", "keystore.json")
	ks, err := Open(path)
	require.NoError(t, err)
	return ks, path
}

func TestOpenGeneratesInitialKey(t *testing.T) {
	ks, _ := openTemp(t)
	assert.Equal(t, 1, ks.ActiveVersion())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ks, _ := openTemp(t)

	ct, err := ks.Encrypt([]byte("ed25519 seed material"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, "v1:"))

	pt, err := ks.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "ed25519 seed material", string(pt))
}

func TestEncryptEmptyIsEmpty(t *testing.T) {
	ks, _ := openTemp(t)

	ct, err := ks.Encrypt(nil)
	require.NoError(t, err)
	assert.Empty(t, ct)

	pt, err := ks.Decrypt("")
	require.NoError(t, err)
	assert.Nil(t, pt)
}

func TestRotateKeepsOldVersionsReadable(t *testing.T) {
	ks, _ := openTemp(t)

	old, err := ks.Encrypt([]byte("before rotation"))
	require.NoError(t, err)

	v, err := ks.Rotate()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, ks.ActiveVersion())

	fresh, err := ks.Encrypt([]byte("after rotation"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh, "v2:"))

	pt, err := ks.Decrypt(old)
	require.NoError(t, err)
	assert.Equal(t, "before rotation", string(pt))
}

func TestReopenPersistedKeystore(t *testing.T) {
	ks, path := openTemp(t)
	_, err := ks.Rotate()
	require.NoError(t, err)
	ct, err := ks.Encrypt([]byte("survives restart"))
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.ActiveVersion())

	pt, err := reopened.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "survives restart", string(pt))
}

func TestDecryptErrors(t *testing.T) {
	ks, _ := openTemp(t)

	_, err := ks.Decrypt("not-versioned")
	assert.Error(t, err)

	_, err = ks.Decrypt("v9:AAAA")
	assert.Error(t, err, "unknown key version")

	ct, err := ks.Encrypt([]byte("payload"))
	require.NoError(t, err)
	idx := len(ct) - 5
	repl := byte('A')
	if ct[idx] == 'A' {
		repl = 'B'
	}
	tampered := ct[:idx] + string(repl) + ct[idx+1:]
	_, err = ks.Decrypt(tampered)
	assert.Error(t, err)
}
