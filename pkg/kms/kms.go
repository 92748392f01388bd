// Package kms manages the keys that encrypt signing-credential material at
// rest. Keys are versioned so rotation never strands previously encrypted
// rows: new writes use the active key, old versions stay readable.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Manager encrypts and decrypts credential material with versioned keys.
type Manager interface {
	// Encrypt returns versioned ciphertext of the form "v<N>:<base64>".
	Encrypt(plaintext []byte) (string, error)
	// Decrypt reverses Encrypt for any key version still in the keystore.
	Decrypt(ciphertext string) ([]byte, error)
	// Rotate makes a fresh key active; old keys remain for decryption.
	Rotate() (version int, err error)
	// ActiveVersion reports the key version used for new writes.
	ActiveVersion() int
}

// keystoreFile is the on-disk JSON layout.
type keystoreFile struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64 32-byte key
}

// FileKeystore is a file-backed Manager using AES-256-GCM.
type FileKeystore struct {
	mu    sync.RWMutex
	file  keystoreFile
	path  string
	cache map[int][]byte
}

// Open loads the keystore at path, generating a version-1 key when the file
// does not exist yet.
func Open(path string) (*FileKeystore, error) {
	ks := &FileKeystore{path: path, cache: make(map[int][]byte)}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("kms: generate key: %w", err)
		}
		ks.file = keystoreFile{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
		}
		ks.cache[1] = key
		if err := ks.persist(); err != nil {
			return nil, err
		}
		return ks, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &ks.file); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}
	for vStr, encoded := range ks.file.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("kms: key v%d has length %d, need 32", v, len(key))
		}
		ks.cache[v] = key
	}
	if _, ok := ks.cache[ks.file.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d missing from keystore", ks.file.ActiveVersion)
	}
	return ks, nil
}

// Encrypt implements Manager.
func (k *FileKeystore) Encrypt(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}
	k.mu.RLock()
	version := k.file.ActiveVersion
	key := k.cache[version]
	k.mu.RUnlock()

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := gcm.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(ct)), nil
}

// Decrypt implements Manager.
func (k *FileKeystore) Decrypt(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, nil
	}
	prefix, payload, found := strings.Cut(ciphertext, ":")
	if !found || !strings.HasPrefix(prefix, "v") {
		return nil, errors.New("kms: ciphertext missing version prefix")
	}
	version, err := strconv.Atoi(prefix[1:])
	if err != nil {
		return nil, fmt.Errorf("kms: bad version prefix %q: %w", prefix, err)
	}

	k.mu.RLock()
	key, ok := k.cache[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kms: unknown key version %d", version)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return pt, nil
}

// Rotate implements Manager.
func (k *FileKeystore) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	next := k.file.ActiveVersion + 1
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, fmt.Errorf("kms: generate key: %w", err)
	}
	k.file.Keys[strconv.Itoa(next)] = base64.StdEncoding.EncodeToString(key)
	k.file.ActiveVersion = next
	k.cache[next] = key

	if err := k.persist(); err != nil {
		return 0, err
	}
	return next, nil
}

// ActiveVersion implements Manager.
func (k *FileKeystore) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.file.ActiveVersion
}

// persist writes the keystore atomically. Caller holds the write lock.
func (k *FileKeystore) persist() error {
	data, err := json.MarshalIndent(k.file, "", "  ")
	if err != nil {
		return err
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return os.Rename(tmp, k.path)
}
