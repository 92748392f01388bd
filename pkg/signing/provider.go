// Package signing adapts the external signing capability. The workflow
// treats providers as opaque: it hands over a payload digest and a
// credential reference and receives a signature artifact or an error.
package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/accredo/evidence-backend/pkg/workflow"
)

// KeyResolver supplies the private key behind a verified credential
// reference. pkg/credentials implements it.
type KeyResolver interface {
	SigningKey(ctx context.Context, ref string) (ed25519.PrivateKey, string, error)
}

// LocalProvider implements workflow.SigningProvider with in-process
// Ed25519 signatures over the payload digest.
type LocalProvider struct {
	keys  KeyResolver
	clock func() time.Time
}

// NewLocalProvider creates the provider.
func NewLocalProvider(keys KeyResolver) *LocalProvider {
	return &LocalProvider{keys: keys, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (p *LocalProvider) WithClock(clock func() time.Time) *LocalProvider {
	p.clock = clock
	return p
}

// Sign implements workflow.SigningProvider.
func (p *LocalProvider) Sign(ctx context.Context, req workflow.SignRequest) (*workflow.SignResult, error) {
	if len(req.Digest) == 0 {
		return nil, errors.New("signing: empty payload digest")
	}
	key, keyID, err := p.keys.SigningKey(ctx, req.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("signing: resolve key for %s: %w", req.CredentialRef, err)
	}
	sig := ed25519.Sign(key, req.Digest)
	return &workflow.SignResult{
		Signature: hex.EncodeToString(sig),
		KeyID:     keyID,
		SignedAt:  p.clock().UTC(),
	}, nil
}

// Verify checks an artifact produced by LocalProvider against the
// credential's public key.
func Verify(publicKeyHex, signatureHex string, digest []byte) (bool, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("signing: invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("signing: invalid public key size")
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("signing: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig), nil
}
