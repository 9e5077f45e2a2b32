package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SignedEnvelope carries a payload and the signature over its exact bytes.
type SignedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"publicKey"`
	Signature string          `json:"signature"`
	SignedAt  time.Time       `json:"signedAt"`
}

// Signer produces signed envelopes ready to submit.
type Signer interface {
	Sign(ctx context.Context, payload any) (SignedEnvelope, error)
}

type Ed25519Signer struct {
	key ed25519.PrivateKey
	now func() time.Time
}

func NewEd25519Signer(key ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	return &Ed25519Signer{key: key, now: time.Now}, nil
}

// GenerateEd25519Signer creates a signer with a fresh random key.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewEd25519Signer(key)
}

// LoadEd25519Signer reads a hex encoded 32 byte seed from path.
func LoadEd25519Signer(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode signing key %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key %s must hold a %d byte seed", path, ed25519.SeedSize)
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
}

// LoadOrCreateEd25519Signer loads the seed at path, writing a fresh one
// first when the file does not exist yet.
func LoadOrCreateEd25519Signer(path string) (*Ed25519Signer, error) {
	signer, err := LoadEd25519Signer(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return signer, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return LoadEd25519Signer(path)
		}
		return nil, err
	}
	if _, err := f.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
}

// PublicKey returns the hex encoded public key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

func (s *Ed25519Signer) Sign(ctx context.Context, payload any) (SignedEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return SignedEnvelope{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return SignedEnvelope{}, fmt.Errorf("encode payload: %w", err)
	}
	return SignedEnvelope{
		Payload:   data,
		PublicKey: s.PublicKey(),
		Signature: hex.EncodeToString(ed25519.Sign(s.key, data)),
		SignedAt:  s.now().UTC(),
	}, nil
}

// VerifyEnvelope checks the envelope signature against its own public key.
func VerifyEnvelope(env SignedEnvelope) error {
	pub, err := hex.DecodeString(env.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed public key", ErrSignature)
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), env.Payload, sig) {
		return ErrSignature
	}
	return nil
}

// DecodePayload unmarshals the envelope payload into out.
func DecodePayload(env SignedEnvelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}
	return json.Unmarshal(env.Payload, out)
}
