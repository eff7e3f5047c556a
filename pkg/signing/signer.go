// Package signing wraps the process-wide Ed25519 signing key.
//
// Private key material is loaded once at start from a PEM file (the
// deployment mounts it from the secret store) and never mutated;
// rotation registers a new key id, it does not edit this one.
package signing

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"os"

	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

type Signer struct {
	keyId   string
	private ed25519.PrivateKey
}

// Load reads a PKCS#8-encoded Ed25519 private key.
func Load(keyId string, privateKeyPath string) (*Signer, error) {
	raw, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, xe.WrapWithNote("signing key unreadable", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, xe.New("signing key file is not PEM")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, xe.WrapWithNote("signing key is not PKCS#8", err)
	}

	private, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, xe.New("signing key is not Ed25519")
	}

	return &Signer{keyId: keyId, private: private}, nil
}

// New wraps an in-memory key. Tests and key generation use this.
func New(keyId string, private ed25519.PrivateKey) *Signer {
	return &Signer{keyId: keyId, private: private}
}

func (s *Signer) KeyId() string {
	return s.keyId
}

func (s *Signer) Public() ed25519.PublicKey {
	return s.private.Public().(ed25519.PublicKey)
}

func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.private, data)
}

// Verify checks sig over data under pub. Offline verifiers do the same
// with the public key fetched from /v1/signing-keys/{key_id}.
func Verify(pub ed25519.PublicKey, data []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
