package ciauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"

	"github.com/edgegate/edgegate/pkg/secret"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

// CI secrets are generated server-side, shown exactly once, and stored
// envelope-sealed (verification needs the plaintext for HMAC). A
// peppered pbkdf2 fingerprint is stored next to the sealed form for
// audit lookups without unsealing.

const (
	secretBytes     = 32
	kdfIterations   = 600_000
	fingerprintSize = 32
)

// Generate mints a fresh CI secret.
func Generate() (secret.Token, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return secret.Token{}, xe.Wrap(err)
	}
	return secret.NewToken("egci_" + hex.EncodeToString(raw)), nil
}

// Fingerprint derives the stored lookup hash of a CI secret. pepper is
// a server-side constant from config, never stored beside the hash.
func Fingerprint(t secret.Token, pepper []byte) string {
	sum := pbkdf2.Key([]byte(t.Reveal()), pepper, kdfIterations, fingerprintSize, sha256.New)
	return hex.EncodeToString(sum)
}
