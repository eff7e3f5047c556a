// Package envelope seals small secrets with a fresh data-encryption key
// per record, the DEK itself wrapped under a long-lived master key.
//
// Layout of a wrapped DEK:
//
//	keyIdLen (1) | keyId | nonce (12) | AES-256-GCM(masterKey, dek)
//
// The master-key id is stamped into the wrap so rotation works by
// keeping previous masters registered under stable ids.
//
// Layout of a sealed record (mirrors the wire format of the system this
// replaces, so existing rows stay readable):
//
//	nonce (12) | AES-256-GCM(dek, plaintext)
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

var (
	// ErrKeyUnavailable: no master key is loaded under the wanted id.
	ErrKeyUnavailable = errors.New("master key unavailable")

	// ErrDecryptFailed: ciphertext, wrap or auth tag mismatch. Treated
	// as tamper; no partial plaintext is ever returned.
	ErrDecryptFailed = errors.New("decrypt failed")
)

const (
	dekSize   = 32
	nonceSize = 12
)

// Keyring holds the master keys. The key under CurrentId seals new
// records; every registered key can open.
type Keyring struct {
	current string
	keys    map[string][]byte
}

// NewKeyring registers the current master key. The key must be base64
// (std or url-safe), decoding to at least 32 bytes; only the first 32
// are used.
func NewKeyring(currentId string, masterKeyB64 string) (*Keyring, error) {
	k := &Keyring{current: currentId, keys: map[string][]byte{}}
	if err := k.Register(currentId, masterKeyB64); err != nil {
		return nil, err
	}
	return k, nil
}

// Register adds a (possibly retired) master key under a stable id.
func (k *Keyring) Register(id string, masterKeyB64 string) error {
	raw, err := decodeBase64(masterKeyB64)
	if err != nil {
		return xe.WrapWithNote("master key is not base64", err)
	}
	if len(raw) < dekSize {
		return xe.New(fmt.Sprintf("master key is %d bytes, need >= %d", len(raw), dekSize))
	}
	k.keys[id] = raw[:dekSize]
	return nil
}

func (k *Keyring) CurrentId() string {
	return k.current
}

// Seal encrypts plaintext under a fresh DEK and wraps the DEK under the
// current master key.
func (k *Keyring) Seal(plaintext []byte) (ciphertext []byte, wrappedDEK []byte, err error) {
	master, ok := k.keys[k.current]
	if !ok {
		return nil, nil, ErrKeyUnavailable
	}

	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, xe.Wrap(err)
	}

	ciphertext, err = gcmSeal(dek, plaintext)
	if err != nil {
		return nil, nil, xe.Wrap(err)
	}

	sealedDEK, err := gcmSeal(master, dek)
	if err != nil {
		return nil, nil, xe.Wrap(err)
	}

	if len(k.current) > 255 {
		return nil, nil, xe.New("master key id too long")
	}
	wrappedDEK = make([]byte, 0, 1+len(k.current)+len(sealedDEK))
	wrappedDEK = append(wrappedDEK, byte(len(k.current)))
	wrappedDEK = append(wrappedDEK, k.current...)
	wrappedDEK = append(wrappedDEK, sealedDEK...)

	return ciphertext, wrappedDEK, nil
}

// Open unwraps the DEK and decrypts the record. The returned plaintext
// lives only in caller scope; nothing is cached.
func (k *Keyring) Open(ciphertext []byte, wrappedDEK []byte) ([]byte, error) {
	if len(wrappedDEK) < 1 {
		return nil, ErrDecryptFailed
	}
	idLen := int(wrappedDEK[0])
	if len(wrappedDEK) < 1+idLen {
		return nil, ErrDecryptFailed
	}
	keyId := string(wrappedDEK[1 : 1+idLen])

	master, ok := k.keys[keyId]
	if !ok {
		return nil, ErrKeyUnavailable
	}

	dek, err := gcmOpen(master, wrappedDEK[1+idLen:])
	if err != nil {
		return nil, ErrDecryptFailed
	}

	plaintext, err := gcmOpen(dek, ciphertext)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func gcmSeal(key []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(key []byte, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, ErrDecryptFailed
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, errors.New("not base64 in any accepted alphabet")
}
