package envelope_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/edgegate/edgegate/pkg/envelope"
	"github.com/edgegate/edgegate/pkg/utils/try"
)

func masterKey(seed byte) string {
	raw := bytes.Repeat([]byte{seed}, 32)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestSealOpenRoundTrip(t *testing.T) {
	keyring := try.To(envelope.NewKeyring("master-v1", masterKey(1))).OrFatal(t)

	for _, plaintext := range [][]byte{
		[]byte("qai_abcdef123456"),
		[]byte(""),
		bytes.Repeat([]byte{0xff}, 4096),
	} {
		ciphertext, wrappedDEK, err := keyring.Seal(plaintext)
		if err != nil {
			t.Fatal(err)
		}

		opened, err := keyring.Open(ciphertext, wrappedDEK)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Errorf("round trip: actual=%q, expect=%q", opened, plaintext)
		}
	}
}

func TestFreshDEKPerRecord(t *testing.T) {
	keyring := try.To(envelope.NewKeyring("master-v1", masterKey(1))).OrFatal(t)

	_, wrap1, err := keyring.Seal([]byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	_, wrap2, err := keyring.Seal([]byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(wrap1, wrap2) {
		t.Error("two records should never share a wrapped DEK")
	}
}

func TestTamperIsDecryptFailed(t *testing.T) {
	keyring := try.To(envelope.NewKeyring("master-v1", masterKey(1))).OrFatal(t)

	ciphertext, wrappedDEK, err := keyring.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	flipped := append([]byte{}, ciphertext...)
	flipped[len(flipped)-1] ^= 0x01
	if _, err := keyring.Open(flipped, wrappedDEK); !errors.Is(err, envelope.ErrDecryptFailed) {
		t.Errorf("tampered ciphertext: actual=%v, expect=%v", err, envelope.ErrDecryptFailed)
	}

	flippedWrap := append([]byte{}, wrappedDEK...)
	flippedWrap[len(flippedWrap)-1] ^= 0x01
	if _, err := keyring.Open(ciphertext, flippedWrap); !errors.Is(err, envelope.ErrDecryptFailed) {
		t.Errorf("tampered wrap: actual=%v, expect=%v", err, envelope.ErrDecryptFailed)
	}
}

func TestUnknownMasterIsKeyUnavailable(t *testing.T) {
	sealer := try.To(envelope.NewKeyring("master-v1", masterKey(1))).OrFatal(t)
	opener := try.To(envelope.NewKeyring("master-v2", masterKey(2))).OrFatal(t)

	ciphertext, wrappedDEK, err := sealer.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := opener.Open(ciphertext, wrappedDEK); !errors.Is(err, envelope.ErrKeyUnavailable) {
		t.Errorf("unknown master: actual=%v, expect=%v", err, envelope.ErrKeyUnavailable)
	}
}

func TestMasterRotationKeepsOldRecordsReadable(t *testing.T) {
	old := try.To(envelope.NewKeyring("master-v1", masterKey(1))).OrFatal(t)
	ciphertext, wrappedDEK, err := old.Seal([]byte("sealed before rotation"))
	if err != nil {
		t.Fatal(err)
	}

	// after rotation, v2 seals new records; v1 stays registered.
	rotated := try.To(envelope.NewKeyring("master-v2", masterKey(2))).OrFatal(t)
	if err := rotated.Register("master-v1", masterKey(1)); err != nil {
		t.Fatal(err)
	}

	opened, err := rotated.Open(ciphertext, wrappedDEK)
	if err != nil {
		t.Fatal(err)
	}
	if string(opened) != "sealed before rotation" {
		t.Errorf("opened: actual=%q", opened)
	}
}

func TestShortMasterKeyRejected(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := envelope.NewKeyring("master-v1", short); err == nil {
		t.Error("short master key should be rejected")
	}
}
