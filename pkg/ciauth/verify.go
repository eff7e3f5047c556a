// Package ciauth authenticates webhook-triggered runs: HMAC-SHA256 over
// timestamp, nonce and body, a ±5 minute clock window, and a single-use
// nonce per workspace.
package ciauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/edgegate/edgegate/pkg/domain"
	"github.com/edgegate/edgegate/pkg/secret"
)

const (
	HeaderWorkspace = "X-EdgeGate-Workspace"
	HeaderTimestamp = "X-EdgeGate-Timestamp"
	HeaderNonce     = "X-EdgeGate-Nonce"
	HeaderSignature = "X-EdgeGate-Signature"
)

// MaxClockSkew is inclusive: a request exactly at the edge is accepted.
const MaxClockSkew = 5 * time.Minute

// NonceTTL bounds how long a spent nonce row must be kept.
const NonceTTL = 5 * time.Minute

// SecretSource yields a workspace's CI secret, or domain.ErrMissing
// when the workspace is unknown or has no secret.
type SecretSource interface {
	CISecret(ctx context.Context, workspaceId string) (secret.Token, error)
}

// NonceStore spends a nonce. It returns domain.ErrConflict when the
// (workspace, nonce) pair has been spent already.
type NonceStore interface {
	Spend(ctx context.Context, nonce domain.CINonce) error
}

// ComputeSignature is the client-side half, exported so CI helpers and
// tests derive signatures the same way the verifier does:
// hex(HMAC-SHA256(key, timestamp + "\n" + nonce + "\n" + body)).
func ComputeSignature(key string, timestamp string, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type Verifier struct {
	Secrets SecretSource
	Nonces  NonceStore

	// Now is the clock; tests pin it. nil means time.Now.
	Now func() time.Time
}

// Verify authenticates one CI request. A nil error means the nonce has
// been spent and the caller may proceed.
//
// Check order: workspace, timestamp window, signature, then the nonce
// insert. The nonce is only spent for otherwise-valid requests, so a
// forged request cannot burn a legitimate nonce.
func (v *Verifier) Verify(
	ctx context.Context,
	workspaceId string,
	timestamp string,
	nonce string,
	signature string,
	body []byte,
) error {
	if len(nonce) == 0 || domain.MaxNonceLength < len(nonce) {
		return domain.NewRunError(domain.ErrcodeInvalidSignature, "nonce length out of range")
	}

	key, err := v.Secrets.CISecret(ctx, workspaceId)
	if err != nil {
		if errors.Is(err, domain.ErrMissing) {
			return domain.NewRunError(domain.ErrcodeUnknownWorkspace, "no CI secret for workspace")
		}
		return err
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return domain.NewRunError(domain.ErrcodeStaleTimestamp, "timestamp is not ISO-8601")
	}
	skew := now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if MaxClockSkew < skew {
		return domain.NewRunError(domain.ErrcodeStaleTimestamp, "timestamp outside the accepted window")
	}

	want := ComputeSignature(key.Reveal(), timestamp, nonce, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return domain.NewRunError(domain.ErrcodeInvalidSignature, "signature mismatch")
	}

	err = v.Nonces.Spend(ctx, domain.CINonce{
		Nonce:       nonce,
		WorkspaceId: workspaceId,
		UsedAt:      now(),
		ExpiresAt:   ts.Add(NonceTTL),
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.NewRunError(domain.ErrcodeReplay, "nonce already spent")
		}
		return err
	}
	return nil
}
