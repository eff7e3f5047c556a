package db

import (
	"context"
	"time"

	"github.com/edgegate/edgegate/pkg/domain"
)

type NonceInterface interface {
	// Spend inserts the nonce row. The primary key on
	// (workspace_id, nonce) makes a second spend domain.ErrConflict;
	// a row's existence proves the nonce is burnt.
	Spend(ctx context.Context, n domain.CINonce) error

	// PurgeExpired deletes rows whose expiry passed before now.
	// Returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
