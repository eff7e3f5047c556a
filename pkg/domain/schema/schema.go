// Package schema carries the relational schema and the start-up check
// that it has been applied. Applying migrations is a deploy-time
// concern; the daemons refuse to run against an unprepared database
// rather than migrating it silently.
package schema

import (
	"context"
	_ "embed"
	"errors"

	"github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
)

//go:embed schema.sql
var DDL string

// SchemaVersion is the version the embedded DDL describes.
const SchemaVersion = 1

// ErrNotReady: the marker row is absent or behind. Run the migration
// tool before starting the daemons.
var ErrNotReady = errors.New("database schema is not ready; run the migration tool")

// EnsureReady verifies the schema marker. It never applies DDL.
func EnsureReady(ctx context.Context, p pool.Pool) error {
	var version int
	err := p.QueryRow(
		ctx, `select max("version") from "schema_marker"`,
	).Scan(&version)
	if err != nil {
		return ErrNotReady
	}
	if version < SchemaVersion {
		return ErrNotReady
	}
	return nil
}
