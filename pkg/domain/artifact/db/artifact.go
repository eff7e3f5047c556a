package db

import (
	"context"
	"time"

	"github.com/edgegate/edgegate/pkg/domain"
)

// ArtifactInterface is the artifact-row plane. It satisfies
// blobstore.Registry; the byte plane lives in the object store.
type ArtifactInterface interface {
	Create(ctx context.Context, a domain.Artifact) (domain.Artifact, error)

	// Get scopes to the workspace: rows of other tenants are
	// domain.ErrMissing, indistinguishable from absent rows.
	Get(ctx context.Context, workspaceId string, artifactId string) (domain.Artifact, error)

	LookupBySha(ctx context.Context, workspaceId string, sha256 string) (domain.Artifact, error)

	// ListExpired excludes artifacts referenced by a bundle of a run
	// that is itself unexpired.
	ListExpired(ctx context.Context, cutoff time.Time) ([]domain.Artifact, error)

	Tombstone(ctx context.Context, artifactId string) error
}
