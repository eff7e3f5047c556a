// Package blobstore is the content-addressed artifact plane. Bytes live
// in the object store under artifacts/{sha256}/{filename}; metadata
// lives in artifact rows. Identical bytes under one workspace
// deduplicate, and every read re-verifies the hash it hands out.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/edgegate/pkg/domain"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

// ErrIntegrity: stored bytes do not hash to the recorded sha256.
var ErrIntegrity = errors.New("artifact bytes do not match recorded sha256")

// RetentionDays is the default artifact lifetime. Rows referenced by a
// non-expired run bundle are exempt (the registry query knows).
const RetentionDays = 30

// ObjectStore is the byte plane. The minio adapter implements it; tests
// use an in-memory map.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	Remove(ctx context.Context, key string) error
}

// Registry is the artifact-row plane, implemented over Postgres.
type Registry interface {
	// Create inserts a new artifact row and returns it with its id.
	Create(ctx context.Context, a domain.Artifact) (domain.Artifact, error)

	// Get resolves an artifact in the caller's workspace.
	// Rows of other workspaces yield domain.ErrMissing.
	Get(ctx context.Context, workspaceId string, artifactId string) (domain.Artifact, error)

	// LookupBySha finds a live (non-tombstoned) artifact with these
	// bytes in the workspace, or domain.ErrMissing.
	LookupBySha(ctx context.Context, workspaceId string, sha256 string) (domain.Artifact, error)

	// ListExpired yields artifacts whose expiry passed before cutoff
	// and which no unexpired bundle references.
	ListExpired(ctx context.Context, cutoff time.Time) ([]domain.Artifact, error)

	// Tombstone clears the byte reference but keeps the row, so hash
	// references in old bundles stay attributable.
	Tombstone(ctx context.Context, artifactId string) error
}

type Store struct {
	Objects  ObjectStore
	Registry Registry

	// Now is the clock; tests pin it.
	Now func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Put stores a small in-memory blob.
func (s *Store) Put(
	ctx context.Context,
	workspaceId string,
	kind domain.ArtifactKind,
	filename string,
	content []byte,
) (domain.Artifact, error) {
	return s.PutStream(ctx, workspaceId, kind, filename, bytes.NewReader(content), int64(len(content)))
}

// PutStream stores a blob of unknown content hash with bounded memory:
// bytes stream to a staging key while hashing, then move to their
// content address. Models above the size limit fail LIMIT_EXCEEDED.
func (s *Store) PutStream(
	ctx context.Context,
	workspaceId string,
	kind domain.ArtifactKind,
	filename string,
	r io.Reader,
	declaredSize int64,
) (domain.Artifact, error) {
	if kind == domain.ArtifactModel && domain.MaxModelBytes < declaredSize {
		return domain.Artifact{}, domain.NewRunError(domain.ErrcodeLimitExceeded, fmt.Sprintf(
			"model is %d bytes, limit is %d", declaredSize, domain.MaxModelBytes,
		))
	}

	staging := "staging/" + uuid.NewString()
	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(r, hasher)}

	if err := s.Objects.Put(ctx, staging, counter, declaredSize); err != nil {
		return domain.Artifact{}, xe.Wrap(err)
	}
	size := counter.n
	if kind == domain.ArtifactModel && domain.MaxModelBytes < size {
		_ = s.Objects.Remove(ctx, staging)
		return domain.Artifact{}, domain.NewRunError(domain.ErrcodeLimitExceeded, fmt.Sprintf(
			"model is %d bytes, limit is %d", size, domain.MaxModelBytes,
		))
	}

	sha := hex.EncodeToString(hasher.Sum(nil))

	// same bytes, same workspace: reuse the existing row.
	if existing, err := s.Registry.LookupBySha(ctx, workspaceId, sha); err == nil {
		_ = s.Objects.Remove(ctx, staging)
		return existing, nil
	} else if !errors.Is(err, domain.ErrMissing) {
		_ = s.Objects.Remove(ctx, staging)
		return domain.Artifact{}, xe.Wrap(err)
	}

	key := ObjectKey(sha, filename)
	if err := s.Objects.Copy(ctx, staging, key); err != nil {
		_ = s.Objects.Remove(ctx, staging)
		return domain.Artifact{}, xe.Wrap(err)
	}
	_ = s.Objects.Remove(ctx, staging)

	now := s.now()
	expires := now.AddDate(0, 0, RetentionDays)
	created, err := s.Registry.Create(ctx, domain.Artifact{
		WorkspaceId:      workspaceId,
		Kind:             kind,
		Sha256:           sha,
		StorageKey:       key,
		Bytes:            size,
		OriginalFilename: filename,
		CreatedAt:        now,
		ExpiresAt:        &expires,
	})
	if err != nil {
		return domain.Artifact{}, xe.Wrap(err)
	}
	return created, nil
}

// Get returns an artifact's bytes, re-verifying the content hash.
// Cross-workspace ids surface as domain.ErrMissing, same as absent.
func (s *Store) Get(ctx context.Context, workspaceId string, artifactId string) (domain.Artifact, []byte, error) {
	a, err := s.Registry.Get(ctx, workspaceId, artifactId)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	if a.Tombstoned {
		return domain.Artifact{}, nil, domain.ErrMissing
	}

	rc, err := s.Objects.Get(ctx, a.StorageKey)
	if err != nil {
		return domain.Artifact{}, nil, xe.Wrap(err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return domain.Artifact{}, nil, xe.Wrap(err)
	}

	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != a.Sha256 {
		return domain.Artifact{}, nil, ErrIntegrity
	}
	return a, content, nil
}

// GetStream hands out the raw object stream for large artifacts.
// Callers wanting integrity must hash while consuming; Get does it for
// in-memory reads.
func (s *Store) GetStream(ctx context.Context, workspaceId string, artifactId string) (domain.Artifact, io.ReadCloser, error) {
	a, err := s.Registry.Get(ctx, workspaceId, artifactId)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	if a.Tombstoned {
		return domain.Artifact{}, nil, domain.ErrMissing
	}
	rc, err := s.Objects.Get(ctx, a.StorageKey)
	if err != nil {
		return domain.Artifact{}, nil, xe.Wrap(err)
	}
	return a, rc, nil
}

// LookupBySha exposes dedup lookups to the upload handler.
func (s *Store) LookupBySha(ctx context.Context, workspaceId string, sha string) (domain.Artifact, error) {
	return s.Registry.LookupBySha(ctx, workspaceId, sha)
}

// ExpireOlderThan deletes the bytes of artifacts expired before cutoff
// and tombstones their rows. Returns how many were reaped.
func (s *Store) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	expired, err := s.Registry.ListExpired(ctx, cutoff)
	if err != nil {
		return 0, xe.Wrap(err)
	}

	reaped := 0
	for _, a := range expired {
		if err := s.Objects.Remove(ctx, a.StorageKey); err != nil {
			return reaped, xe.WrapWithNote("removing "+a.StorageKey, err)
		}
		if err := s.Registry.Tombstone(ctx, a.ArtifactId); err != nil {
			return reaped, xe.Wrap(err)
		}
		reaped++
	}
	return reaped, nil
}

// PutBundle stores a run's evidence zip under its well-known key
// bundles/{run_id}/evidence.zip and registers the artifact row.
func (s *Store) PutBundle(ctx context.Context, workspaceId string, runId string, content []byte) (domain.Artifact, error) {
	key := BundleKey(runId)
	if err := s.Objects.Put(ctx, key, bytes.NewReader(content), int64(len(content))); err != nil {
		return domain.Artifact{}, xe.Wrap(err)
	}

	sum := sha256.Sum256(content)
	now := s.now()
	expires := now.AddDate(0, 0, RetentionDays)
	created, err := s.Registry.Create(ctx, domain.Artifact{
		WorkspaceId:      workspaceId,
		Kind:             domain.ArtifactBundle,
		Sha256:           hex.EncodeToString(sum[:]),
		StorageKey:       key,
		Bytes:            int64(len(content)),
		OriginalFilename: "evidence.zip",
		CreatedAt:        now,
		ExpiresAt:        &expires,
	})
	if err != nil {
		return domain.Artifact{}, xe.Wrap(err)
	}
	return created, nil
}

// ObjectKey is the storage layout: artifacts/{sha256}/{filename}.
func ObjectKey(sha string, filename string) string {
	return "artifacts/" + sha + "/" + filename
}

// BundleKey is where run evidence zips land.
func BundleKey(runId string) string {
	return "bundles/" + runId + "/evidence.zip"
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
