package artifacts

import (
	"time"

	"github.com/edgegate/edgegate/pkg/domain"
)

type Detail struct {
	ArtifactId       string     `json:"artifact_id"`
	Kind             string     `json:"kind"`
	Sha256           string     `json:"sha256"`
	Bytes            int64      `json:"bytes"`
	OriginalFilename string     `json:"original_filename"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Tombstoned       bool       `json:"tombstoned,omitempty"`
}

func ComposeDetail(a domain.Artifact) Detail {
	return Detail{
		ArtifactId:       a.ArtifactId,
		Kind:             string(a.Kind),
		Sha256:           a.Sha256,
		Bytes:            a.Bytes,
		OriginalFilename: a.OriginalFilename,
		CreatedAt:        a.CreatedAt,
		ExpiresAt:        a.ExpiresAt,
		Tombstoned:       a.Tombstoned,
	}
}
