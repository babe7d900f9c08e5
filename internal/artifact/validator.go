package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fleetops/rollback/internal/models"
	"github.com/fleetops/rollback/internal/storage"
)

var (
	ErrArtifactMissing  = errors.New("artifact missing")
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")
)

// Validator confirms that the artifact referenced by a deployment record still
// exists and matches the checksum recorded at deploy time. Both checks must
// pass before any fleet mutation happens.
type Validator struct {
	objects storage.ObjectStore
	log     logrus.FieldLogger
}

// NewValidator constructs an artifact validator over the given object store.
func NewValidator(objects storage.ObjectStore, log logrus.FieldLogger) *Validator {
	return &Validator{objects: objects, log: log}
}

// Validate checks artifact existence and, when the record carries a checksum,
// compares it against the object's current checksum.
func (v *Validator) Validate(ctx context.Context, rec *models.DeploymentRecord) error {
	ok, err := v.objects.Exists(ctx, rec.ArtifactPath)
	if err != nil {
		return fmt.Errorf("checking artifact %s: %w", rec.ArtifactPath, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, rec.ArtifactPath)
	}

	if rec.Checksum == "" {
		v.log.WithField("artifact_path", rec.ArtifactPath).Warn("record has no checksum, skipping integrity comparison")
		return nil
	}

	current, err := v.objects.Checksum(ctx, rec.ArtifactPath)
	if err != nil {
		return fmt.Errorf("fetching checksum for %s: %w", rec.ArtifactPath, err)
	}
	if current != rec.Checksum {
		return fmt.Errorf("%w: recorded %s, current %s", ErrChecksumMismatch, rec.Checksum, current)
	}
	return nil
}

// Fetch downloads the artifact once, proving it is fully retrievable before
// the first fleet member is touched.
func (v *Validator) Fetch(ctx context.Context, rec *models.DeploymentRecord) ([]byte, error) {
	data, err := v.objects.GetObject(ctx, rec.ArtifactPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, rec.ArtifactPath)
		}
		return nil, err
	}
	return data, nil
}
