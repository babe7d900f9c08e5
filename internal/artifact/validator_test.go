package artifact

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/fleetops/rollback/internal/models"
	"github.com/fleetops/rollback/internal/storage"
)

func newTestValidator() (*Validator, *storage.InMemoryObjectStore) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	objects := storage.NewInMemoryObjectStore()
	return NewValidator(objects, log), objects
}

func TestValidateMissingArtifact(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestValidator()

	rec := &models.DeploymentRecord{ArtifactPath: "artifacts/gone.tar.gz"}
	if err := v.Validate(ctx, rec); !errors.Is(err, ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
}

func TestValidateChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	v, objects := newTestValidator()

	if err := objects.PutObject(ctx, "artifacts/app.tar.gz", []byte("current")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	rec := &models.DeploymentRecord{
		ArtifactPath: "artifacts/app.tar.gz",
		Checksum:     "does-not-match",
	}
	if err := v.Validate(ctx, rec); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestValidateOK(t *testing.T) {
	ctx := context.Background()
	v, objects := newTestValidator()

	if err := objects.PutObject(ctx, "artifacts/app.tar.gz", []byte("payload")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	sum, err := objects.Checksum(ctx, "artifacts/app.tar.gz")
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}

	rec := &models.DeploymentRecord{ArtifactPath: "artifacts/app.tar.gz", Checksum: sum}
	if err := v.Validate(ctx, rec); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	// No recorded checksum means existence alone passes.
	rec.Checksum = ""
	if err := v.Validate(ctx, rec); err != nil {
		t.Fatalf("Validate without checksum failed: %v", err)
	}
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	v, objects := newTestValidator()

	if err := objects.PutObject(ctx, "artifacts/app.tar.gz", []byte("payload")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	data, err := v.Fetch(ctx, &models.DeploymentRecord{ArtifactPath: "artifacts/app.tar.gz"})
	if err != nil || string(data) != "payload" {
		t.Fatalf("Fetch mismatch: %q err=%v", data, err)
	}

	_, err = v.Fetch(ctx, &models.DeploymentRecord{ArtifactPath: "artifacts/gone.tar.gz"})
	if !errors.Is(err, ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
}
