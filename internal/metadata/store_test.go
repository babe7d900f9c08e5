package metadata

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/fleetops/rollback/internal/models"
	"github.com/fleetops/rollback/internal/storage"
)

func newTestLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestStore() (*Store, *storage.InMemoryObjectStore, *clock.Mock) {
	objects := storage.NewInMemoryObjectStore()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewStore(objects, newTestLogger()).WithClock(mock)
	return store, objects, mock
}

func TestCreateAttachesChecksumWhenArtifactExists(t *testing.T) {
	ctx := context.Background()
	store, objects, _ := newTestStore()

	if err := objects.PutObject(ctx, "artifacts/app-v1.0.0.tar.gz", []byte("artifact")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	rec, err := store.Create(ctx, models.EnvironmentStaging, "v1.0.0", "aaa", "artifacts/app-v1.0.0.tar.gz", "alice")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.Checksum == "" {
		t.Fatal("expected checksum to be attached")
	}
	if rec.Status != models.StatusPending {
		t.Fatalf("new record status = %s, want pending", rec.Status)
	}
	if rec.DeploymentID == "" {
		t.Fatal("expected a deployment id")
	}

	missing, err := store.Create(ctx, models.EnvironmentStaging, "v1.1.0", "bbb", "artifacts/never-uploaded.tar.gz", "alice")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if missing.Checksum != "" {
		t.Fatal("expected no checksum when artifact is absent")
	}
}

func TestUpdateStatusVisibleViaList(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore()

	if _, err := store.Create(ctx, models.EnvironmentStaging, "v1.0.0", "aaa", "", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := store.UpdateStatus(ctx, models.EnvironmentStaging, "v1.0.0", models.StatusSuccess, "bob")
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if updated.StatusUpdatedAt == nil || updated.StatusUpdatedBy != "bob" {
		t.Fatalf("update metadata not set: %+v", updated)
	}

	records, err := store.List(ctx, models.EnvironmentStaging, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].Status != models.StatusSuccess {
		t.Fatalf("updated status not observable via List: %+v", records)
	}
}

func TestUpdateStatusFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	store, objects, _ := newTestStore()

	if _, err := store.Create(ctx, models.EnvironmentStaging, "v1.0.0", "aaa", "", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Simulate a record written before the pointer index existed.
	if err := objects.DeleteObject(ctx, "deployments/staging/versions/v1.0.0.json"); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}

	if _, err := store.UpdateStatus(ctx, models.EnvironmentStaging, "v1.0.0", models.StatusFailed, "bob"); err != nil {
		t.Fatalf("UpdateStatus via scan failed: %v", err)
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore()

	_, err := store.UpdateStatus(ctx, models.EnvironmentStaging, "v9.9.9", models.StatusSuccess, "bob")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore()

	for _, sha := range []string{"aaa", "bbb", "ccc"} {
		if _, err := store.Create(ctx, models.EnvironmentStaging, "v-"+sha, sha, "", "alice"); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	records, err := store.List(ctx, models.EnvironmentStaging, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("List limit not applied: got %d records", len(records))
	}
	// Descending key order: metadata-ccc before metadata-bbb.
	if records[0].GitSha != "ccc" || records[1].GitSha != "bbb" {
		t.Fatalf("List order mismatch: %s, %s", records[0].GitSha, records[1].GitSha)
	}
}

func TestCleanupRetainsSuccessfulRecords(t *testing.T) {
	ctx := context.Background()
	store, objects, mock := newTestStore()

	// Three old successful records and one old failed record.
	shas := []string{"aaa", "bbb", "ccc"}
	for _, sha := range shas {
		if _, err := store.Create(ctx, models.EnvironmentStaging, "v-"+sha, sha, "", "alice"); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if _, err := store.UpdateStatus(ctx, models.EnvironmentStaging, "v-"+sha, models.StatusSuccess, "alice"); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		mock.Add(time.Hour)
	}
	if _, err := store.Create(ctx, models.EnvironmentStaging, "v-ddd", "ddd", "", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, models.EnvironmentStaging, "v-ddd", models.StatusFailed, "alice"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	// Everything is now far past the retention window.
	mock.Add(90 * 24 * time.Hour)

	deleted, err := store.Cleanup(ctx, models.EnvironmentStaging, 30)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Cleanup deleted %d records, want 1 (the failed one)", deleted)
	}

	records, err := store.List(ctx, models.EnvironmentStaging, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected min(5, successful) = 3 retained records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Status != models.StatusSuccess {
			t.Fatalf("retained record is not successful: %+v", rec)
		}
	}

	// The failed record's version pointer must be gone too.
	if _, err := objects.GetObject(ctx, "deployments/staging/versions/v-ddd.json"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected deleted version pointer, got %v", err)
	}
}

func TestCleanupDeletesBeyondRetainedFive(t *testing.T) {
	ctx := context.Background()
	store, _, mock := newTestStore()

	for _, sha := range []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7"} {
		if _, err := store.Create(ctx, models.EnvironmentStaging, "v-"+sha, sha, "", "alice"); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if _, err := store.UpdateStatus(ctx, models.EnvironmentStaging, "v-"+sha, models.StatusSuccess, "alice"); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		mock.Add(time.Hour)
	}

	mock.Add(90 * 24 * time.Hour)

	deleted, err := store.Cleanup(ctx, models.EnvironmentStaging, 30)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("Cleanup deleted %d records, want 2", deleted)
	}

	records, err := store.List(ctx, models.EnvironmentStaging, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 retained successful records, got %d", len(records))
	}
}

func TestRollbackRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _, mock := newTestStore()

	first := &models.RollbackRecord{
		RollbackTimestamp: mock.Now().UTC(),
		Initiator:         "alice",
		TargetVersion:     "v1.0.0",
		TargetGitSha:      "aaa",
		Environment:       models.EnvironmentProduction,
		Reason:            "bad deploy",
	}
	if err := store.WriteRollbackRecord(ctx, first); err != nil {
		t.Fatalf("WriteRollbackRecord failed: %v", err)
	}

	mock.Add(time.Minute)
	second := &models.RollbackRecord{
		RollbackTimestamp: mock.Now().UTC(),
		Initiator:         "bob",
		TargetVersion:     "v0.9.0",
		TargetGitSha:      "999",
		Environment:       models.EnvironmentProduction,
	}
	if err := store.WriteRollbackRecord(ctx, second); err != nil {
		t.Fatalf("WriteRollbackRecord failed: %v", err)
	}

	latest, err := store.LatestRollbackRecord(ctx, models.EnvironmentProduction)
	if err != nil {
		t.Fatalf("LatestRollbackRecord failed: %v", err)
	}
	if latest.TargetVersion != "v0.9.0" || latest.Initiator != "bob" {
		t.Fatalf("latest record mismatch: %+v", latest)
	}

	if _, err := store.LatestRollbackRecord(ctx, models.EnvironmentStaging); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty environment, got %v", err)
	}
}
