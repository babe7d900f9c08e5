// Package workflow exercises the full deployment lifecycle across packages:
// recording deployments, rolling back, validating, and cleaning up, all
// in-process against fakes.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetops/rollback/internal/artifact"
	"github.com/fleetops/rollback/internal/fleet"
	"github.com/fleetops/rollback/internal/health"
	"github.com/fleetops/rollback/internal/metadata"
	"github.com/fleetops/rollback/internal/models"
	"github.com/fleetops/rollback/internal/rollback"
	"github.com/fleetops/rollback/internal/storage"
	"github.com/fleetops/rollback/internal/validation"
)

// fakeFleet serves as provider and commander at once. Every dispatched
// command succeeds and TagMember keeps member tags current, so validation
// observes a converging fleet.
type fakeFleet struct {
	mu      sync.Mutex
	members []models.FleetMember
}

func (f *fakeFleet) ListInService(ctx context.Context) ([]models.FleetMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.FleetMember, len(f.members))
	copy(out, f.members)
	return out, nil
}

func (f *fakeFleet) TagMember(ctx context.Context, instanceID, version, gitSha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.members {
		if f.members[i].InstanceID == instanceID {
			f.members[i].CurrentVersionTag = version
		}
	}
	return nil
}

func (f *fakeFleet) Capacity(ctx context.Context) (int, int, error) {
	return len(f.members), len(f.members), nil
}

func (f *fakeFleet) HealthyTargets(ctx context.Context) (int, error) {
	return len(f.members), nil
}

func (f *fakeFleet) Dispatch(ctx context.Context, instanceID, script string) (string, error) {
	return "cmd-" + instanceID, nil
}

func (f *fakeFleet) PollStatus(ctx context.Context, commandID, instanceID string) (models.CommandExecution, error) {
	return models.CommandExecution{CommandID: commandID, InstanceID: instanceID, Status: models.CommandSuccess}, nil
}

type env struct {
	store        *metadata.Store
	objects      *storage.InMemoryObjectStore
	fleet        *fakeFleet
	orchestrator *rollback.Orchestrator
}

func setup(t *testing.T) *env {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"healthy"}`)
	}))
	t.Cleanup(srv.Close)

	objects := storage.NewInMemoryObjectStore()
	store := metadata.NewStore(objects, log)
	fleetState := &fakeFleet{members: []models.FleetMember{
		{InstanceID: "i-1", CurrentVersionTag: "v3.0.0"},
		{InstanceID: "i-2", CurrentVersionTag: "v3.0.0"},
	}}

	checker := health.NewChecker(log)
	checker.MaxAttempts = 2
	checker.WaitInterval = time.Millisecond

	executor := fleet.NewExecutor(fleetState, fleetState, log)
	executor.PollInterval = time.Millisecond
	executor.PerInstanceTimeout = 100 * time.Millisecond

	orchestrator := rollback.NewOrchestrator(rollback.Params{
		Store:     store,
		Selector:  rollback.NewSelector(store, fleetState, log),
		Artifacts: artifact.NewValidator(objects, log),
		Executor:  executor,
		Provider:  fleetState,
		Validator: validation.NewRunner(store, fleetState, checker, srv.URL, log),
		Bucket:    "deploy-bucket",
		Install:   fleet.InstallSpec{AppDir: "/var/www/app", BackupDir: "/var/backups", ServiceName: "app", ServiceOwner: "www-data"},
		Log:       log,
	})

	return &env{store: store, objects: objects, fleet: fleetState, orchestrator: orchestrator}
}

// deploy records a deployment with an uploaded artifact and marks it with the
// given status, mirroring what a CI pipeline does around a release.
func (e *env) deploy(t *testing.T, version, sha string, status models.DeploymentStatus) {
	t.Helper()
	ctx := context.Background()
	path := fmt.Sprintf("artifacts/app-%s.tar.gz", version)
	if err := e.objects.PutObject(ctx, path, []byte("artifact "+version)); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if _, err := e.store.Create(ctx, models.EnvironmentProduction, version, sha, path, "ci"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := e.store.UpdateStatus(ctx, models.EnvironmentProduction, version, status, "ci"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
}

func TestDeployRollbackValidateLifecycle(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	e.deploy(t, "v1.0.0", "a1a1a1a", models.StatusSuccess)
	e.deploy(t, "v2.0.0", "b2b2b2b", models.StatusSuccess)
	e.deploy(t, "v3.0.0", "c3c3c3c", models.StatusSuccess)

	// v3.0.0 is live and misbehaving. A plain rollback must land on v2.0.0.
	result, err := e.orchestrator.Run(ctx, rollback.Options{
		Environment:    models.EnvironmentProduction,
		NonInteractive: true,
		Reason:         "error rate spike",
		Initiator:      "oncall",
	})
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if result.State != rollback.StateDone || result.Target.Version != "v2.0.0" {
		t.Fatalf("unexpected result: state=%s target=%+v", result.State, result.Target)
	}
	for _, m := range e.fleet.members {
		if m.CurrentVersionTag != "v2.0.0" {
			t.Fatalf("member %s tagged %s after rollback", m.InstanceID, m.CurrentVersionTag)
		}
	}

	audit, err := e.store.LatestRollbackRecord(ctx, models.EnvironmentProduction)
	if err != nil {
		t.Fatalf("LatestRollbackRecord failed: %v", err)
	}
	if audit.TargetVersion != "v2.0.0" || audit.Initiator != "oncall" {
		t.Fatalf("unexpected audit record: %+v", audit)
	}

	// A second rollback from v2.0.0 steps down to v1.0.0.
	result, err = e.orchestrator.Run(ctx, rollback.Options{
		Environment:    models.EnvironmentProduction,
		NonInteractive: true,
		Initiator:      "oncall",
	})
	if err != nil {
		t.Fatalf("second rollback failed: %v", err)
	}
	if result.Target.Version != "v1.0.0" {
		t.Fatalf("second rollback selected %s, want v1.0.0", result.Target.Version)
	}
}

func TestRollbackToExplicitVersion(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	e.deploy(t, "v1.0.0", "a1a1a1a", models.StatusSuccess)
	e.deploy(t, "v2.0.0", "b2b2b2b", models.StatusFailed)
	e.deploy(t, "v3.0.0", "c3c3c3c", models.StatusSuccess)

	result, err := e.orchestrator.Run(ctx, rollback.Options{
		Environment:    models.EnvironmentProduction,
		Version:        "v1.0.0",
		NonInteractive: true,
		Initiator:      "oncall",
	})
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if result.Target.Version != "v1.0.0" {
		t.Fatalf("selected %s, want v1.0.0", result.Target.Version)
	}

	// A failed deployment is never a valid explicit target.
	_, err = e.orchestrator.Run(ctx, rollback.Options{
		Environment:    models.EnvironmentProduction,
		Version:        "v2.0.0",
		NonInteractive: true,
		Initiator:      "oncall",
	})
	if !errors.Is(err, rollback.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestCleanupAfterRollbackKeepsTargets(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	e.deploy(t, "v1.0.0", "a1a1a1a", models.StatusSuccess)
	e.deploy(t, "v2.0.0", "b2b2b2b", models.StatusSuccess)
	e.deploy(t, "v3.0.0", "c3c3c3c", models.StatusSuccess)

	if _, err := e.orchestrator.Run(ctx, rollback.Options{
		Environment:    models.EnvironmentProduction,
		NonInteractive: true,
		Initiator:      "oncall",
	}); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	// Even with a zero-day retention window the successful records are
	// protected, so rollback targets remain available.
	deleted, err := e.store.Cleanup(ctx, models.EnvironmentProduction, 0)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("Cleanup deleted %d fresh successful records", deleted)
	}

	records, err := e.store.List(ctx, models.EnvironmentProduction, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 retained records, got %d", len(records))
	}
}
