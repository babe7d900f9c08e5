package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fleetops/rollback/internal/models"
	"github.com/fleetops/rollback/internal/storage"
)

var (
	ErrNotFound     = errors.New("deployment record not found")
	ErrWriteFailure = errors.New("metadata write failure")
)

// Minimum number of successful records retained by Cleanup regardless of age,
// so a rollback target always exists after a cleanup pass.
const minRetainedSuccessful = 5

// Store reads and writes deployment, rollback, and validation records in the
// object store.
type Store struct {
	objects storage.ObjectStore
	log     logrus.FieldLogger
	clock   clock.Clock
}

// NewStore constructs a metadata store over the given object store.
func NewStore(objects storage.ObjectStore, log logrus.FieldLogger) *Store {
	return &Store{objects: objects, log: log, clock: clock.New()}
}

// WithClock overrides the store's time source, for tests.
func (s *Store) WithClock(c clock.Clock) *Store {
	s.clock = c
	return s
}

// versionPointer is the secondary index entry mapping a version to the gitSha
// component of its record key.
type versionPointer struct {
	GitSha string `json:"gitSha"`
}

// Create writes a new pending deployment record keyed by (environment,
// gitSha), plus the version pointer used by UpdateStatus. If an object exists
// at artifactPath, its checksum is fetched and attached to the record.
func (s *Store) Create(ctx context.Context, env models.Environment, version, gitSha, artifactPath, deployedBy string) (*models.DeploymentRecord, error) {
	if version == "" || gitSha == "" {
		return nil, fmt.Errorf("%w: version and sha are required", storage.ErrInvalidInput)
	}

	rec := &models.DeploymentRecord{
		Version:      version,
		GitSha:       gitSha,
		Environment:  env,
		Status:       models.StatusPending,
		Timestamp:    s.clock.Now().UTC(),
		ArtifactPath: artifactPath,
		DeployedBy:   deployedBy,
		DeploymentID: uuid.NewString(),
	}

	if artifactPath != "" {
		ok, err := s.objects.Exists(ctx, artifactPath)
		if err != nil {
			s.log.WithError(err).WithField("artifact_path", artifactPath).Warn("artifact existence check failed, recording without checksum")
		} else if ok {
			sum, err := s.objects.Checksum(ctx, artifactPath)
			if err != nil {
				s.log.WithError(err).WithField("artifact_path", artifactPath).Warn("artifact checksum fetch failed, recording without checksum")
			} else {
				rec.Checksum = sum
			}
		}
	}

	if err := s.putJSON(ctx, metadataKey(env, gitSha), rec); err != nil {
		return nil, err
	}
	if err := s.putJSON(ctx, versionPointerKey(env, version), versionPointer{GitSha: gitSha}); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"environment":   env,
		"version":       version,
		"git_sha":       gitSha,
		"deployment_id": rec.DeploymentID,
	}).Info("deployment record created")

	return rec, nil
}

// Get fetches the record keyed by (environment, gitSha).
func (s *Store) Get(ctx context.Context, env models.Environment, gitSha string) (*models.DeploymentRecord, error) {
	return s.getRecord(ctx, metadataKey(env, gitSha))
}

// UpdateStatus locates the record whose version matches and rewrites it with
// the new status plus update timestamp and actor. Resolution goes through the
// version pointer first and falls back to a scan of the environment prefix
// for records written before the pointer index existed.
func (s *Store) UpdateStatus(ctx context.Context, env models.Environment, version string, status models.DeploymentStatus, updatedBy string) (*models.DeploymentRecord, error) {
	rec, key, err := s.findByVersion(ctx, env, version)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	rec.Status = status
	rec.StatusUpdatedAt = &now
	rec.StatusUpdatedBy = updatedBy

	if err := s.putJSON(ctx, key, rec); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"environment": env,
		"version":     version,
		"status":      status,
	}).Info("deployment status updated")

	return rec, nil
}

// List returns up to limit records for the environment, ordered by descending
// storage key (most-recent-first under the store's key layout).
func (s *Store) List(ctx context.Context, env models.Environment, limit int) ([]*models.DeploymentRecord, error) {
	keys, err := s.objects.ListKeys(ctx, metadataPrefix(env))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	records := make([]*models.DeploymentRecord, 0, limit)
	for _, key := range keys {
		if limit > 0 && len(records) >= limit {
			break
		}
		rec, err := s.getRecord(ctx, key)
		if err != nil {
			s.log.WithError(err).WithField("key", key).Warn("skipping unreadable deployment record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Cleanup deletes records older than now - retentionDays. The most recent
// min(5, countOfSuccessful) successful records are always retained regardless
// of age. Per-object delete failures are logged and do not abort the pass.
// Returns the number of records deleted.
func (s *Store) Cleanup(ctx context.Context, env models.Environment, retentionDays int) (int, error) {
	keys, err := s.objects.ListKeys(ctx, metadataPrefix(env))
	if err != nil {
		return 0, err
	}

	type entry struct {
		key string
		rec *models.DeploymentRecord
	}
	var entries []entry
	var successful []entry
	for _, key := range keys {
		rec, err := s.getRecord(ctx, key)
		if err != nil {
			s.log.WithError(err).WithField("key", key).Warn("skipping unreadable deployment record")
			continue
		}
		entries = append(entries, entry{key, rec})
		if rec.Status == models.StatusSuccess {
			successful = append(successful, entry{key, rec})
		}
	}

	sort.Slice(successful, func(i, j int) bool {
		return successful[i].rec.Timestamp.After(successful[j].rec.Timestamp)
	})
	keep := minRetainedSuccessful
	if len(successful) < keep {
		keep = len(successful)
	}
	protected := make(map[string]bool, keep)
	for _, e := range successful[:keep] {
		protected[e.key] = true
	}

	cutoff := s.clock.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	deleted := 0
	for _, e := range entries {
		if protected[e.key] || !e.rec.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.objects.DeleteObject(ctx, e.key); err != nil {
			s.log.WithError(err).WithField("key", e.key).Warn("failed to delete deployment record")
			continue
		}
		if err := s.objects.DeleteObject(ctx, versionPointerKey(env, e.rec.Version)); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			s.log.WithError(err).WithField("version", e.rec.Version).Warn("failed to delete version pointer")
		}
		deleted++
	}

	s.log.WithFields(logrus.Fields{
		"environment":    env,
		"retention_days": retentionDays,
		"deleted":        deleted,
	}).Info("metadata cleanup finished")

	return deleted, nil
}

// WriteRollbackRecord appends a rollback audit entry.
func (s *Store) WriteRollbackRecord(ctx context.Context, rec *models.RollbackRecord) error {
	return s.putJSON(ctx, rollbackKey(rec.Environment, rec.RollbackTimestamp), rec)
}

// LatestRollbackRecord returns the most recent rollback audit entry for the
// environment, or ErrNotFound when none exists.
func (s *Store) LatestRollbackRecord(ctx context.Context, env models.Environment) (*models.RollbackRecord, error) {
	keys, err := s.objects.ListKeys(ctx, rollbackPrefix(env))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	sort.Strings(keys)

	raw, err := s.objects.GetObject(ctx, keys[len(keys)-1])
	if err != nil {
		return nil, err
	}
	var rec models.RollbackRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriteValidationReport persists a validation report.
func (s *Store) WriteValidationReport(ctx context.Context, rep *models.ValidationReport) error {
	return s.putJSON(ctx, validationReportKey(rep.Environment, rep.ValidationTimestamp), rep)
}

func (s *Store) findByVersion(ctx context.Context, env models.Environment, version string) (*models.DeploymentRecord, string, error) {
	raw, err := s.objects.GetObject(ctx, versionPointerKey(env, version))
	if err == nil {
		var ptr versionPointer
		if err := json.Unmarshal(raw, &ptr); err == nil && ptr.GitSha != "" {
			key := metadataKey(env, ptr.GitSha)
			rec, err := s.getRecord(ctx, key)
			if err == nil && rec.Version == version {
				return rec, key, nil
			}
		}
	} else if !errors.Is(err, storage.ErrObjectNotFound) {
		return nil, "", err
	}

	// Pointer missing or stale: linear scan over the environment prefix.
	keys, err := s.objects.ListKeys(ctx, metadataPrefix(env))
	if err != nil {
		return nil, "", err
	}
	for _, key := range keys {
		rec, err := s.getRecord(ctx, key)
		if err != nil {
			continue
		}
		if rec.Version == version {
			return rec, key, nil
		}
	}
	return nil, "", fmt.Errorf("%w: no record with version %s in %s", ErrNotFound, version, env)
}

func (s *Store) getRecord(ctx context.Context, key string) (*models.DeploymentRecord, error) {
	raw, err := s.objects.GetObject(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec models.DeploymentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if err := s.objects.PutObject(ctx, key, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}
