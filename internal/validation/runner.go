package validation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/fleetops/rollback/internal/fleet"
	"github.com/fleetops/rollback/internal/health"
	"github.com/fleetops/rollback/internal/metadata"
	"github.com/fleetops/rollback/internal/models"
)

var ErrValidationFailure = errors.New("validation failure")

// Runner performs the post-rollback validation pass: infrastructure and
// application checks gate the outcome, the smoke-test and metadata checks are
// advisory. A report is written for every run regardless of outcome.
type Runner struct {
	store    *metadata.Store
	provider fleet.Provider
	health   *health.Checker
	log      logrus.FieldLogger
	clock    clock.Clock

	HealthBaseURL    string
	SmokeTestCommand []string
}

// NewRunner constructs a validation runner.
func NewRunner(store *metadata.Store, provider fleet.Provider, checker *health.Checker, healthBaseURL string, log logrus.FieldLogger) *Runner {
	return &Runner{
		store:         store,
		provider:      provider,
		health:        checker,
		log:           log,
		clock:         clock.New(),
		HealthBaseURL: strings.TrimRight(healthBaseURL, "/"),
	}
}

// WithClock overrides the runner's time source, for tests.
func (r *Runner) WithClock(c clock.Clock) *Runner {
	r.clock = c
	return r
}

// Options parameterize one validation run.
type Options struct {
	Environment     models.Environment
	ExpectedVersion string
	SkipTests       bool
	ValidatedBy     string
}

// Run executes the checks in order: infrastructure, application, tests,
// metadata. It returns the written report, plus ErrValidationFailure when the
// infrastructure or application check failed.
func (r *Runner) Run(ctx context.Context, opts Options) (*models.ValidationReport, error) {
	checks := make(map[string]models.CheckResult, 4)

	infraErr := r.checkInfrastructure(ctx, opts.ExpectedVersion)
	checks[models.CheckInfrastructure] = passFail(infraErr == nil)
	if infraErr != nil {
		r.log.WithError(infraErr).Error("infrastructure check failed")
	}

	_, appErr := r.health.Check(ctx, r.HealthBaseURL+"/health", health.StatusHealthy, opts.ExpectedVersion)
	checks[models.CheckApplication] = passFail(appErr == nil)
	if appErr != nil {
		r.log.WithError(appErr).Error("application health check failed")
	}

	checks[models.CheckTests] = r.runSmokeTests(ctx, opts.SkipTests)
	checks[models.CheckMetadata] = r.checkMetadata(ctx, opts.Environment, opts.ExpectedVersion)

	report := &models.ValidationReport{
		ValidationTimestamp: r.clock.Now().UTC(),
		Environment:         opts.Environment,
		ExpectedVersion:     opts.ExpectedVersion,
		Checks:              checks,
		ValidatedBy:         opts.ValidatedBy,
	}
	if err := r.store.WriteValidationReport(ctx, report); err != nil {
		r.log.WithError(err).Error("failed to write validation report")
	}

	if infraErr != nil {
		return report, fmt.Errorf("%w: %v", ErrValidationFailure, infraErr)
	}
	if appErr != nil {
		return report, fmt.Errorf("%w: %v", ErrValidationFailure, appErr)
	}
	return report, nil
}

// checkInfrastructure confirms desired versus actual fleet capacity, that
// every in-service member carries the expected version tag, and that the load
// balancer reports at least one healthy target.
func (r *Runner) checkInfrastructure(ctx context.Context, expectedVersion string) error {
	desired, inService, err := r.provider.Capacity(ctx)
	if err != nil {
		return err
	}
	if inService == 0 || inService != desired {
		return fmt.Errorf("fleet capacity mismatch: desired %d, in service %d", desired, inService)
	}

	members, err := r.provider.ListInService(ctx)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member.CurrentVersionTag != expectedVersion {
			return fmt.Errorf("member %s tagged %q, want %q", member.InstanceID, member.CurrentVersionTag, expectedVersion)
		}
	}

	healthy, err := r.provider.HealthyTargets(ctx)
	if err != nil {
		return err
	}
	if healthy < 1 {
		return fmt.Errorf("load balancer reports no healthy targets")
	}
	return nil
}

func (r *Runner) runSmokeTests(ctx context.Context, skip bool) models.CheckResult {
	if skip || len(r.SmokeTestCommand) == 0 {
		return models.CheckSkipped
	}

	cmd := exec.CommandContext(ctx, r.SmokeTestCommand[0], r.SmokeTestCommand[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.log.WithError(err).WithField("output", tailString(string(out), 512)).Warn("smoke tests failed")
		return models.CheckFailed
	}
	return models.CheckPassed
}

func (r *Runner) checkMetadata(ctx context.Context, env models.Environment, expectedVersion string) models.CheckResult {
	rec, err := r.store.LatestRollbackRecord(ctx, env)
	if err != nil {
		r.log.WithError(err).Warn("metadata consistency check could not read latest rollback record")
		return models.CheckFailed
	}
	if rec.TargetVersion != expectedVersion {
		r.log.WithFields(logrus.Fields{
			"recorded_version": rec.TargetVersion,
			"expected_version": expectedVersion,
		}).Warn("latest rollback record does not match expected version")
		return models.CheckFailed
	}
	return models.CheckPassed
}

func passFail(ok bool) models.CheckResult {
	if ok {
		return models.CheckPassed
	}
	return models.CheckFailed
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
