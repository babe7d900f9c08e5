package rollback

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fleetops/rollback/internal/artifact"
	"github.com/fleetops/rollback/internal/fleet"
	"github.com/fleetops/rollback/internal/metadata"
	"github.com/fleetops/rollback/internal/models"
	"github.com/fleetops/rollback/internal/validation"
)

// State names the orchestrator's position in the rollback lifecycle.
type State string

const (
	StateSelecting      State = "Selecting"
	StateValidating     State = "Validating"
	StateConfirming     State = "Confirming"
	StateExecuting      State = "Executing"
	StatePostValidating State = "PostValidating"
	StateDone           State = "Done"
	StateAborted        State = "Aborted"
)

var ErrConfirmationDeclined = errors.New("rollback not confirmed by operator")

// ConfirmFunc blocks for explicit operator confirmation of the selected
// target before any mutation happens.
type ConfirmFunc func(target *models.DeploymentRecord) (bool, error)

// Params wires the orchestrator's collaborators.
type Params struct {
	Store     *metadata.Store
	Selector  *Selector
	Artifacts *artifact.Validator
	Executor  *fleet.Executor
	Provider  fleet.Provider
	Validator *validation.Runner
	// Lock is optional; without it concurrent runs are not serialized.
	Lock    *Lock
	Confirm ConfirmFunc
	// Bucket and Install parameterize the remote installation script; the
	// artifact URL is filled in per selected target.
	Bucket  string
	Install fleet.InstallSpec
	Log     logrus.FieldLogger
}

// Orchestrator drives a rollback through
// Selecting -> Validating -> Confirming -> Executing -> PostValidating -> Done,
// aborting from any state on failure.
type Orchestrator struct {
	p     Params
	clock clock.Clock
}

// NewOrchestrator constructs the rollback orchestrator.
func NewOrchestrator(p Params) *Orchestrator {
	return &Orchestrator{p: p, clock: clock.New()}
}

// WithClock overrides the orchestrator's time source, for tests.
func (o *Orchestrator) WithClock(c clock.Clock) *Orchestrator {
	o.clock = c
	return o
}

// Options parameterize one rollback run.
type Options struct {
	Environment    models.Environment
	Version        string
	DryRun         bool
	NonInteractive bool
	Reason         string
	Initiator      string
}

// Result reports the terminal state of a run, the selected target, and the
// validation report when post-validation ran.
type Result struct {
	RunID  string
	State  State
	Target *models.DeploymentRecord
	Report *models.ValidationReport
}

// Run executes one rollback. Dry runs stop after validation with zero writes
// and zero fleet commands. The rollback audit record is written before the
// first fleet command, so the attempt is on record even if it fails.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{RunID: uuid.NewString(), State: StateSelecting}
	log := o.p.Log.WithFields(logrus.Fields{
		"run_id":      result.RunID,
		"environment": opts.Environment,
		"initiator":   opts.Initiator,
	})
	log.Info("rollback run starting")

	target, err := o.p.Selector.Select(ctx, opts.Environment, opts.Version)
	if err != nil {
		return o.abort(log, result, err)
	}
	result.Target = target
	log = log.WithFields(logrus.Fields{"target_version": target.Version, "target_sha": target.GitSha})
	log.Info("rollback target selected")

	result.State = StateValidating
	if err := o.p.Artifacts.Validate(ctx, target); err != nil {
		return o.abort(log, result, err)
	}

	if opts.DryRun {
		log.WithField("artifact_path", target.ArtifactPath).Info("dry run: target validated, no changes made")
		result.State = StateDone
		return result, nil
	}

	result.State = StateConfirming
	if !opts.NonInteractive && o.p.Confirm != nil {
		ok, err := o.p.Confirm(target)
		if err != nil {
			return o.abort(log, result, err)
		}
		if !ok {
			return o.abort(log, result, ErrConfirmationDeclined)
		}
	}

	if o.p.Lock != nil {
		if err := o.p.Lock.Acquire(ctx, opts.Environment, result.RunID); err != nil {
			return o.abort(log, result, err)
		}
		defer o.p.Lock.Release(context.Background(), opts.Environment, result.RunID)
	}

	result.State = StateExecuting
	audit := &models.RollbackRecord{
		RollbackTimestamp:         o.clock.Now().UTC(),
		Initiator:                 opts.Initiator,
		TargetVersion:             target.Version,
		TargetGitSha:              target.GitSha,
		TargetDeploymentTimestamp: target.Timestamp,
		Environment:               opts.Environment,
		Reason:                    opts.Reason,
	}
	if err := o.p.Store.WriteRollbackRecord(ctx, audit); err != nil {
		return o.abort(log, result, err)
	}

	// Full download up front: a half-fetchable artifact must fail here, not
	// midway through the fleet.
	data, err := o.p.Artifacts.Fetch(ctx, target)
	if err != nil {
		return o.abort(log, result, err)
	}
	log.WithField("artifact_bytes", len(data)).Info("artifact downloaded")

	members, err := o.p.Provider.ListInService(ctx)
	if err != nil {
		return o.abort(log, result, err)
	}

	spec := o.p.Install
	spec.ArtifactURL = fmt.Sprintf("s3://%s/%s", o.p.Bucket, target.ArtifactPath)
	script := fleet.InstallScript(spec)

	if err := o.p.Executor.Execute(ctx, members, script, target.Version, target.GitSha); err != nil {
		return o.abort(log, result, err)
	}

	result.State = StatePostValidating
	report, err := o.p.Validator.Run(ctx, validation.Options{
		Environment:     opts.Environment,
		ExpectedVersion: target.Version,
		ValidatedBy:     opts.Initiator,
	})
	result.Report = report
	if err != nil {
		return o.abort(log, result, err)
	}

	result.State = StateDone
	log.Info("rollback complete")
	return result, nil
}

func (o *Orchestrator) abort(log logrus.FieldLogger, result *Result, err error) (*Result, error) {
	log.WithError(err).WithField("state", result.State).Error("rollback aborted")
	result.State = StateAborted
	return result, err
}
