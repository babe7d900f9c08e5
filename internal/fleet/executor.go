package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/fleetops/rollback/internal/models"
)

const (
	defaultPollInterval       = 10 * time.Second
	defaultPerInstanceTimeout = 10 * time.Minute
)

// Executor drives a rolling installation across the fleet: one member at a
// time, never in parallel, so a bad artifact stops after the first failure
// instead of taking out the whole fleet.
type Executor struct {
	commander Commander
	provider  Provider
	clock     clock.Clock
	log       logrus.FieldLogger

	PollInterval       time.Duration
	PerInstanceTimeout time.Duration
}

// NewExecutor constructs an executor with default polling parameters.
func NewExecutor(commander Commander, provider Provider, log logrus.FieldLogger) *Executor {
	return &Executor{
		commander:          commander,
		provider:           provider,
		clock:              clock.New(),
		log:                log,
		PollInterval:       defaultPollInterval,
		PerInstanceTimeout: defaultPerInstanceTimeout,
	}
}

// WithClock overrides the executor's time source, for tests.
func (e *Executor) WithClock(c clock.Clock) *Executor {
	e.clock = c
	return e
}

// Execute runs the install script on every member in order. A member that
// completes successfully is tagged with the new version before the next one
// is attempted. Any non-success terminal state aborts the whole pass; the
// remaining members are never dispatched.
func (e *Executor) Execute(ctx context.Context, members []models.FleetMember, script, version, gitSha string) error {
	if len(members) == 0 {
		return ErrNoFleetMembers
	}

	for i, member := range members {
		memberLog := e.log.WithFields(logrus.Fields{
			"instance_id": member.InstanceID,
			"position":    fmt.Sprintf("%d/%d", i+1, len(members)),
		})
		memberLog.Info("dispatching install command")

		commandID, err := e.commander.Dispatch(ctx, member.InstanceID, script)
		if err != nil {
			return &ExecutionError{
				InstanceID: member.InstanceID,
				Updated:    instanceIDs(members[:i]),
				Remaining:  instanceIDs(members[i+1:]),
				cause:      err,
			}
		}

		exec, err := e.poll(ctx, commandID, member.InstanceID)
		if err != nil {
			return &ExecutionError{
				InstanceID: member.InstanceID,
				Status:     exec.Status,
				StderrTail: exec.StderrTail,
				Updated:    instanceIDs(members[:i]),
				Remaining:  instanceIDs(members[i+1:]),
				cause:      err,
			}
		}

		if exec.Status != models.CommandSuccess {
			return &ExecutionError{
				InstanceID: member.InstanceID,
				Status:     exec.Status,
				StderrTail: exec.StderrTail,
				Updated:    instanceIDs(members[:i]),
				Remaining:  instanceIDs(members[i+1:]),
				cause:      fmt.Errorf("%w: command finished with status %s", ErrExecutionFailure, exec.Status),
			}
		}

		if err := e.provider.TagMember(ctx, member.InstanceID, version, gitSha); err != nil {
			memberLog.WithError(err).Warn("install succeeded but version tagging failed")
		}
		memberLog.Info("member updated")
	}
	return nil
}

// poll watches one command invocation until it reaches a terminal state or
// the per-instance timeout elapses. Transient poll errors are tolerated until
// the deadline.
func (e *Executor) poll(ctx context.Context, commandID, instanceID string) (models.CommandExecution, error) {
	deadline := e.clock.Now().Add(e.PerInstanceTimeout)
	last := models.CommandExecution{CommandID: commandID, InstanceID: instanceID, Status: models.CommandPending}

	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		exec, err := e.commander.PollStatus(ctx, commandID, instanceID)
		if err != nil {
			e.log.WithError(err).WithField("command_id", commandID).Warn("command status poll failed")
		} else {
			last = exec
			if exec.Status.Terminal() {
				return exec, nil
			}
		}

		if e.clock.Now().After(deadline) {
			return last, fmt.Errorf("%w: no terminal state within %s", ErrCommandTimeout, e.PerInstanceTimeout)
		}
		e.clock.Sleep(e.PollInterval)
	}
}

func instanceIDs(members []models.FleetMember) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.InstanceID)
	}
	return ids
}
