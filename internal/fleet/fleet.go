package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fleetops/rollback/internal/models"
)

var (
	ErrDispatchFailure  = errors.New("command dispatch failure")
	ErrExecutionFailure = errors.New("command execution failure")
	ErrCommandTimeout   = errors.New("command timed out")
	ErrNoFleetMembers   = errors.New("no in-service fleet members")
)

// Provider sources the live fleet from the compute provider.
type Provider interface {
	// ListInService returns the current in-service members in stable order.
	ListInService(ctx context.Context) ([]models.FleetMember, error)
	// TagMember records the deployed version and sha on a member.
	TagMember(ctx context.Context, instanceID, version, gitSha string) error
	// Capacity returns the desired and actual in-service member counts.
	Capacity(ctx context.Context) (desired, inService int, err error)
	// HealthyTargets returns how many members the load balancer reports healthy.
	HealthyTargets(ctx context.Context) (int, error)
}

// Commander is the remote command-dispatch/poll protocol consumed by the
// executor: dispatch(instanceId, script) -> commandId, then poll to a
// terminal state.
type Commander interface {
	Dispatch(ctx context.Context, instanceID, script string) (string, error)
	PollStatus(ctx context.Context, commandID, instanceID string) (models.CommandExecution, error)
}

// ExecutionError reports a failed rolling install. A failure partway through
// leaves the fleet split between versions; Updated and Remaining make that
// inconsistency explicit in the error report.
type ExecutionError struct {
	InstanceID string
	Status     models.CommandStatus
	StderrTail string
	Updated    []string
	Remaining  []string
	cause      error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rolling install failed on %s: %v", e.InstanceID, e.cause)
	if e.Status != "" {
		fmt.Fprintf(&b, " (status %s)", e.Status)
	}
	if e.StderrTail != "" {
		fmt.Fprintf(&b, "; stderr: %s", e.StderrTail)
	}
	if len(e.Updated) > 0 {
		fmt.Fprintf(&b, "; fleet inconsistent: updated=%v remaining=%v", e.Updated, e.Remaining)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error { return e.cause }
