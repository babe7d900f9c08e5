package models

import (
	"fmt"
	"time"
)

// Environment identifies a deployment target environment.
type Environment string

const (
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

// ParseEnvironment validates a raw environment name.
func ParseEnvironment(raw string) (Environment, error) {
	switch Environment(raw) {
	case EnvironmentStaging, EnvironmentProduction:
		return Environment(raw), nil
	}
	return "", fmt.Errorf("unknown environment %q (want staging or production)", raw)
}

// DeploymentStatus is the lifecycle status of a deployment record.
type DeploymentStatus string

const (
	StatusPending DeploymentStatus = "pending"
	StatusSuccess DeploymentStatus = "success"
	StatusFailed  DeploymentStatus = "failed"
)

// ParseDeploymentStatus validates a raw status value.
func ParseDeploymentStatus(raw string) (DeploymentStatus, error) {
	switch DeploymentStatus(raw) {
	case StatusPending, StatusSuccess, StatusFailed:
		return DeploymentStatus(raw), nil
	}
	return "", fmt.Errorf("unknown deployment status %q (want pending, success or failed)", raw)
}

// DeploymentRecord is the durable metadata entry describing one deployment
// attempt. Records are keyed by (environment, gitSha) in the object store and
// are only ever mutated through a status update.
type DeploymentRecord struct {
	Version         string           `json:"version"`
	GitSha          string           `json:"gitSha"`
	Environment     Environment      `json:"environment"`
	Status          DeploymentStatus `json:"status"`
	Timestamp       time.Time        `json:"timestamp"`
	ArtifactPath    string           `json:"artifactPath"`
	DeployedBy      string           `json:"deployedBy"`
	DeploymentID    string           `json:"deploymentId"`
	Checksum        string           `json:"checksum,omitempty"`
	StatusUpdatedAt *time.Time       `json:"statusUpdatedAt,omitempty"`
	StatusUpdatedBy string           `json:"statusUpdatedBy,omitempty"`
}

// RollbackRecord is an append-only audit entry written immediately before any
// fleet mutation begins, so a rollback attempt is on record even if it fails.
type RollbackRecord struct {
	RollbackTimestamp         time.Time   `json:"rollbackTimestamp"`
	Initiator                 string      `json:"initiator"`
	TargetVersion             string      `json:"targetVersion"`
	TargetGitSha              string      `json:"targetGitSha"`
	TargetDeploymentTimestamp time.Time   `json:"targetDeploymentTimestamp"`
	Environment               Environment `json:"environment"`
	Reason                    string      `json:"reason"`
}

// Validation check names as they appear in stored reports.
const (
	CheckInfrastructure = "infrastructure"
	CheckApplication    = "application"
	CheckTests          = "tests"
	CheckMetadata       = "metadata"
)

// ValidationReport is written once per validation run and never mutated.
type ValidationReport struct {
	ValidationTimestamp time.Time              `json:"validationTimestamp"`
	Environment         Environment            `json:"environment"`
	ExpectedVersion     string                 `json:"expectedVersion"`
	Checks              map[string]CheckResult `json:"checks"`
	ValidatedBy         string                 `json:"validatedBy"`
}

// FleetMember is one running compute instance serving the application behind
// the load balancer. Sourced live from the fleet provider, never persisted.
type FleetMember struct {
	InstanceID        string
	PrivateAddress    string
	CurrentVersionTag string
}

// CommandStatus is the lifecycle status of one remote command invocation.
type CommandStatus string

const (
	CommandPending    CommandStatus = "Pending"
	CommandInProgress CommandStatus = "InProgress"
	CommandSuccess    CommandStatus = "Success"
	CommandFailed     CommandStatus = "Failed"
	CommandCancelled  CommandStatus = "Cancelled"
	CommandTimedOut   CommandStatus = "TimedOut"
)

// Terminal reports whether the status is final.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandSuccess, CommandFailed, CommandCancelled, CommandTimedOut:
		return true
	}
	return false
}

// CommandExecution tracks one remote installation command on one fleet member.
// Transient: it exists only for the duration of one member's installation.
type CommandExecution struct {
	CommandID  string
	InstanceID string
	Status     CommandStatus
	StderrTail string
}
