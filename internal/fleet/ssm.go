package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/fleetops/rollback/internal/models"
)

const stderrTailBytes = 1024

// SSMAPI captures the subset of the SSM client used by SSMCommander.
type SSMAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// SSMCommander implements the fleet command protocol over AWS Systems
// Manager run commands.
type SSMCommander struct {
	client  SSMAPI
	comment string
}

// NewSSMCommander constructs a commander. The comment is attached to every
// dispatched command for traceability in the SSM console.
func NewSSMCommander(client SSMAPI, comment string) *SSMCommander {
	return &SSMCommander{client: client, comment: comment}
}

// Dispatch sends the script to one instance as an AWS-RunShellScript command.
func (c *SSMCommander) Dispatch(ctx context.Context, instanceID, script string) (string, error) {
	out, err := c.client.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String("AWS-RunShellScript"),
		InstanceIds:  []string{instanceID},
		Parameters:   map[string][]string{"commands": {script}},
		Comment:      aws.String(c.comment),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDispatchFailure, err)
	}
	if out.Command == nil || out.Command.CommandId == nil {
		return "", fmt.Errorf("%w: no command id returned", ErrDispatchFailure)
	}
	return *out.Command.CommandId, nil
}

// PollStatus reads the invocation status for one instance. An invocation that
// SSM has not registered yet is reported as pending rather than an error.
func (c *SSMCommander) PollStatus(ctx context.Context, commandID, instanceID string) (models.CommandExecution, error) {
	exec := models.CommandExecution{CommandID: commandID, InstanceID: instanceID}

	out, err := c.client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		var missing *ssmtypes.InvocationDoesNotExist
		if errors.As(err, &missing) {
			exec.Status = models.CommandPending
			return exec, nil
		}
		return exec, err
	}

	exec.Status = mapInvocationStatus(out.Status)
	if exec.Status.Terminal() && exec.Status != models.CommandSuccess {
		exec.StderrTail = tail(aws.ToString(out.StandardErrorContent), stderrTailBytes)
	}
	return exec, nil
}

func mapInvocationStatus(status ssmtypes.CommandInvocationStatus) models.CommandStatus {
	switch status {
	case ssmtypes.CommandInvocationStatusPending, ssmtypes.CommandInvocationStatusDelayed:
		return models.CommandPending
	case ssmtypes.CommandInvocationStatusInProgress, ssmtypes.CommandInvocationStatusCancelling:
		return models.CommandInProgress
	case ssmtypes.CommandInvocationStatusSuccess:
		return models.CommandSuccess
	case ssmtypes.CommandInvocationStatusCancelled:
		return models.CommandCancelled
	case ssmtypes.CommandInvocationStatusTimedOut:
		return models.CommandTimedOut
	case ssmtypes.CommandInvocationStatusFailed:
		return models.CommandFailed
	}
	return models.CommandInProgress
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
