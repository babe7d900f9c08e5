package fleet

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	autoscalingtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/fleetops/rollback/internal/models"
)

// Tags stamped on fleet members after a successful installation.
const (
	VersionTagKey = "DeployedVersion"
	ShaTagKey     = "DeployedSha"
)

// EC2API captures the subset of the EC2 client used by EC2Provider.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// AutoScalingAPI captures the subset of the Auto Scaling client used by
// EC2Provider.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
}

// ELBAPI captures the subset of the ELBv2 client used by EC2Provider.
type ELBAPI interface {
	DescribeTargetHealth(ctx context.Context, params *elasticloadbalancingv2.DescribeTargetHealthInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeTargetHealthOutput, error)
}

// EC2Provider sources fleet members from EC2 by tag filter, reads desired
// capacity from the Auto Scaling group, and target health from the load
// balancer target group.
type EC2Provider struct {
	ec2Client      EC2API
	asgClient      AutoScalingAPI
	elbClient      ELBAPI
	fleetTagKey    string
	fleetTagValue  string
	asgName        string
	targetGroupARN string
}

// NewEC2Provider constructs a provider for the fleet identified by the tag
// filter, Auto Scaling group, and target group.
func NewEC2Provider(ec2Client EC2API, asgClient AutoScalingAPI, elbClient ELBAPI, fleetTagKey, fleetTagValue, asgName, targetGroupARN string) *EC2Provider {
	return &EC2Provider{
		ec2Client:      ec2Client,
		asgClient:      asgClient,
		elbClient:      elbClient,
		fleetTagKey:    fleetTagKey,
		fleetTagValue:  fleetTagValue,
		asgName:        asgName,
		targetGroupARN: targetGroupARN,
	}
}

// ListInService returns running members matching the fleet tag filter,
// ordered by instance ID so the rolling pass is deterministic.
func (p *EC2Provider) ListInService(ctx context.Context) ([]models.FleetMember, error) {
	out, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + p.fleetTagKey), Values: []string{p.fleetTagValue}},
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describing fleet instances: %w", err)
	}

	var members []models.FleetMember
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			member := models.FleetMember{
				InstanceID:     aws.ToString(inst.InstanceId),
				PrivateAddress: aws.ToString(inst.PrivateIpAddress),
			}
			for _, tag := range inst.Tags {
				if aws.ToString(tag.Key) == VersionTagKey {
					member.CurrentVersionTag = aws.ToString(tag.Value)
				}
			}
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].InstanceID < members[j].InstanceID })
	return members, nil
}

// TagMember stamps the deployed version and sha tags on an instance.
func (p *EC2Provider) TagMember(ctx context.Context, instanceID, version, gitSha string) error {
	_, err := p.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags: []ec2types.Tag{
			{Key: aws.String(VersionTagKey), Value: aws.String(version)},
			{Key: aws.String(ShaTagKey), Value: aws.String(gitSha)},
		},
	})
	if err != nil {
		return fmt.Errorf("tagging instance %s: %w", instanceID, err)
	}
	return nil
}

// Capacity returns the Auto Scaling group's desired capacity and the number
// of members it reports in service.
func (p *EC2Provider) Capacity(ctx context.Context) (int, int, error) {
	out, err := p.asgClient.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{p.asgName},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("describing autoscaling group %s: %w", p.asgName, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return 0, 0, fmt.Errorf("autoscaling group %s not found", p.asgName)
	}

	group := out.AutoScalingGroups[0]
	inService := 0
	for _, inst := range group.Instances {
		if inst.LifecycleState == autoscalingtypes.LifecycleStateInService {
			inService++
		}
	}
	return int(aws.ToInt32(group.DesiredCapacity)), inService, nil
}

// HealthyTargets returns the number of targets the load balancer reports
// healthy in the fleet's target group.
func (p *EC2Provider) HealthyTargets(ctx context.Context) (int, error) {
	out, err := p.elbClient.DescribeTargetHealth(ctx, &elasticloadbalancingv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(p.targetGroupARN),
	})
	if err != nil {
		return 0, fmt.Errorf("describing target health: %w", err)
	}

	healthy := 0
	for _, desc := range out.TargetHealthDescriptions {
		if desc.TargetHealth != nil && desc.TargetHealth.State == elbtypes.TargetHealthStateEnumHealthy {
			healthy++
		}
	}
	return healthy, nil
}
