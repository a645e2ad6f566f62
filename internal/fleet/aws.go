package fleet

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/outfleet/outline-control-plane/internal/metrics"
)

type EC2Launcher struct {
	amiByRegion   map[string]string
	instanceType  string
	subnetID      string
	securityGroup []string
	keyName       string
}

type EC2LauncherOptions struct {
	AMIByRegion   map[string]string
	InstanceType  string
	SubnetID      string
	SecurityGroup []string
	KeyName       string
}

func NewEC2Launcher(opts EC2LauncherOptions) (*EC2Launcher, error) {
	if len(opts.AMIByRegion) == 0 {
		return nil, fmt.Errorf("AMIByRegion is required")
	}
	instanceType := strings.TrimSpace(opts.InstanceType)
	if instanceType == "" {
		instanceType = "t4g.small"
	}
	return &EC2Launcher{
		amiByRegion:   opts.AMIByRegion,
		instanceType:  instanceType,
		subnetID:      strings.TrimSpace(opts.SubnetID),
		securityGroup: opts.SecurityGroup,
		keyName:       strings.TrimSpace(opts.KeyName),
	}, nil
}

func (l *EC2Launcher) Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	amiID, ok := l.amiByRegion[req.Region]
	if !ok || strings.TrimSpace(amiID) == "" {
		return LaunchResult{}, fmt.Errorf("no AMI configured for region %s", req.Region)
	}

	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(req.Region))
	if err != nil {
		return LaunchResult{}, fmt.Errorf("aws config: %w", err)
	}
	client := ec2.NewFromConfig(cfg)

	runInput := &ec2.RunInstancesInput{
		ImageId:      aws.String(amiID),
		InstanceType: ec2types.InstanceType(l.instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String("outfleet-node-" + req.NodeName)},
					{Key: aws.String("ManagedBy"), Value: aws.String("outline-control-plane")},
					{Key: aws.String("OutfleetRegion"), Value: aws.String(req.Region)},
				},
			},
		},
	}
	if l.keyName != "" {
		runInput.KeyName = aws.String(l.keyName)
	}

	if l.subnetID != "" {
		eni := ec2types.InstanceNetworkInterfaceSpecification{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			SubnetId:                 aws.String(l.subnetID),
		}
		if len(l.securityGroup) > 0 {
			eni.Groups = l.securityGroup
		}
		runInput.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{eni}
	} else if len(l.securityGroup) > 0 {
		runInput.SecurityGroupIds = l.securityGroup
	}

	var runOut *ec2.RunInstancesOutput
	runStart := time.Now()
	err = retryAWS(ctx, "run_instances", req.Region, func(callCtx context.Context) error {
		var runErr error
		runOut, runErr = client.RunInstances(callCtx, runInput)
		return runErr
	})
	runDurMS := float64(time.Since(runStart).Milliseconds())
	labels := map[string]string{"provider": "aws", "region": req.Region, "status": "ok"}
	if err != nil {
		labels["status"] = "error"
		metrics.Default().IncCounter("outfleet_node_launch_total", labels)
		metrics.Default().ObserveHistogram("outfleet_node_launch_latency_ms", runDurMS, labels)
		return LaunchResult{}, fmt.Errorf("run instances: %w", err)
	}
	if len(runOut.Instances) == 0 || runOut.Instances[0].InstanceId == nil {
		return LaunchResult{}, fmt.Errorf("run instances: no instance returned")
	}
	instanceID := aws.ToString(runOut.Instances[0].InstanceId)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	waiter := ec2.NewInstanceRunningWaiter(client)
	if err := waiter.Wait(waitCtx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, 2*time.Minute); err != nil {
		return LaunchResult{}, fmt.Errorf("wait running: %w", err)
	}

	descOut, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return LaunchResult{}, fmt.Errorf("describe instances: %w", err)
	}

	publicIP := extractPublicIP(descOut)
	if publicIP == "" {
		return LaunchResult{}, fmt.Errorf("instance %s has no public ip", instanceID)
	}

	metrics.Default().IncCounter("outfleet_node_launch_total", labels)
	metrics.Default().ObserveHistogram("outfleet_node_launch_latency_ms", runDurMS, labels)
	log.Printf("event=node_launched region=%s instance_id=%s public_ip=%s", req.Region, instanceID, publicIP)
	return LaunchResult{
		InstanceID:   instanceID,
		ImageID:      amiID,
		InstanceType: l.instanceType,
		PublicIP:     publicIP,
	}, nil
}

func (l *EC2Launcher) Terminate(ctx context.Context, req TerminateRequest) error {
	if strings.TrimSpace(req.InstanceID) == "" {
		return nil
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(req.Region))
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}
	client := ec2.NewFromConfig(cfg)
	err = retryAWS(ctx, "terminate_instances", req.Region, func(callCtx context.Context) error {
		_, termErr := client.TerminateInstances(callCtx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{req.InstanceID},
		})
		return termErr
	})
	if err != nil {
		if shouldIgnoreTerminateError(err) {
			log.Printf("event=node_terminate_ignored region=%s instance_id=%s err=%q", req.Region, req.InstanceID, err.Error())
			return nil
		}
		return fmt.Errorf("terminate instance: %w", err)
	}
	log.Printf("event=node_terminated region=%s instance_id=%s", req.Region, req.InstanceID)
	return nil
}

func shouldIgnoreTerminateError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "InvalidInstanceID.NotFound" || code == "IncorrectInstanceState"
}

func retryAWS(ctx context.Context, opName, region string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("outfleet_aws_retry_exhausted_total", map[string]string{
				"op":     opName,
				"region": region,
			})
			return err
		}
		metrics.Default().IncCounter("outfleet_aws_retries_total", map[string]string{
			"op":     opName,
			"region": region,
			"reason": awsErrorCode(err),
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=aws_retry op=%s region=%s attempt=%d delay_ms=%d err=%q", opName, region, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	max := uint64(span)
	if max == 0 {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % max
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"EC2ThrottledException",
		"InsufficientInstanceCapacity":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}

func extractPublicIP(out *ec2.DescribeInstancesOutput) string {
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.PublicIpAddress != nil && strings.TrimSpace(*inst.PublicIpAddress) != "" {
				return *inst.PublicIpAddress
			}
		}
	}
	return ""
}
