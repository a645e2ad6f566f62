package fleet

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/smithy-go"
)

func TestFakeLauncherHandsOutDocumentationAddresses(t *testing.T) {
	l := NewFakeLauncher()
	res, err := l.Launch(context.Background(), LaunchRequest{NodeName: "n1", Region: "eu-west-1"})
	if err != nil {
		t.Fatalf("Launch returned err: %v", err)
	}
	if res.InstanceID != "i-fake-n1" {
		t.Fatalf("instance id = %q", res.InstanceID)
	}
	if !strings.HasPrefix(res.PublicIP, "203.0.113.") {
		t.Fatalf("public ip = %q", res.PublicIP)
	}
	if err := l.Terminate(context.Background(), TerminateRequest{Region: "eu-west-1", InstanceID: res.InstanceID}); err != nil {
		t.Fatalf("Terminate returned err: %v", err)
	}
}

func TestNewEC2LauncherRequiresAMIMap(t *testing.T) {
	if _, err := NewEC2Launcher(EC2LauncherOptions{}); err == nil {
		t.Fatal("expected error without AMI map")
	}
	l, err := NewEC2Launcher(EC2LauncherOptions{AMIByRegion: map[string]string{"eu-west-1": "ami-1"}})
	if err != nil {
		t.Fatalf("NewEC2Launcher returned err: %v", err)
	}
	if l.instanceType != "t4g.small" {
		t.Fatalf("instance type default = %q", l.instanceType)
	}
}

func TestLaunchUnknownRegionFailsFast(t *testing.T) {
	l, err := NewEC2Launcher(EC2LauncherOptions{AMIByRegion: map[string]string{"eu-west-1": "ami-1"}})
	if err != nil {
		t.Fatalf("NewEC2Launcher returned err: %v", err)
	}
	if _, err := l.Launch(context.Background(), LaunchRequest{NodeName: "n1", Region: "mars-north-1"}); err == nil {
		t.Fatal("expected error for unmapped region")
	}
}

func TestShouldIgnoreTerminateError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}, true},
		{&smithy.GenericAPIError{Code: "IncorrectInstanceState"}, true},
		{&smithy.GenericAPIError{Code: "UnauthorizedOperation"}, false},
		{errors.New("dial tcp: timeout"), false},
	}
	for _, tc := range cases {
		if got := shouldIgnoreTerminateError(tc.err); got != tc.want {
			t.Fatalf("shouldIgnoreTerminateError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsTransientAWSError(t *testing.T) {
	if !isTransientAWSError(&smithy.GenericAPIError{Code: "RequestLimitExceeded"}) {
		t.Fatal("throttling must be transient")
	}
	if isTransientAWSError(&smithy.GenericAPIError{Code: "InvalidParameterValue"}) {
		t.Fatal("validation errors are not transient")
	}
	if isTransientAWSError(errors.New("plain error")) {
		t.Fatal("non-API errors are not transient")
	}
}

func TestRetryAWSStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := retryAWS(context.Background(), "run_instances", "eu-west-1", func(context.Context) error {
		calls++
		return &smithy.GenericAPIError{Code: "UnauthorizedOperation"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}

func TestRetryAWSRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := retryAWS(context.Background(), "run_instances", "eu-west-1", func(context.Context) error {
		calls++
		if calls < 3 {
			return &smithy.GenericAPIError{Code: "Throttling"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retryAWS returned err: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestWithJitterStaysWithinBase(t *testing.T) {
	base := 500 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := withJitter(base)
		if d < base/10 || d >= base {
			t.Fatalf("jittered delay %s outside [%s, %s)", d, base/10, base)
		}
	}
}

func TestAWSErrorCode(t *testing.T) {
	if got := awsErrorCode(&smithy.GenericAPIError{Code: "Throttling"}); got != "Throttling" {
		t.Fatalf("awsErrorCode = %q", got)
	}
	if got := awsErrorCode(errors.New("x")); got != "non_api_error" {
		t.Fatalf("awsErrorCode = %q", got)
	}
}
