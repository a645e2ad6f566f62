// Package fleet bootstraps and retires the machines behind egress nodes. A
// launched host becomes a registry row (inactive, tier unknown) that an
// operator activates once its management API is configured; the launcher
// never bypasses health gating.
package fleet

import (
	"context"
	"crypto/rand"
	"fmt"
)

type LaunchRequest struct {
	NodeName string
	Region   string
}

type LaunchResult struct {
	InstanceID   string
	ImageID      string
	InstanceType string
	PublicIP     string
}

type TerminateRequest struct {
	Region     string
	InstanceID string
}

type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error)
	Terminate(ctx context.Context, req TerminateRequest) error
}

// FakeLauncher hands out documentation-range addresses; used in tests and
// local development.
type FakeLauncher struct{}

func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{}
}

func (f *FakeLauncher) Launch(_ context.Context, req LaunchRequest) (LaunchResult, error) {
	ipTail, err := randomUint8()
	if err != nil {
		return LaunchResult{}, err
	}
	ip := fmt.Sprintf("203.0.113.%d", 10+int(ipTail)%200)
	return LaunchResult{
		InstanceID:   "i-fake-" + req.NodeName,
		ImageID:      "ami-placeholder-" + req.Region,
		InstanceType: "t4g.small",
		PublicIP:     ip,
	}, nil
}

func (f *FakeLauncher) Terminate(_ context.Context, _ TerminateRequest) error {
	return nil
}

func randomUint8() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
