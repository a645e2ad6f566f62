// Package session mints and validates short-lived session descriptors: the
// opaque, time-boxed handle binding a device to a node assignment.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/outfleet/outline-control-plane/internal/metrics"
	"github.com/outfleet/outline-control-plane/internal/model"
	"github.com/outfleet/outline-control-plane/internal/provision"
	"github.com/outfleet/outline-control-plane/internal/selector"
)

// minTTL is the issuance floor; a misconfigured tiny TTL still yields a
// usable session.
const minTTL = 60 * time.Second

// Decision is the outcome of device/subscription validation.
type Decision struct {
	Allowed bool
	UserID  string
	Reason  string
}

// DeviceValidator is the external authorization collaborator. The issuer
// never inspects the proof itself.
type DeviceValidator interface {
	ValidateDevice(ctx context.Context, deviceID, proof string) (Decision, error)
}

type Assigner interface {
	Assign(ctx context.Context, deviceRef, regionCode, poolCode string) (*model.Assignment, error)
}

// Denial is a refused issuance with the reason passed back to the client.
type Denial struct {
	Reason string `json:"reason"`
}

type Issuer struct {
	validator   DeviceValidator
	assigner    Assigner
	tokens      TokenStore
	ttl         time.Duration
	gatewayURL  string
	maxStreams  int
	defaultPool string
}

func NewIssuer(validator DeviceValidator, assigner Assigner, tokens TokenStore, ttl time.Duration, gatewayURL string, maxStreams int, defaultPool string) *Issuer {
	return &Issuer{
		validator:   validator,
		assigner:    assigner,
		tokens:      tokens,
		ttl:         ttl,
		gatewayURL:  gatewayURL,
		maxStreams:  maxStreams,
		defaultPool: defaultPool,
	}
}

// Issue validates the device, assigns a node, and stores a fresh descriptor
// under a random token. Authorization denials and assignment failures both
// come back as a Denial carrying the reason; the error return is reserved
// for internal faults.
func (i *Issuer) Issue(ctx context.Context, deviceID, proof, regionHint string) (*model.SessionDescriptor, *Denial, error) {
	decision, err := i.validator.ValidateDevice(ctx, deviceID, proof)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "not_allowed"
		}
		metrics.Default().IncCounter("outfleet_session_issue_total", map[string]string{"outcome": "denied"})
		return nil, &Denial{Reason: reason}, nil
	}

	assignment, err := i.assigner.Assign(ctx, deviceID, regionHint, i.defaultPool)
	if err != nil {
		if reason, ok := assignmentDenialReason(err); ok {
			metrics.Default().IncCounter("outfleet_session_issue_total", map[string]string{"outcome": "unavailable"})
			return nil, &Denial{Reason: reason}, nil
		}
		return nil, nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, nil, err
	}
	descriptor := model.SessionDescriptor{
		ID:         uuid.NewString(),
		Token:      token,
		DeviceID:   deviceID,
		UserID:     decision.UserID,
		Assignment: *assignment,
		ExpiresAt:  time.Now().UTC().Add(max(i.ttl, minTTL)),
		GatewayURL: i.gatewayURL,
		MaxStreams: i.maxStreams,
	}
	i.tokens.Put(token, descriptor)
	metrics.Default().IncCounter("outfleet_session_issue_total", map[string]string{"outcome": "ok"})
	return &descriptor, nil, nil
}

// Validate returns the stored descriptor for token, or nil when the token is
// unknown or expired. An expired descriptor is deleted on first lookup, so a
// second lookup is also absent. No sliding expiry.
func (i *Issuer) Validate(token string) *model.SessionDescriptor {
	descriptor, ok := i.tokens.Get(token)
	if !ok {
		return nil
	}
	if time.Now().UTC().After(descriptor.ExpiresAt) {
		i.tokens.Delete(token)
		return nil
	}
	return &descriptor
}

// Revoke drops a descriptor before its expiry.
func (i *Issuer) Revoke(token string) {
	i.tokens.Delete(token)
}

// assignmentDenialReason maps expected assignment failures onto denial
// reasons. Anything else is an internal fault and propagates as an error.
func assignmentDenialReason(err error) (string, bool) {
	var provErr *provision.ProvisioningError
	switch {
	case errors.Is(err, selector.ErrNoNodesAvailable):
		return selector.ErrNoNodesAvailable.Error(), true
	case errors.Is(err, selector.ErrNoHealthyNodes):
		return selector.ErrNoHealthyNodes.Error(), true
	case errors.As(err, &provErr):
		return "outline_provisioning_failed", true
	}
	return "", false
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
