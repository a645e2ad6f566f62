package auth

import (
	"context"

	"github.com/outfleet/outline-control-plane/internal/session"
)

// TokenValidator is the default device validator for session issuance: the
// proof must be a valid bearer token whose device claim matches the claimed
// device. Subscription-level checks belong to an external validator wired in
// its place.
type TokenValidator struct {
	secret string
}

func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: secret}
}

func (v *TokenValidator) ValidateDevice(_ context.Context, deviceID, proof string) (session.Decision, error) {
	claims, err := parseClaims(proof, v.secret)
	if err != nil {
		return session.Decision{Allowed: false, Reason: "invalid_token"}, nil
	}
	if claims.DeviceID != "" && claims.DeviceID != deviceID {
		return session.Decision{Allowed: false, Reason: "device_mismatch"}, nil
	}
	return session.Decision{Allowed: true, UserID: claims.Subject}, nil
}
