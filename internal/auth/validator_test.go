package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, secret, deviceID, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestValidateDeviceAllows(t *testing.T) {
	v := NewTokenValidator("secret")
	proof := signedToken(t, "secret", "dev-1", "user-1")

	decision, err := v.ValidateDevice(context.Background(), "dev-1", proof)
	if err != nil {
		t.Fatalf("ValidateDevice returned err: %v", err)
	}
	if !decision.Allowed || decision.UserID != "user-1" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestValidateDeviceBadSignature(t *testing.T) {
	v := NewTokenValidator("secret")
	proof := signedToken(t, "other-secret", "dev-1", "user-1")

	decision, err := v.ValidateDevice(context.Background(), "dev-1", proof)
	if err != nil {
		t.Fatalf("ValidateDevice returned err: %v", err)
	}
	if decision.Allowed || decision.Reason != "invalid_token" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestValidateDeviceMismatch(t *testing.T) {
	v := NewTokenValidator("secret")
	proof := signedToken(t, "secret", "dev-2", "user-1")

	decision, err := v.ValidateDevice(context.Background(), "dev-1", proof)
	if err != nil {
		t.Fatalf("ValidateDevice returned err: %v", err)
	}
	if decision.Allowed || decision.Reason != "device_mismatch" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestValidateDeviceTokenWithoutDeviceClaim(t *testing.T) {
	v := NewTokenValidator("secret")
	proof := signedToken(t, "secret", "", "user-1")

	decision, err := v.ValidateDevice(context.Background(), "dev-1", proof)
	if err != nil {
		t.Fatalf("ValidateDevice returned err: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("token without device claim must pass: %+v", decision)
	}
}

func TestValidateDeviceExpiredToken(t *testing.T) {
	v := NewTokenValidator("secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		DeviceID: "dev-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	proof, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	decision, err := v.ValidateDevice(context.Background(), "dev-1", proof)
	if err != nil {
		t.Fatalf("ValidateDevice returned err: %v", err)
	}
	if decision.Allowed || decision.Reason != "invalid_token" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}
