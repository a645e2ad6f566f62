package model

import "time"

// HealthTier is the classification of a node's most recent probe.
type HealthTier string

const (
	TierHealthy  HealthTier = "healthy"
	TierDegraded HealthTier = "degraded"
	TierDown     HealthTier = "down"
	TierUnknown  HealthTier = "unknown"
)

// Node is one egress endpoint in the fleet. Method/Password are the static
// pre-shared credential used when no management API is configured; APIURL and
// APIKey enable dynamic per-device key provisioning and health probing.
type Node struct {
	ID              int64
	Name            *string
	RegionID        *int64
	RegionCode      *string
	Host            string
	Port            int
	Method          *string
	Password        *string
	APIURL          *string
	APIKey          *string
	Tag             *string
	Priority        *int
	IsActive        bool
	IsDeleted       bool
	LastHeartbeatAt *time.Time
	LastCheckAt     *time.Time
	LastCheckStatus HealthTier
	LastError       *string
	RecentLatencyMS *int
}

// HasManagementAPI reports whether the node can be probed and provisioned
// dynamically. Nodes without it stay on their static credential.
func (n *Node) HasManagementAPI() bool {
	return n.APIURL != nil && *n.APIURL != "" && n.APIKey != nil && *n.APIKey != ""
}

type Region struct {
	ID   int64
	Code string
	Name string
}

type Pool struct {
	ID        int64
	Code      string
	Name      string
	IsActive  bool
	IsDefault bool
}

// AccessCredential is a per-device secret provisioned on a node through its
// management API. Rows are never deleted; revocation only flips Revoked.
type AccessCredential struct {
	ID          int64
	DeviceRef   string
	NodeID      int64
	AccessKeyID string
	Password    string
	Method      *string
	Port        int
	AccessURL   *string
	Revoked     bool
	CreatedAt   time.Time
}

// Assignment is the connection hand-back for a device: the chosen node plus
// the effective credential (static or freshly provisioned).
type Assignment struct {
	NodeID      int64   `json:"node_id"`
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	Method      string  `json:"method"`
	Password    string  `json:"password"`
	Region      *string `json:"region,omitempty"`
	Pool        *string `json:"pool,omitempty"`
	AccessKeyID *string `json:"access_key_id,omitempty"`
	AccessURL   *string `json:"access_url,omitempty"`
}

// SessionDescriptor binds an opaque token to a device's node assignment until
// ExpiresAt. Owned exclusively by the session issuer's store.
type SessionDescriptor struct {
	ID         string     `json:"session_id"`
	Token      string     `json:"session_token"`
	DeviceID   string     `json:"device_id"`
	UserID     string     `json:"user_id,omitempty"`
	Assignment Assignment `json:"outline"`
	ExpiresAt  time.Time  `json:"expires_at"`
	GatewayURL string     `json:"gateway_url"`
	MaxStreams int        `json:"max_streams"`
}
