// Package provision creates and revokes per-device access credentials on
// selected nodes. Local registry state is authoritative; the node's
// management API is kept in sync best-effort on revocation and strictly on
// issuance.
package provision

import (
	"context"
	"fmt"
	"log"

	"github.com/outfleet/outline-control-plane/internal/metrics"
	"github.com/outfleet/outline-control-plane/internal/model"
	"github.com/outfleet/outline-control-plane/internal/outline"
	"github.com/outfleet/outline-control-plane/internal/store"
)

// ProvisioningError wraps any failure to mint a credential on a node's
// management API. It aborts the whole assignment.
type ProvisioningError struct {
	NodeID int64
	Err    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("outline provisioning failed on node %d: %v", e.NodeID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Registry is the slice of the store the provisioner writes.
type Registry interface {
	InsertAccessCredential(ctx context.Context, in store.CredentialInput) (*model.AccessCredential, error)
	RevokeCurrentCredential(ctx context.Context, deviceRef string) (*store.RevokedCredential, error)
}

type Provisioner struct {
	registry Registry
	clients  outline.Factory
}

func New(registry Registry, clients outline.Factory) *Provisioner {
	return &Provisioner{registry: registry, clients: clients}
}

// Issue returns the connection parameters for deviceRef on node. Nodes
// without a management API hand back their static credential with no
// external call and no credential row. Dynamic nodes get a fresh key; fields
// the API omits fall back to the node's static values, the key id never does.
func (p *Provisioner) Issue(ctx context.Context, node *model.Node, deviceRef string) (*model.Assignment, error) {
	assignment := &model.Assignment{
		NodeID: node.ID,
		Host:   node.Host,
		Port:   node.Port,
		Region: node.RegionCode,
	}

	if !node.HasManagementAPI() {
		assignment.Method = deref(node.Method)
		assignment.Password = deref(node.Password)
		metrics.Default().IncCounter("outfleet_provision_total", map[string]string{"mode": "static", "status": "ok"})
		return assignment, nil
	}

	client := p.clients(*node.APIURL, *node.APIKey)
	key, err := client.CreateKey(ctx, deviceRef)
	if err != nil {
		metrics.Default().IncCounter("outfleet_provision_total", map[string]string{"mode": "dynamic", "status": "error"})
		return nil, &ProvisioningError{NodeID: node.ID, Err: err}
	}

	port := key.Port
	if port <= 0 {
		port = node.Port
	}
	method := key.Method
	if method == nil {
		method = node.Method
	}
	password := key.Password
	if password == "" {
		password = deref(node.Password)
	}

	cred, err := p.registry.InsertAccessCredential(ctx, store.CredentialInput{
		DeviceRef:   deviceRef,
		NodeID:      node.ID,
		AccessKeyID: key.ID,
		Password:    password,
		Method:      method,
		Port:        port,
		AccessURL:   key.AccessURL,
	})
	if err != nil {
		// The remote key exists but no row was persisted; delete it so the
		// failed assignment leaves nothing behind on the node.
		if delErr := client.DeleteKey(ctx, key.ID); delErr != nil {
			log.Printf("event=provision_compensation_failed node_id=%d key_id=%s err=%q", node.ID, key.ID, delErr.Error())
		}
		metrics.Default().IncCounter("outfleet_provision_total", map[string]string{"mode": "dynamic", "status": "error"})
		return nil, &ProvisioningError{NodeID: node.ID, Err: err}
	}

	assignment.Port = cred.Port
	assignment.Method = deref(cred.Method)
	assignment.Password = cred.Password
	assignment.AccessKeyID = &cred.AccessKeyID
	assignment.AccessURL = cred.AccessURL
	metrics.Default().IncCounter("outfleet_provision_total", map[string]string{"mode": "dynamic", "status": "ok"})
	return assignment, nil
}

// Revoke flips the device's current credential to revoked and then tries the
// remote delete. The local flip is the source of truth: a remote failure is
// logged and swallowed. Returns false when the device has nothing to revoke.
func (p *Provisioner) Revoke(ctx context.Context, deviceRef string) (bool, error) {
	revoked, err := p.registry.RevokeCurrentCredential(ctx, deviceRef)
	if err != nil {
		return false, err
	}
	if revoked == nil {
		metrics.Default().IncCounter("outfleet_revoke_total", map[string]string{"result": "noop"})
		return false, nil
	}

	if revoked.NodeAPIURL != nil && *revoked.NodeAPIURL != "" && revoked.NodeAPIKey != nil {
		client := p.clients(*revoked.NodeAPIURL, *revoked.NodeAPIKey)
		if err := client.DeleteKey(ctx, revoked.AccessKeyID); err != nil {
			log.Printf("event=outline_remote_revoke_failed node_id=%d key_id=%s err=%q", revoked.NodeID, revoked.AccessKeyID, err.Error())
		}
	}
	metrics.Default().IncCounter("outfleet_revoke_total", map[string]string{"result": "revoked"})
	return true, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
