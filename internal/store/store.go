// Package store is the fleet registry: transactional access to nodes,
// regions, pools, and provisioned access credentials. All reads the selector
// depends on go through explicit joins here; no query spans an external
// network call.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/outfleet/outline-control-plane/internal/model"
)

var (
	ErrNodeNotFound   = errors.New("outline node not found")
	ErrPoolNotFound   = errors.New("outline pool not found")
	ErrRegionNotFound = errors.New("region not found")
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

// HealthUpdate is one node's probe outcome to be persisted by the monitor.
type HealthUpdate struct {
	NodeID    int64
	CheckedAt time.Time
	Status    model.HealthTier
	LatencyMS *int
	Error     *string
}

type CredentialInput struct {
	DeviceRef   string
	NodeID      int64
	AccessKeyID string
	Password    string
	Method      *string
	Port        int
	AccessURL   *string
}

// RevokedCredential is the credential flipped by RevokeCurrentCredential plus
// the owning node's management endpoint, so the caller can attempt the remote
// delete after the local revocation has committed.
type RevokedCredential struct {
	model.AccessCredential
	NodeAPIURL *string
	NodeAPIKey *string
}

type RegisterNodeInput struct {
	Name       *string
	RegionCode *string
	Host       string
	Port       int
	Method     *string
	Password   *string
	Tag        *string
	IsActive   bool
}

const nodeColumns = `
select n.id, n.name, n.region_id, r.code, n.host, n.port, n.method, n.password,
       n.api_url, n.api_key, n.tag, n.priority, n.is_active, n.is_deleted,
       n.last_heartbeat_at, n.last_check_at, coalesce(n.last_check_status, 'unknown'),
       n.last_error, n.recent_latency_ms
from outline_nodes n
left join regions r on r.id = n.region_id`

func scanNode(row pgx.Row) (*model.Node, error) {
	var n model.Node
	var tier string
	if err := row.Scan(
		&n.ID, &n.Name, &n.RegionID, &n.RegionCode, &n.Host, &n.Port, &n.Method, &n.Password,
		&n.APIURL, &n.APIKey, &n.Tag, &n.Priority, &n.IsActive, &n.IsDeleted,
		&n.LastHeartbeatAt, &n.LastCheckAt, &tier,
		&n.LastError, &n.RecentLatencyMS,
	); err != nil {
		return nil, err
	}
	n.LastCheckStatus = model.HealthTier(tier)
	return &n, nil
}

func collectNodes(rows pgx.Rows) ([]model.Node, error) {
	defer rows.Close()
	out := make([]model.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListActiveNodes returns every selectable node ordered by explicit priority
// first (lower number wins), unprioritized nodes last, ties broken by id.
func (s *Store) ListActiveNodes(ctx context.Context) ([]model.Node, error) {
	const q = nodeColumns + `
where n.is_active = true and n.is_deleted = false
order by (n.priority is null), n.priority, n.id`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return collectNodes(rows)
}

// ListActiveNodesInRegion is ListActiveNodes restricted to one region code.
func (s *Store) ListActiveNodesInRegion(ctx context.Context, regionCode string) ([]model.Node, error) {
	const q = nodeColumns + `
where n.is_active = true and n.is_deleted = false and r.code = $1
order by (n.priority is null), n.priority, n.id`
	rows, err := s.db.Query(ctx, q, regionCode)
	if err != nil {
		return nil, err
	}
	return collectNodes(rows)
}

// ListNodeStatuses returns all non-deleted nodes, active or not, for the
// admin fleet view.
func (s *Store) ListNodeStatuses(ctx context.Context) ([]model.Node, error) {
	const q = nodeColumns + `
where n.is_deleted = false
order by n.id`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return collectNodes(rows)
}

// GetNode returns a node by id, excluding soft-deleted rows.
func (s *Store) GetNode(ctx context.Context, nodeID int64) (*model.Node, error) {
	const q = nodeColumns + `
where n.id = $1 and n.is_deleted = false`
	n, err := scanNode(s.db.QueryRow(ctx, q, nodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}
	return n, nil
}

func (s *Store) GetActivePool(ctx context.Context, code string) (*model.Pool, error) {
	const q = `
select id, code, name, is_active, is_default
from outline_pools
where code = $1 and is_active = true`
	var p model.Pool
	if err := s.db.QueryRow(ctx, q, code).Scan(&p.ID, &p.Code, &p.Name, &p.IsActive, &p.IsDefault); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetRegionByCode returns (nil, nil) when the code is unknown; callers treat
// an unknown region hint as "no preference", not an error.
func (s *Store) GetRegionByCode(ctx context.Context, code string) (*model.Region, error) {
	const q = `select id, code, name from regions where code = $1`
	var r model.Region
	if err := s.db.QueryRow(ctx, q, code).Scan(&r.ID, &r.Code, &r.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListPoolRegions returns the pool's active region mappings in the pool's
// configured priority order.
func (s *Store) ListPoolRegions(ctx context.Context, poolID int64) ([]model.Region, error) {
	const q = `
select r.id, r.code, r.name
from outline_pool_regions pr
join regions r on r.id = pr.region_id
where pr.pool_id = $1 and pr.is_active = true
order by (pr.priority is null), pr.priority, pr.id`
	rows, err := s.db.Query(ctx, q, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Region, 0)
	for rows.Next() {
		var r model.Region
		if err := rows.Scan(&r.ID, &r.Code, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPoolNodes returns the pool's active member nodes, optionally restricted
// to a region. Membership priority refines node priority, ties broken by id.
func (s *Store) ListPoolNodes(ctx context.Context, poolID int64, regionID *int64) ([]model.Node, error) {
	q := nodeColumns + `
join outline_pool_nodes pn on pn.outline_node_id = n.id
where pn.pool_id = $1 and pn.is_active = true
  and n.is_active = true and n.is_deleted = false`
	args := []any{poolID}
	if regionID != nil {
		q += `
  and n.region_id = $2`
		args = append(args, *regionID)
	}
	q += `
order by (pn.priority is null), pn.priority, (n.priority is null), n.priority, n.id`
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectNodes(rows)
}

// UpdateNodeHealth persists a batch of probe outcomes in one transaction with
// a single commit, so a cycle's writes land together.
func (s *Store) UpdateNodeHealth(ctx context.Context, updates []HealthUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const q = `
update outline_nodes
set last_check_at = $2, last_check_status = $3, recent_latency_ms = $4, last_error = $5
where id = $1`
	for _, u := range updates {
		if _, err := tx.Exec(ctx, q, u.NodeID, u.CheckedAt, string(u.Status), u.LatencyMS, u.Error); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// RecordNodeHeartbeat stamps last_heartbeat_at and reports whether the node
// exists and is not soft-deleted.
func (s *Store) RecordNodeHeartbeat(ctx context.Context, nodeID int64) (bool, error) {
	const q = `
update outline_nodes
set last_heartbeat_at = now()
where id = $1 and is_deleted = false`
	tag, err := s.db.Exec(ctx, q, nodeID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) InsertAccessCredential(ctx context.Context, in CredentialInput) (*model.AccessCredential, error) {
	const q = `
insert into outline_access_keys
  (device_ref, outline_node_id, access_key_id, password, method, port, access_url, revoked, created_at)
values
  ($1, $2, $3, $4, $5, $6, $7, false, now())
returning id, created_at`
	cred := model.AccessCredential{
		DeviceRef:   in.DeviceRef,
		NodeID:      in.NodeID,
		AccessKeyID: in.AccessKeyID,
		Password:    in.Password,
		Method:      in.Method,
		Port:        in.Port,
		AccessURL:   in.AccessURL,
	}
	if err := s.db.QueryRow(ctx, q,
		in.DeviceRef, in.NodeID, in.AccessKeyID, in.Password, in.Method, in.Port, in.AccessURL,
	).Scan(&cred.ID, &cred.CreatedAt); err != nil {
		return nil, err
	}
	return &cred, nil
}

// RevokeCurrentCredential marks the device's most recently created non-revoked
// credential as revoked and returns it together with the owning node's
// management endpoint. Returns (nil, nil) when the device has nothing to
// revoke. The flip commits before any remote delete is attempted; revocation
// is monotonic and locally authoritative.
func (s *Store) RevokeCurrentCredential(ctx context.Context, deviceRef string) (*RevokedCredential, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const q = `
select k.id, k.device_ref, k.outline_node_id, k.access_key_id, k.password, k.method, k.port,
       k.access_url, k.revoked, k.created_at, n.api_url, n.api_key
from outline_access_keys k
join outline_nodes n on n.id = k.outline_node_id
where k.device_ref = $1 and k.revoked = false
order by k.created_at desc, k.id desc
limit 1
for update of k`
	var out RevokedCredential
	err = tx.QueryRow(ctx, q, deviceRef).Scan(
		&out.ID, &out.DeviceRef, &out.NodeID, &out.AccessKeyID, &out.Password, &out.Method, &out.Port,
		&out.AccessURL, &out.Revoked, &out.CreatedAt, &out.NodeAPIURL, &out.NodeAPIKey,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, `update outline_access_keys set revoked = true where id = $1`, out.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	out.Revoked = true
	return &out, nil
}

// RegisterNode inserts a freshly bootstrapped node. Launched nodes come in
// inactive with tier unknown; an operator activates them once the management
// API key is filled in.
func (s *Store) RegisterNode(ctx context.Context, in RegisterNodeInput) (*model.Node, error) {
	var regionID *int64
	if in.RegionCode != nil && *in.RegionCode != "" {
		region, err := s.GetRegionByCode(ctx, *in.RegionCode)
		if err != nil {
			return nil, err
		}
		if region == nil {
			return nil, ErrRegionNotFound
		}
		regionID = &region.ID
	}

	const q = `
insert into outline_nodes
  (name, region_id, host, port, method, password, tag, is_active, is_deleted, last_check_status)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, false, 'unknown')
returning id`
	node := model.Node{
		Name:            in.Name,
		RegionID:        regionID,
		RegionCode:      in.RegionCode,
		Host:            in.Host,
		Port:            in.Port,
		Method:          in.Method,
		Password:        in.Password,
		Tag:             in.Tag,
		IsActive:        in.IsActive,
		LastCheckStatus: model.TierUnknown,
	}
	if err := s.db.QueryRow(ctx, q,
		in.Name, regionID, in.Host, in.Port, in.Method, in.Password, in.Tag, in.IsActive,
	).Scan(&node.ID); err != nil {
		return nil, err
	}
	return &node, nil
}

// DecommissionNode soft-deletes a node. Credential rows referencing it are
// kept for audit.
func (s *Store) DecommissionNode(ctx context.Context, nodeID int64) error {
	const q = `
update outline_nodes
set is_deleted = true, is_active = false
where id = $1 and is_deleted = false`
	tag, err := s.db.Exec(ctx, q, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}
