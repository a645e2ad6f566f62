// Package selector deterministically picks the best available node for an
// assignment: registry ordering decides rank, stored health tiers decide
// eligibility. The selector never writes health state.
package selector

import (
	"context"
	"errors"

	"github.com/outfleet/outline-control-plane/internal/metrics"
	"github.com/outfleet/outline-control-plane/internal/model"
)

var (
	// ErrNoNodesAvailable means the filtered candidate set is empty: a
	// configuration gap, not an outage.
	ErrNoNodesAvailable = errors.New("no_outline_nodes_available")
	// ErrNoHealthyNodes means candidates exist but every one is down.
	ErrNoHealthyNodes = errors.New("no_healthy_outline_nodes")
)

// Registry is the slice of the store the selector reads. All queries return
// nodes already ordered by (priority is null, priority, id), with pool
// membership priority applied first on the pool queries.
type Registry interface {
	ListActiveNodes(ctx context.Context) ([]model.Node, error)
	ListActiveNodesInRegion(ctx context.Context, regionCode string) ([]model.Node, error)
	GetActivePool(ctx context.Context, code string) (*model.Pool, error)
	GetRegionByCode(ctx context.Context, code string) (*model.Region, error)
	ListPoolRegions(ctx context.Context, poolID int64) ([]model.Region, error)
	ListPoolNodes(ctx context.Context, poolID int64, regionID *int64) ([]model.Node, error)
}

type Selector struct {
	registry Registry
}

func New(registry Registry) *Selector {
	return &Selector{registry: registry}
}

// Select returns the highest-ranked selectable node for the given hints.
// Empty regionCode/poolCode mean no constraint. Pool resolution failures
// surface as store.ErrPoolNotFound from the registry.
func (s *Selector) Select(ctx context.Context, regionCode, poolCode string) (*model.Node, error) {
	var candidates []model.Node
	var err error
	switch {
	case poolCode != "":
		candidates, err = s.collectPoolNodes(ctx, poolCode, regionCode)
	case regionCode != "":
		candidates, err = s.registry.ListActiveNodesInRegion(ctx, regionCode)
		if err == nil && len(candidates) == 0 {
			// Empty or unknown region falls back to the whole fleet.
			candidates, err = s.registry.ListActiveNodes(ctx)
		}
	default:
		candidates, err = s.registry.ListActiveNodes(ctx)
	}
	if err != nil {
		return nil, err
	}

	node, err := pickByTier(candidates)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrNoNodesAvailable):
		outcome = "no_nodes"
	case errors.Is(err, ErrNoHealthyNodes):
		outcome = "no_healthy"
	}
	metrics.Default().IncCounter("outfleet_selection_total", map[string]string{"outcome": outcome})
	return node, err
}

// collectPoolNodes narrows to an active pool: the hinted region first when it
// resolves, then the pool's regions in their configured priority order, then
// the unfiltered pool membership.
func (s *Selector) collectPoolNodes(ctx context.Context, poolCode, regionCode string) ([]model.Node, error) {
	pool, err := s.registry.GetActivePool(ctx, poolCode)
	if err != nil {
		return nil, err
	}

	var regions []model.Region
	if regionCode != "" {
		region, err := s.registry.GetRegionByCode(ctx, regionCode)
		if err != nil {
			return nil, err
		}
		if region != nil {
			regions = append(regions, *region)
		}
	}
	if len(regions) == 0 {
		regions, err = s.registry.ListPoolRegions(ctx, pool.ID)
		if err != nil {
			return nil, err
		}
	}

	for _, region := range regions {
		nodes, err := s.registry.ListPoolNodes(ctx, pool.ID, &region.ID)
		if err != nil {
			return nil, err
		}
		if len(nodes) > 0 {
			return nodes, nil
		}
	}
	return s.registry.ListPoolNodes(ctx, pool.ID, nil)
}

// pickByTier partitions the already-ordered candidates: healthy and
// never-probed (unknown) nodes are preferred, degraded nodes are the
// fallback, down nodes are never selected.
func pickByTier(candidates []model.Node) (*model.Node, error) {
	if len(candidates) == 0 {
		return nil, ErrNoNodesAvailable
	}

	var fallback *model.Node
	for i := range candidates {
		node := &candidates[i]
		switch node.LastCheckStatus {
		case model.TierHealthy, model.TierUnknown, "":
			return node, nil
		case model.TierDegraded:
			if fallback == nil {
				fallback = node
			}
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoHealthyNodes
}
