package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outfleet/outline-control-plane/internal/metrics"
	"github.com/outfleet/outline-control-plane/internal/model"
	"github.com/outfleet/outline-control-plane/internal/store"
)

type fakeRegistry struct {
	listActiveNodes         func(ctx context.Context) ([]model.Node, error)
	listActiveNodesInRegion func(ctx context.Context, regionCode string) ([]model.Node, error)
	getActivePool           func(ctx context.Context, code string) (*model.Pool, error)
	getRegionByCode         func(ctx context.Context, code string) (*model.Region, error)
	listPoolRegions         func(ctx context.Context, poolID int64) ([]model.Region, error)
	listPoolNodes           func(ctx context.Context, poolID int64, regionID *int64) ([]model.Node, error)
}

func (f *fakeRegistry) ListActiveNodes(ctx context.Context) ([]model.Node, error) {
	return f.listActiveNodes(ctx)
}

func (f *fakeRegistry) ListActiveNodesInRegion(ctx context.Context, regionCode string) ([]model.Node, error) {
	return f.listActiveNodesInRegion(ctx, regionCode)
}

func (f *fakeRegistry) GetActivePool(ctx context.Context, code string) (*model.Pool, error) {
	return f.getActivePool(ctx, code)
}

func (f *fakeRegistry) GetRegionByCode(ctx context.Context, code string) (*model.Region, error) {
	return f.getRegionByCode(ctx, code)
}

func (f *fakeRegistry) ListPoolRegions(ctx context.Context, poolID int64) ([]model.Region, error) {
	return f.listPoolRegions(ctx, poolID)
}

func (f *fakeRegistry) ListPoolNodes(ctx context.Context, poolID int64, regionID *int64) ([]model.Node, error) {
	return f.listPoolNodes(ctx, poolID, regionID)
}

func node(id int64, tier model.HealthTier) model.Node {
	return model.Node{ID: id, Host: "h", Port: 1080, IsActive: true, LastCheckStatus: tier}
}

func TestSelectPrefersFirstHealthyInOrder(t *testing.T) {
	metrics.ResetDefaultForTest()
	registry := &fakeRegistry{
		listActiveNodes: func(context.Context) ([]model.Node, error) {
			return []model.Node{node(1, model.TierHealthy), node(2, model.TierHealthy)}, nil
		},
	}

	got, err := New(registry).Select(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
}

func TestSelectTreatsUnknownAsPreferred(t *testing.T) {
	metrics.ResetDefaultForTest()
	registry := &fakeRegistry{
		listActiveNodes: func(context.Context) ([]model.Node, error) {
			return []model.Node{node(1, model.TierDegraded), node(2, model.TierUnknown)}, nil
		},
	}

	got, err := New(registry).Select(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)
}

func TestSelectFallsBackToDegraded(t *testing.T) {
	metrics.ResetDefaultForTest()
	registry := &fakeRegistry{
		listActiveNodes: func(context.Context) ([]model.Node, error) {
			return []model.Node{node(1, model.TierDown), node(2, model.TierDegraded), node(3, model.TierDegraded)}, nil
		},
	}

	got, err := New(registry).Select(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)
}

func TestSelectAllDownIsNoHealthyNodes(t *testing.T) {
	metrics.ResetDefaultForTest()
	registry := &fakeRegistry{
		listActiveNodes: func(context.Context) ([]model.Node, error) {
			return []model.Node{node(1, model.TierDown), node(2, model.TierDown)}, nil
		},
	}

	_, err := New(registry).Select(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrNoHealthyNodes)
}

func TestSelectEmptyFleetIsNoNodesAvailable(t *testing.T) {
	metrics.ResetDefaultForTest()
	registry := &fakeRegistry{
		listActiveNodes: func(context.Context) ([]model.Node, error) { return nil, nil },
	}

	_, err := New(registry).Select(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrNoNodesAvailable)
}

func TestSelectUnknownRegionFallsBackToFleet(t *testing.T) {
	metrics.ResetDefaultForTest()
	registry := &fakeRegistry{
		listActiveNodesInRegion: func(_ context.Context, regionCode string) ([]model.Node, error) {
			assert.Equal(t, "atlantis", regionCode)
			return nil, nil
		},
		listActiveNodes: func(context.Context) ([]model.Node, error) {
			return []model.Node{node(4, model.TierHealthy)}, nil
		},
	}

	got, err := New(registry).Select(context.Background(), "atlantis", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.ID)
}

func TestSelectPoolHintedRegion(t *testing.T) {
	metrics.ResetDefaultForTest()
	regionID := int64(10)
	registry := &fakeRegistry{
		getActivePool: func(_ context.Context, code string) (*model.Pool, error) {
			assert.Equal(t, "vip", code)
			return &model.Pool{ID: 2, Code: "vip", IsActive: true}, nil
		},
		getRegionByCode: func(_ context.Context, code string) (*model.Region, error) {
			assert.Equal(t, "eu", code)
			return &model.Region{ID: regionID, Code: "eu"}, nil
		},
		listPoolNodes: func(_ context.Context, poolID int64, gotRegion *int64) ([]model.Node, error) {
			assert.Equal(t, int64(2), poolID)
			require.NotNil(t, gotRegion)
			assert.Equal(t, regionID, *gotRegion)
			return []model.Node{node(5, model.TierHealthy)}, nil
		},
	}

	got, err := New(registry).Select(context.Background(), "eu", "vip")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.ID)
}

func TestSelectPoolWalksRegionsThenUnfiltered(t *testing.T) {
	metrics.ResetDefaultForTest()
	var regionCalls []int64
	registry := &fakeRegistry{
		getActivePool: func(context.Context, string) (*model.Pool, error) {
			return &model.Pool{ID: 2, Code: "vip", IsActive: true}, nil
		},
		listPoolRegions: func(_ context.Context, poolID int64) ([]model.Region, error) {
			return []model.Region{{ID: 10, Code: "eu"}, {ID: 11, Code: "us"}}, nil
		},
		listPoolNodes: func(_ context.Context, _ int64, regionID *int64) ([]model.Node, error) {
			if regionID == nil {
				return []model.Node{node(9, model.TierHealthy)}, nil
			}
			regionCalls = append(regionCalls, *regionID)
			return nil, nil
		},
	}

	got, err := New(registry).Select(context.Background(), "", "vip")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.ID)
	assert.Equal(t, []int64{10, 11}, regionCalls)
}

func TestSelectPoolNotFoundPassthrough(t *testing.T) {
	metrics.ResetDefaultForTest()
	registry := &fakeRegistry{
		getActivePool: func(context.Context, string) (*model.Pool, error) {
			return nil, store.ErrPoolNotFound
		},
	}

	_, err := New(registry).Select(context.Background(), "", "missing")
	assert.ErrorIs(t, err, store.ErrPoolNotFound)
}

func TestSelectRegistryErrorPassthrough(t *testing.T) {
	metrics.ResetDefaultForTest()
	dbErr := errors.New("db offline")
	registry := &fakeRegistry{
		listActiveNodes: func(context.Context) ([]model.Node, error) { return nil, dbErr },
	}

	_, err := New(registry).Select(context.Background(), "", "")
	assert.ErrorIs(t, err, dbErr)
}

// Exercises the tier transitions of a two-node fleet as probes and
// decommissions change what is selectable.
func TestSelectTwoNodeFleetLifecycle(t *testing.T) {
	metrics.ResetDefaultForTest()
	fleet := []model.Node{node(1, model.TierHealthy), node(2, model.TierHealthy)}
	registry := &fakeRegistry{
		listActiveNodes: func(context.Context) ([]model.Node, error) {
			out := make([]model.Node, len(fleet))
			copy(out, fleet)
			return out, nil
		},
	}
	s := New(registry)

	got, err := s.Select(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)

	// Node 1 decommissioned: only node 2 remains active.
	fleet = fleet[1:]
	got, err = s.Select(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)

	// Node 2 probed down: candidates exist but none is selectable.
	fleet[0].LastCheckStatus = model.TierDown
	_, err = s.Select(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrNoHealthyNodes)
}
