// Package health keeps every active node's health tier fresh. A background
// loop probes each node's management API on a fixed interval and persists the
// outcome; request-serving paths only ever read the stored tiers.
package health

import (
	"context"
	"log"
	"time"

	"github.com/outfleet/outline-control-plane/internal/metrics"
	"github.com/outfleet/outline-control-plane/internal/model"
	"github.com/outfleet/outline-control-plane/internal/outline"
	"github.com/outfleet/outline-control-plane/internal/store"
)

// Registry is the slice of the store the monitor needs.
type Registry interface {
	ListActiveNodes(ctx context.Context) ([]model.Node, error)
	GetNode(ctx context.Context, nodeID int64) (*model.Node, error)
	UpdateNodeHealth(ctx context.Context, updates []store.HealthUpdate) error
}

const errNotConfigured = "outline_api_not_configured"

type Monitor struct {
	registry    Registry
	clients     outline.Factory
	interval    time.Duration
	thresholdMS int
}

// NewMonitor builds a monitor probing through clients (which carry the
// per-probe timeout). An interval <= 0 disables Run entirely.
func NewMonitor(registry Registry, clients outline.Factory, interval time.Duration, degradedThresholdMS int) *Monitor {
	return &Monitor{
		registry:    registry,
		clients:     clients,
		interval:    interval,
		thresholdMS: degradedThresholdMS,
	}
}

// Classify folds a probe outcome into a tier: any error or missing latency is
// down; latency strictly above the degraded threshold is degraded; a
// measurement at the threshold is still healthy.
func Classify(latencyMS *int, errText *string, thresholdMS int) model.HealthTier {
	if errText != nil || latencyMS == nil {
		return model.TierDown
	}
	if *latencyMS > thresholdMS {
		return model.TierDegraded
	}
	return model.TierHealthy
}

// Probe checks one node's management API and classifies the result. Nodes
// without a management API are never called; they report down with a fixed
// error so a probed healthy peer always outranks them.
func (m *Monitor) Probe(ctx context.Context, node *model.Node) (model.HealthTier, *int, *string) {
	if !node.HasManagementAPI() {
		reason := errNotConfigured
		return model.TierDown, nil, &reason
	}

	client := m.clients(*node.APIURL, *node.APIKey)
	start := time.Now()
	var latencyMS *int
	var errText *string
	if err := client.ListKeys(ctx); err != nil {
		msg := err.Error()
		errText = &msg
	} else {
		ms := int(time.Since(start).Milliseconds())
		latencyMS = &ms
	}

	tier := Classify(latencyMS, errText, m.thresholdMS)
	labels := map[string]string{"tier": string(tier), "status": "ok"}
	if errText != nil {
		labels["status"] = "error"
	}
	metrics.Default().IncCounter("outfleet_probe_total", labels)
	if latencyMS != nil {
		metrics.Default().ObserveHistogram("outfleet_probe_latency_ms", float64(*latencyMS), nil)
	}
	return tier, latencyMS, errText
}

// RunCycle probes every active node and persists all outcomes in a single
// registry transaction. A failing probe only affects its own node's tier.
func (m *Monitor) RunCycle(ctx context.Context) error {
	nodes, err := m.registry.ListActiveNodes(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	updates := make([]store.HealthUpdate, 0, len(nodes))
	tierCounts := map[model.HealthTier]int{
		model.TierHealthy:  0,
		model.TierDegraded: 0,
		model.TierDown:     0,
		model.TierUnknown:  0,
	}
	for i := range nodes {
		node := &nodes[i]
		tier, latencyMS, errText := m.Probe(ctx, node)
		if node.LastCheckStatus != tier {
			log.Printf("event=outline_node_status_changed node_id=%d from=%s to=%s", node.ID, node.LastCheckStatus, tier)
		}
		tierCounts[tier]++
		updates = append(updates, store.HealthUpdate{
			NodeID:    node.ID,
			CheckedAt: now,
			Status:    tier,
			LatencyMS: latencyMS,
			Error:     errText,
		})
	}

	if err := m.registry.UpdateNodeHealth(ctx, updates); err != nil {
		return err
	}
	for tier, count := range tierCounts {
		metrics.Default().SetGauge("outfleet_nodes_by_tier", float64(count), map[string]string{"tier": string(tier)})
	}
	return nil
}

// Run executes cycles forever on the configured interval until ctx is
// cancelled. Cycle failures are logged and retried on the next tick; they
// never stop the loop.
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		log.Printf("event=healthcheck_disabled")
		return
	}

	m.runOnce(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("event=healthcheck_stopped")
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	start := time.Now()
	err := m.RunCycle(ctx)
	durMS := float64(time.Since(start).Milliseconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("event=healthcheck_cycle_failed duration_ms=%d err=%q", int64(durMS), err.Error())
		metrics.Default().IncCounter("outfleet_health_cycle_total", map[string]string{"status": "error"})
		metrics.Default().ObserveHistogram("outfleet_health_cycle_duration_ms", durMS, nil)
		return
	}
	metrics.Default().IncCounter("outfleet_health_cycle_total", map[string]string{"status": "ok"})
	metrics.Default().ObserveHistogram("outfleet_health_cycle_duration_ms", durMS, nil)
}

// CheckNode runs an on-demand probe of a single node and persists the result.
// Returns store.ErrNodeNotFound for absent or soft-deleted nodes.
func (m *Monitor) CheckNode(ctx context.Context, nodeID int64) (*model.Node, error) {
	node, err := m.registry.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	tier, latencyMS, errText := m.Probe(ctx, node)
	if node.LastCheckStatus != tier {
		log.Printf("event=outline_node_status_changed node_id=%d from=%s to=%s", node.ID, node.LastCheckStatus, tier)
	}
	now := time.Now().UTC()
	if err := m.registry.UpdateNodeHealth(ctx, []store.HealthUpdate{{
		NodeID:    node.ID,
		CheckedAt: now,
		Status:    tier,
		LatencyMS: latencyMS,
		Error:     errText,
	}}); err != nil {
		return nil, err
	}

	node.LastCheckAt = &now
	node.LastCheckStatus = tier
	node.RecentLatencyMS = latencyMS
	node.LastError = errText
	return node, nil
}
