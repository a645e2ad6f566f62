package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/outfleet/outline-control-plane/internal/auth"
	"github.com/outfleet/outline-control-plane/internal/fleet"
	"github.com/outfleet/outline-control-plane/internal/model"
	"github.com/outfleet/outline-control-plane/internal/provision"
	"github.com/outfleet/outline-control-plane/internal/selector"
	"github.com/outfleet/outline-control-plane/internal/store"
)

type assignRequest struct {
	RegionCode string `json:"region_code"`
	PoolCode   string `json:"pool_code"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := auth.DeviceIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing device identity")
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	assignment, err := s.assigner.Assign(r.Context(), deviceID, req.RegionCode, req.PoolCode)
	if err != nil {
		var provErr *provision.ProvisioningError
		switch {
		case errors.Is(err, store.ErrPoolNotFound):
			writeAPIError(w, http.StatusNotFound, "pool_not_found", "no active pool with that code")
		case errors.Is(err, selector.ErrNoNodesAvailable):
			// Configuration gap: nothing matched the filters at all.
			writeAPIError(w, http.StatusServiceUnavailable, "no_outline_nodes_available", "no nodes match the requested filters")
		case errors.Is(err, selector.ErrNoHealthyNodes):
			// Operational outage: candidates exist but all are down.
			writeAPIError(w, http.StatusServiceUnavailable, "no_healthy_outline_nodes", "all candidate nodes are down")
		case errors.As(err, &provErr):
			writeAPIError(w, http.StatusBadGateway, "outline_provisioning_failed", "node management API call failed")
		default:
			log.Printf("event=assign_failed device_id=%s err=%q", deviceID, err.Error())
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to assign node")
		}
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

type revokeResponse struct {
	Revoked bool `json:"revoked"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := auth.DeviceIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing device identity")
		return
	}

	revoked, err := s.revoker.Revoke(r.Context(), deviceID)
	if err != nil {
		log.Printf("event=revoke_failed device_id=%s err=%q", deviceID, err.Error())
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to revoke credential")
		return
	}
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: revoked})
}

type heartbeatRequest struct {
	NodeID int64 `json:"node_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	ok, err := s.store.RecordNodeHeartbeat(r.Context(), req.NodeID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to record heartbeat")
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown node")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type nodeStatusResponse struct {
	ID              int64      `json:"id"`
	Name            *string    `json:"name"`
	Region          *string    `json:"region"`
	Host            string     `json:"host"`
	Port            int        `json:"port"`
	Tag             *string    `json:"tag"`
	Priority        *int       `json:"priority"`
	IsActive        bool       `json:"is_active"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at"`
	LastCheckAt     *time.Time `json:"last_check_at"`
	LastCheckStatus string     `json:"last_check_status"`
	LastError       *string    `json:"last_error"`
	RecentLatencyMS *int       `json:"recent_latency_ms"`
}

func toNodeStatusResponse(n *model.Node) nodeStatusResponse {
	return nodeStatusResponse{
		ID:              n.ID,
		Name:            n.Name,
		Region:          n.RegionCode,
		Host:            n.Host,
		Port:            n.Port,
		Tag:             n.Tag,
		Priority:        n.Priority,
		IsActive:        n.IsActive,
		LastHeartbeatAt: n.LastHeartbeatAt,
		LastCheckAt:     n.LastCheckAt,
		LastCheckStatus: string(n.LastCheckStatus),
		LastError:       n.LastError,
		RecentLatencyMS: n.RecentLatencyMS,
	}
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodeStatuses(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list nodes")
		return
	}
	out := make([]nodeStatusResponse, 0, len(nodes))
	for i := range nodes {
		out = append(out, toNodeStatusResponse(&nodes[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCheckNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.ParseInt(chi.URLParam(r, "nodeID"), 10, 64)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "node id must be an integer")
		return
	}

	node, err := s.checker.CheckNode(r.Context(), nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "unknown node")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "health check failed")
		return
	}
	writeJSON(w, http.StatusOK, toNodeStatusResponse(node))
}

type launchNodeRequest struct {
	Name       string `json:"name"`
	RegionCode string `json:"region_code"`
	Port       int    `json:"port"`
}

func (s *Server) handleLaunchNode(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "launcher_disabled", "no node launcher configured")
		return
	}

	var req launchNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if req.Name == "" || req.RegionCode == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "name and region_code are required")
		return
	}
	if req.Port <= 0 {
		req.Port = 443
	}

	launched, err := s.launcher.Launch(r.Context(), fleet.LaunchRequest{
		NodeName: req.Name,
		Region:   req.RegionCode,
	})
	if err != nil {
		log.Printf("event=node_launch_failed region=%s err=%q", req.RegionCode, err.Error())
		writeAPIError(w, http.StatusBadGateway, "launch_failed", "node launch failed")
		return
	}

	node, err := s.store.RegisterNode(r.Context(), store.RegisterNodeInput{
		Name:       &req.Name,
		RegionCode: &req.RegionCode,
		Host:       launched.PublicIP,
		Port:       req.Port,
		Tag:        &launched.InstanceID,
		IsActive:   false,
	})
	if err != nil {
		// The instance is up but unregistered; tear it down so nothing
		// unaccounted keeps running.
		if termErr := s.launcher.Terminate(r.Context(), fleet.TerminateRequest{
			Region:     req.RegionCode,
			InstanceID: launched.InstanceID,
		}); termErr != nil {
			log.Printf("event=launch_compensation_failed region=%s instance_id=%s err=%q", req.RegionCode, launched.InstanceID, termErr.Error())
		}
		if errors.Is(err, store.ErrRegionNotFound) {
			writeAPIError(w, http.StatusNotFound, "region_not_found", "no region with that code")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to register launched node")
		return
	}
	writeJSON(w, http.StatusCreated, toNodeStatusResponse(node))
}

func (s *Server) handleDecommissionNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.ParseInt(chi.URLParam(r, "nodeID"), 10, 64)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "node id must be an integer")
		return
	}

	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "unknown node")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to load node")
		return
	}

	// Soft delete is authoritative; instance teardown is best-effort.
	if s.launcher != nil && node.Tag != nil && node.RegionCode != nil {
		if err := s.launcher.Terminate(r.Context(), fleet.TerminateRequest{
			Region:     *node.RegionCode,
			InstanceID: *node.Tag,
		}); err != nil {
			log.Printf("event=node_terminate_failed node_id=%d instance_id=%s err=%q", node.ID, *node.Tag, err.Error())
		}
	}

	if err := s.store.DecommissionNode(r.Context(), nodeID); err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "unknown node")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to decommission node")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type issueSessionRequest struct {
	DeviceID   string `json:"device_id"`
	Token      string `json:"token"`
	RegionCode string `json:"region_code"`
}

type issueSessionResponse struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	GatewayURL   string    `json:"gateway_url"`
	MaxStreams   int       `json:"max_streams"`
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var req issueSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if req.DeviceID == "" || req.Token == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "device_id and token are required")
		return
	}

	descriptor, denial, err := s.sessions.Issue(r.Context(), req.DeviceID, req.Token, req.RegionCode)
	if err != nil {
		log.Printf("event=session_issue_failed device_id=%s err=%q", req.DeviceID, err.Error())
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to issue session")
		return
	}
	if denial != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"allowed": false, "reason": denial.Reason})
		return
	}
	writeJSON(w, http.StatusOK, issueSessionResponse{
		SessionToken: descriptor.Token,
		ExpiresAt:    descriptor.ExpiresAt,
		GatewayURL:   descriptor.GatewayURL,
		MaxStreams:   descriptor.MaxStreams,
	})
}

type validateSessionRequest struct {
	SessionToken string `json:"session_token"`
}

type validateSessionResponse struct {
	SessionID  string           `json:"session_id"`
	DeviceID   string           `json:"device_id"`
	MaxStreams int              `json:"max_streams"`
	Outline    model.Assignment `json:"outline"`
}

func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	var req validateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	descriptor := s.sessions.Validate(req.SessionToken)
	if descriptor == nil {
		writeAPIError(w, http.StatusForbidden, "invalid_session", "unknown or expired session token")
		return
	}
	writeJSON(w, http.StatusOK, validateSessionResponse{
		SessionID:  descriptor.ID,
		DeviceID:   descriptor.DeviceID,
		MaxStreams: descriptor.MaxStreams,
		Outline:    descriptor.Assignment,
	})
}
