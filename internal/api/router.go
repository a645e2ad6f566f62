package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/outfleet/outline-control-plane/internal/auth"
	"github.com/outfleet/outline-control-plane/internal/config"
	"github.com/outfleet/outline-control-plane/internal/fleet"
	"github.com/outfleet/outline-control-plane/internal/metrics"
	"github.com/outfleet/outline-control-plane/internal/model"
	"github.com/outfleet/outline-control-plane/internal/session"
	"github.com/outfleet/outline-control-plane/internal/store"
)

// Store is the registry surface the handlers use directly; selection and
// provisioning go through Assigner/Revoker instead.
type Store interface {
	ListNodeStatuses(ctx context.Context) ([]model.Node, error)
	GetNode(ctx context.Context, nodeID int64) (*model.Node, error)
	RecordNodeHeartbeat(ctx context.Context, nodeID int64) (bool, error)
	RegisterNode(ctx context.Context, in store.RegisterNodeInput) (*model.Node, error)
	DecommissionNode(ctx context.Context, nodeID int64) error
}

type Assigner interface {
	Assign(ctx context.Context, deviceRef, regionCode, poolCode string) (*model.Assignment, error)
}

type Revoker interface {
	Revoke(ctx context.Context, deviceRef string) (bool, error)
}

type HealthChecker interface {
	CheckNode(ctx context.Context, nodeID int64) (*model.Node, error)
}

type SessionIssuer interface {
	Issue(ctx context.Context, deviceID, proof, regionHint string) (*model.SessionDescriptor, *session.Denial, error)
	Validate(token string) *model.SessionDescriptor
}

type Server struct {
	cfg      config.Config
	store    Store
	assigner Assigner
	revoker  Revoker
	checker  HealthChecker
	sessions SessionIssuer
	launcher fleet.Launcher
}

func NewRouter(cfg config.Config, st Store, assigner Assigner, revoker Revoker, checker HealthChecker, sessions SessionIssuer, launcher fleet.Launcher) http.Handler {
	s := &Server{
		cfg:      cfg,
		store:    st,
		assigner: assigner,
		revoker:  revoker,
		checker:  checker,
		sessions: sessions,
		launcher: launcher,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Node launches can block for minutes while the instance comes up.
	r.Use(middleware.Timeout(3 * time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(device chi.Router) {
			device.Post("/nodes/assign", s.handleAssign)
			device.Post("/nodes/revoke", s.handleRevoke)
		})

		v1.Post("/sessions/issue", s.handleIssueSession)

		v1.With(s.internalAuth).Post("/nodes/heartbeat", s.handleHeartbeat)

		v1.With(s.adminAuth).Route("/admin/outline-nodes", func(admin chi.Router) {
			admin.Get("/", s.handleListNodes)
			admin.Post("/{nodeID}/check", s.handleCheckNode)
			admin.Post("/launch", s.handleLaunchNode)
			admin.Delete("/{nodeID}", s.handleDecommissionNode)
		})
	})

	r.With(s.internalAuth).Post("/internal/sessions/validate", s.handleValidateSession)

	return r
}

func (s *Server) internalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Secret") != s.cfg.InternalSecret {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", "invalid internal secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Secret") != s.cfg.AdminSecret {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", "invalid admin secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
