package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/csai/chall-instancer/internal/auth"
	"github.com/csai/chall-instancer/internal/config"
	"github.com/csai/chall-instancer/internal/metrics"
	"github.com/csai/chall-instancer/internal/observability"
	"github.com/csai/chall-instancer/internal/orchestrator"
	"github.com/csai/chall-instancer/internal/settings"
	"github.com/csai/chall-instancer/internal/state"
)

const (
	headerUserID   = "X-User-ID"
	defaultPerPage = 20
	genericFailure = "An error occurred, please contact an administrator."
)

// Controller is the lifecycle surface the API drives. *orchestrator.Engine
// implements it.
type Controller interface {
	Create(ctx context.Context, userID, challengeID string) (state.Instance, error)
	Renew(ctx context.Context, userID, challengeID string) (state.Instance, error)
	Destroy(ctx context.Context, userID string) error
	Query(ctx context.Context, userID string) (orchestrator.View, bool, error)

	AdminRenew(ctx context.Context, userID, challengeID string) (state.Instance, error)
	AdminDestroy(ctx context.Context, userID string) error
	ListActive(ctx context.Context, page, perPage int) (orchestrator.Page, error)
	Settings(ctx context.Context) (map[string]string, settings.Snapshot, error)
	UpdateSettings(ctx context.Context, update map[string]string) (settings.Snapshot, error)
	UpsertChallenge(ctx context.Context, c state.Challenge) (state.Challenge, error)
	Challenge(ctx context.Context, id string) (state.Challenge, error)
	ListChallenges(ctx context.Context) ([]state.Challenge, error)
	DeleteChallenge(ctx context.Context, id string) error
	Sweep(ctx context.Context) (orchestrator.SweepSummary, error)
	Reconcile(ctx context.Context) (orchestrator.ReconcileSummary, error)

	Health(ctx context.Context) (int, error)
	Ready(ctx context.Context) error
}

type Server struct {
	cfg       config.Config
	ctrl      Controller
	guard     *auth.Guard
	metrics   *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

// New builds the API. guard may be nil in tests, which leaves admin routes
// open.
func New(cfg config.Config, ctrl Controller, guard *auth.Guard, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, ctrl: ctrl, guard: guard, metrics: reg, logger: logger, startedAt: time.Now().UTC()}
}

// Handler is the full middleware chain: access log, then (except for public
// health probes) rate limiting and service authentication.
func (s *Server) Handler(limiter *auth.RateLimiter) http.Handler {
	routes := s.Routes()
	var protected http.Handler = routes
	if s.guard != nil {
		protected = s.guard.Service(routes)
	}
	if limiter != nil {
		protected = limiter.Middleware(protected)
	}
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.HealthPublic && (r.URL.Path == "/healthz" || r.URL.Path == "/readyz") {
			routes.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})
	return observability.Middleware(s.logger, s.metrics, root)
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc(s.cfg.Observability.MetricsPath, s.handleMetrics)

	registerV1Routes := func(prefix string) {
		mux.HandleFunc(prefix+"/container", s.handleContainer)
		mux.Handle(prefix+"/admin/settings", s.admin(s.handleSettings))
		mux.Handle(prefix+"/admin/containers", s.admin(s.handleAdminContainers))
		mux.Handle(prefix+"/admin/challenges", s.admin(s.handleChallenges))
		mux.Handle(prefix+"/admin/challenges/{id}", s.admin(s.handleChallengeByID))
		mux.Handle(prefix+"/admin/reconcile", s.admin(s.handleReconcile))
		mux.Handle(prefix+"/admin/sweep", s.admin(s.handleSweep))
	}
	registerV1Routes("/v1")
	registerV1Routes("/api/v1") // platform plugin path
	return mux
}

func (s *Server) admin(h http.HandlerFunc) http.Handler {
	if s.guard == nil {
		return h
	}
	return s.guard.Admin(h)
}

func (s *Server) handleContainer(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(headerUserID))
	if userID == "" {
		writeFail(w, http.StatusBadRequest, "missing_user", "X-User-ID header is required.")
		return
	}
	challengeID := strings.TrimSpace(r.URL.Query().Get("challenge_id"))

	switch r.Method {
	case http.MethodGet:
		view, ok, err := s.ctrl.Query(r.Context(), userID)
		if err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
		if !ok || (challengeID != "" && view.Instance.ChallengeID != challengeID) {
			writeJSON(w, http.StatusOK, Envelope{Success: true})
			return
		}
		writeJSON(w, http.StatusOK, Envelope{Success: true, Data: toInstancePayload(view)})
	case http.MethodPost:
		if _, err := s.ctrl.Create(r.Context(), userID, challengeID); err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
		s.writeCurrent(w, r, userID)
	case http.MethodPatch:
		if _, err := s.ctrl.Renew(r.Context(), userID, challengeID); err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
		s.writeCurrent(w, r, userID)
	case http.MethodDelete:
		if err := s.ctrl.Destroy(r.Context(), userID); err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, Envelope{Success: true})
	default:
		methodNotAllowed(w)
	}
}

// writeCurrent answers a successful create or renew with the fresh view.
func (s *Server) writeCurrent(w http.ResponseWriter, r *http.Request, userID string) {
	view, ok, err := s.ctrl.Query(r.Context(), userID)
	if err != nil || !ok {
		writeJSON(w, http.StatusOK, Envelope{Success: true})
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: toInstancePayload(view)})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPatch:
		update, err := decodeSettings(r)
		if err != nil {
			writeFail(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if _, err := s.ctrl.UpdateSettings(r.Context(), update); err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
	default:
		methodNotAllowed(w)
		return
	}
	values, snap, err := s.ctrl.Settings(r.Context())
	if err != nil {
		s.writeCtrlErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: SettingsPayload{Version: snap.Version, Values: values}})
}

// decodeSettings accepts a flat JSON object whose values may be strings,
// numbers or booleans.
func decodeSettings(r *http.Request) (map[string]string, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case json.Number:
			out[k] = tv.String()
		case bool:
			out[k] = strconv.FormatBool(tv)
		default:
			return nil, fmt.Errorf("setting %q must be a scalar", k)
		}
	}
	return out, nil
}

func (s *Server) handleAdminContainers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		page, err := queryInt(q.Get("page"), 1)
		if err != nil {
			writeFail(w, http.StatusBadRequest, "bad_request", "page must be an integer.")
			return
		}
		perPage, err := queryInt(q.Get("per_page"), defaultPerPage)
		if err != nil {
			writeFail(w, http.StatusBadRequest, "bad_request", "per_page must be an integer.")
			return
		}
		res, err := s.ctrl.ListActive(r.Context(), page, perPage)
		if err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
		items := make([]AdminInstancePayload, 0, len(res.Items))
		for _, v := range res.Items {
			items = append(items, toAdminPayload(v))
		}
		writeJSON(w, http.StatusOK, Envelope{Success: true, Data: PagePayload{
			Items: items, Total: res.Total, Page: res.Page, PerPage: res.PerPage, Pages: res.Pages,
		}})
	case http.MethodPatch:
		userID := strings.TrimSpace(q.Get("user_id"))
		if userID == "" {
			writeFail(w, http.StatusBadRequest, "bad_request", "user_id is required.")
			return
		}
		if _, err := s.ctrl.AdminRenew(r.Context(), userID, strings.TrimSpace(q.Get("challenge_id"))); err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, Envelope{Success: true})
	case http.MethodDelete:
		userID := strings.TrimSpace(q.Get("user_id"))
		if userID == "" {
			writeFail(w, http.StatusBadRequest, "bad_request", "user_id is required.")
			return
		}
		if err := s.ctrl.AdminDestroy(r.Context(), userID); err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, Envelope{Success: true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChallenges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.ctrl.ListChallenges(r.Context())
		if err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, Envelope{Success: true, Data: items})
	case http.MethodPut, http.MethodPost:
		s.upsertChallenge(w, r, "")
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChallengeByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		c, err := s.ctrl.Challenge(r.Context(), id)
		if err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, Envelope{Success: true, Data: c})
	case http.MethodPut:
		s.upsertChallenge(w, r, id)
	case http.MethodDelete:
		if err := s.ctrl.DeleteChallenge(r.Context(), id); err != nil {
			s.writeCtrlErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, Envelope{Success: true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) upsertChallenge(w http.ResponseWriter, r *http.Request, pathID string) {
	var c state.Challenge
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeFail(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.")
		return
	}
	if pathID != "" {
		c.ID = pathID
	}
	saved, err := s.ctrl.UpsertChallenge(r.Context(), c)
	if err != nil {
		s.writeCtrlErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: saved})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sum, err := s.ctrl.Reconcile(r.Context())
	if err != nil {
		s.writeCtrlErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: ReconcilePayload{
		Checked:         sum.Checked,
		MarkedDestroyed: sum.MarkedDestroyed,
		OrphansRemoved:  sum.OrphansRemoved,
		RoutesRestored:  sum.RoutesRestored,
		Skipped:         sum.Skipped,
	}})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sum, err := s.ctrl.Sweep(r.Context())
	if err != nil {
		s.writeCtrlErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: SweepPayload{
		Expired: sum.Expired, Destroyed: sum.Destroyed, Skipped: sum.Skipped, Failed: sum.Failed, Pruned: sum.Pruned,
	}})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	active, err := s.ctrl.Health(r.Context())
	dockerOK := err == nil
	s.metrics.SetActiveInstances(active)
	status, code := "ok", http.StatusOK
	if !dockerOK {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:          status,
		Version:         s.cfg.Server.Version,
		Uptime:          int64(time.Since(s.startedAt).Seconds()),
		DockerOK:        dockerOK,
		ActiveInstances: active,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if err := s.ctrl.Ready(r.Context()); err != nil {
		s.logger.Warn("not_ready", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Ready: true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

var reasonStatus = map[string]int{
	"busy":               http.StatusTooManyRequests,
	"rate_limited":       http.StatusTooManyRequests,
	"capacity_exceeded":  http.StatusServiceUnavailable,
	"challenge_mismatch": http.StatusConflict,
	"already_running":    http.StatusConflict,
	"renewal_exceeded":   http.StatusConflict,
	"not_found":          http.StatusNotFound,
	"port_exhausted":     http.StatusServiceUnavailable,
	"invalid_settings":   http.StatusBadRequest,
	"invalid_challenge":  http.StatusBadRequest,
}

var reasonMsg = map[string]string{
	"busy":               "Another request for your instance is in progress.",
	"rate_limited":       "Frequency limit, you should wait at least 1 min.",
	"capacity_exceeded":  "Max container count exceed.",
	"challenge_mismatch": "Your instance belongs to another challenge.",
	"already_running":    "You already have an instance of this challenge.",
	"renewal_exceeded":   "Max renewal times exceed.",
	"not_found":          "Instance not found.",
	"port_exhausted":     "No available ports, please try again later.",
}

func (s *Server) writeCtrlErr(w http.ResponseWriter, r *http.Request, err error) {
	reason := orchestrator.Reason(err)
	code, ok := reasonStatus[reason]
	if !ok {
		// Runtime and unknown failures keep their cause out of the response.
		s.logger.Error("controller_error",
			slog.String("request_id", observability.RequestIDFromContext(r.Context())),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		if reason == "" {
			reason = "internal_error"
		}
		writeFail(w, http.StatusInternalServerError, reason, genericFailure)
		return
	}
	msg := reasonMsg[reason]
	if msg == "" {
		msg = err.Error()
	}
	writeFail(w, code, reason, msg)
}

func toInstancePayload(v orchestrator.View) InstancePayload {
	return InstancePayload{
		UUID:          v.Instance.UUID,
		UserID:        v.Instance.UserID,
		ChallengeID:   v.Instance.ChallengeID,
		Type:          v.Type,
		Domain:        v.Domain,
		IP:            v.IP,
		Port:          v.Port,
		LanDomain:     v.LanDomain,
		RemainingTime: int64(v.Remaining.Seconds()),
		RenewCount:    v.Instance.RenewCount,
		StartTime:     v.Instance.StartTime,
	}
}

func toAdminPayload(v orchestrator.View) AdminInstancePayload {
	return AdminInstancePayload{
		InstancePayload: toInstancePayload(v),
		Flag:            v.Instance.Flag,
		ContainerID:     v.Instance.ContainerID,
		ContainerName:   v.Instance.ContainerName,
	}
}

func queryInt(raw string, def int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(raw))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeFail(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFail(w http.ResponseWriter, code int, reason, msg string) {
	writeJSON(w, code, Envelope{Success: false, Reason: reason, Msg: msg})
}
