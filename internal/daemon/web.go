package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mapeo.dev/go/mapeo/internal/invite"
	"mapeo.dev/go/mapeo/internal/project"
	"mapeo.dev/go/mapeo/internal/protocol"
	"mapeo.dev/go/mapeo/internal/rpc"
)

const (
	defaultLogLimit = 500
	maxLogLimit     = 5000
	maxBodySize     = 64 * 1024
)

// Backend is what the web API serves. Daemon implements it.
type Backend interface {
	Status() Status
	MetricsSnapshot() *MetricsSnapshot
	LogBuffer() *LogBuffer

	Peers() []rpc.PeerInfo
	Connect(ctx context.Context, addr string) (*ConnectResult, error)

	Invites() []invite.Invite
	AcceptInvite(ctx context.Context, inviteID string) (string, error)
	RejectInvite(inviteID string) error

	Projects() []project.Project
	CreateProject(name string) (project.Project, error)
	LeaveProject(publicID string) error
	InviteDevice(ctx context.Context, publicID, deviceID string, role project.Role) (protocol.Decision, error)
	SentInvites() []invite.SentInvite
	CancelInvite(ctx context.Context, inviteID string) error
}

// ConnectResult describes a session opened through the API.
type ConnectResult struct {
	DeviceID string   `json:"device_id"`
	Status   string   `json:"status"`
	SAS      []string `json:"sas"`
}

// ProjectView is the API view of a project.
type ProjectView struct {
	PublicID string       `json:"public_id"`
	Name     string       `json:"name"`
	Role     project.Role `json:"role"`
	Left     bool         `json:"left"`
	JoinedAt time.Time    `json:"joined_at"`
}

func projectView(p project.Project) ProjectView {
	return ProjectView{
		PublicID: p.PublicID,
		Name:     p.Name,
		Role:     p.Role,
		Left:     p.Left,
		JoinedAt: p.JoinedAt,
	}
}

// WebServer serves the local HTTP API and the websocket event stream.
type WebServer struct {
	backend Backend
	hub     *Hub
	log     *slog.Logger
	server  *http.Server

	// InviteTimeout bounds how long an invite request waits for an answer.
	InviteTimeout time.Duration
}

// NewWebServer creates a web server listening on loopback port.
func NewWebServer(backend Backend, hub *Hub, port int, log *slog.Logger) *WebServer {
	if log == nil {
		log = slog.Default()
	}
	ws := &WebServer{
		backend:       backend,
		hub:           hub,
		log:           log,
		InviteTimeout: 5 * time.Minute,
	}
	ws.server = &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:           ws.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Routes returns the API router.
func (ws *WebServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(ws.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", ws.handleStatus)
		r.Get("/metrics", ws.handleMetrics)

		r.Get("/logs", ws.handleLogs)
		r.Get("/logs/stats", ws.handleLogStats)

		r.Route("/peers", func(r chi.Router) {
			r.Get("/", ws.handlePeers)
			r.Post("/", ws.handleConnect)
		})

		r.Route("/invites", func(r chi.Router) {
			r.Get("/", ws.handleInvites)
			r.Post("/{inviteId}/accept", ws.handleAcceptInvite)
			r.Post("/{inviteId}/reject", ws.handleRejectInvite)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", ws.handleProjects)
			r.Post("/", ws.handleCreateProject)
			r.Post("/{projectId}/invite", ws.handleInviteDevice)
			r.Post("/{projectId}/leave", ws.handleLeaveProject)
		})

		r.Route("/sent-invites", func(r chi.Router) {
			r.Get("/", ws.handleSentInvites)
			r.Delete("/{inviteId}", ws.handleCancelInvite)
		})
	})

	if ws.hub != nil {
		r.Get("/ws", ws.hub.ServeHTTP)
	}
	return r
}

// Start begins serving in the background.
func (ws *WebServer) Start() error {
	ln, err := net.Listen("tcp", ws.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", ws.server.Addr, err)
	}
	ws.log.Info("Web server started", "addr", ln.Addr().String())

	go func() {
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Web server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (ws *WebServer) Stop(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, ws.backend.Status())
}

func (ws *WebServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, ws.backend.MetricsSnapshot())
}

func (ws *WebServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, ws.backend.Peers())
}

func (ws *WebServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Addr string `json:"addr"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Addr == "" {
		errorResponse(w, http.StatusBadRequest, "addr is required")
		return
	}
	res, err := ws.backend.Connect(r.Context(), body.Addr)
	if err != nil {
		ws.backendError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

func (ws *WebServer) handleInvites(w http.ResponseWriter, r *http.Request) {
	invites := ws.backend.Invites()
	if r.URL.Query().Get("pending") == "true" {
		pending := make([]invite.Invite, 0, len(invites))
		for _, inv := range invites {
			if inv.State == invite.StatePending {
				pending = append(pending, inv)
			}
		}
		invites = pending
	}
	jsonResponse(w, http.StatusOK, invites)
}

func (ws *WebServer) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	inviteID := chi.URLParam(r, "inviteId")
	publicID, err := ws.backend.AcceptInvite(r.Context(), inviteID)
	if err != nil {
		ws.backendError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{
		"invite_id":         inviteID,
		"project_public_id": publicID,
	})
}

func (ws *WebServer) handleRejectInvite(w http.ResponseWriter, r *http.Request) {
	inviteID := chi.URLParam(r, "inviteId")
	if err := ws.backend.RejectInvite(inviteID); err != nil {
		ws.backendError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"invite_id": inviteID, "status": "rejected"})
}

func (ws *WebServer) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects := ws.backend.Projects()
	out := make([]ProjectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectView(p))
	}
	jsonResponse(w, http.StatusOK, out)
}

func (ws *WebServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}
	p, err := ws.backend.CreateProject(name)
	if err != nil {
		ws.backendError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, projectView(p))
}

func (ws *WebServer) handleLeaveProject(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "projectId")
	if err := ws.backend.LeaveProject(publicID); err != nil {
		ws.backendError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"project_public_id": publicID, "status": "left"})
}

func (ws *WebServer) handleInviteDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
		Role     string `json:"role"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DeviceID == "" {
		errorResponse(w, http.StatusBadRequest, "device_id is required")
		return
	}
	role := project.RoleParticipant
	if body.Role != "" {
		var err error
		if role, err = project.ParseRole(body.Role); err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), ws.InviteTimeout)
	defer cancel()
	decision, err := ws.backend.InviteDevice(ctx, chi.URLParam(r, "projectId"), body.DeviceID, role)
	if err != nil {
		ws.backendError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"decision": decision.String()})
}

func (ws *WebServer) handleSentInvites(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, ws.backend.SentInvites())
}

func (ws *WebServer) handleCancelInvite(w http.ResponseWriter, r *http.Request) {
	inviteID := chi.URLParam(r, "inviteId")
	if err := ws.backend.CancelInvite(r.Context(), inviteID); err != nil {
		ws.backendError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"invite_id": inviteID, "status": "canceled"})
}

func (ws *WebServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	opts := QueryOpts{Limit: defaultLogLimit}
	q := r.URL.Query()

	opts.Level = strings.ToUpper(q.Get("level"))
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = &t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			opts.Until = &t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= maxLogLimit {
			opts.Limit = n
		}
	}

	buf := ws.backend.LogBuffer()
	entries := buf.Query(opts)
	jsonResponse(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"total":   buf.Count(),
	})
}

func (ws *WebServer) handleLogStats(w http.ResponseWriter, r *http.Request) {
	buf := ws.backend.LogBuffer()
	counts := buf.CountByLevel()
	jsonResponse(w, http.StatusOK, map[string]int{
		"total": buf.Count(),
		"debug": counts[slog.LevelDebug.String()],
		"info":  counts[slog.LevelInfo.String()],
		"warn":  counts[slog.LevelWarn.String()],
		"error": counts[slog.LevelError.String()],
	})
}

// backendError maps backend errors onto HTTP statuses.
func (ws *WebServer) backendError(w http.ResponseWriter, err error) {
	var unknown *rpc.UnknownPeerError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, invite.ErrInviteNotFound),
		errors.Is(err, project.ErrNotFound),
		errors.As(err, &unknown):
		status = http.StatusNotFound
	case errors.Is(err, invite.ErrInvalidTransition),
		errors.Is(err, invite.ErrAlreadyInviting),
		errors.Is(err, invite.ErrInviteCanceled):
		status = http.StatusConflict
	case errors.Is(err, project.ErrLeft),
		errors.Is(err, project.ErrCantInvite):
		status = http.StatusForbidden
	case errors.Is(err, ErrBadPeerAddr):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, rpc.ErrPeerDisconnected),
		errors.Is(err, rpc.ErrDisconnectBeforeAck),
		errors.Is(err, rpc.ErrDisconnectBeforeSending),
		errors.Is(err, rpc.ErrPeerFailedConnection):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		ws.log.Error("API request failed", "error", err)
	}
	errorResponse(w, status, err.Error())
}

func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			ws.log.Debug("API request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// corsMiddleware allows a UI served from localhost during development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}
