package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/cachewatch/opshub/internal/opshub"
)

const (
	scopeRead = "notify.read"
	scopeOps  = "notify.ops"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	WriteTimeout    time.Duration
}

type Server struct {
	store      *opshub.Store
	dispatcher *opshub.Dispatcher
	cfg        ServerConfig

	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *opshub.Store, dispatcher *opshub.Dispatcher) *Server {
	return NewServerWithConfig(store, dispatcher, ServerConfig{})
}

func NewServerWithConfig(store *opshub.Store, dispatcher *opshub.Dispatcher, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		dispatcher:  dispatcher,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/ws/notifications" && r.Method == http.MethodGet {
		s.handleNotificationFeed(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "notifications"
	case len(parts) == 3 && parts[1] == "notifications" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "notification"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "dismiss" && r.Method == http.MethodPost:
		requiredScope = scopeOps
		route = "dismiss"
	case len(parts) == 4 && parts[1] == "operations" && parts[3] == "start" && r.Method == http.MethodPost:
		requiredScope = scopeOps
		route = "start"
	case len(parts) == 4 && parts[1] == "operations" && parts[3] == "cancel" && r.Method == http.MethodPost:
		requiredScope = scopeOps
		route = "cancel"
	case len(parts) == 4 && parts[1] == "operations" && parts[3] == "force-kill" && r.Method == http.MethodPost:
		requiredScope = scopeOps
		route = "force-kill"
	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "history"
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "status"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "notifications":
		s.handleNotifications(w, r, correlationID)
	case "notification":
		s.handleNotification(w, r, parts[2], correlationID)
	case "dismiss":
		s.handleDismiss(w, r, parts[2], correlationID)
	case "start":
		s.handleStart(w, r, parts[2], correlationID)
	case "cancel":
		s.handleCancel(w, r, parts[2], correlationID)
	case "force-kill":
		s.handleForceKill(w, r, parts[2], correlationID)
	case "history":
		s.handleHistory(w, r, correlationID)
	case "status":
		s.handleStatus(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, correlationID string) {
	notifications, revision := s.store.Snapshot()
	dismissing := make([]string, 0)
	for _, n := range notifications {
		if s.store.IsDismissing(n.ID) {
			dismissing = append(dismissing, n.ID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"dismissing":    dismissing,
		"revision":      revision,
	})
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	n, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "notification not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if err := s.store.Dismiss(id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "notification not found", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "dismissing"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, rawKind, correlationID string) {
	kind, ok := opshub.ParseKind(rawKind)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown operation kind: "+rawKind, correlationID)
		return
	}
	var body struct {
		Service string         `json:"service"`
		Params  map[string]any `json:"params"`
	}
	if !s.decodeBody(w, r, &body, correlationID) {
		return
	}
	params := body.Params
	if params == nil {
		params = map[string]any{}
	}
	if body.Service != "" {
		params["service"] = body.Service
	}
	id, err := s.dispatcher.Start(r.Context(), kind, body.Service, params)
	if err != nil {
		s.writeDispatchError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "running"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, rawKind, correlationID string) {
	kind, ok := opshub.ParseKind(rawKind)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown operation kind: "+rawKind, correlationID)
		return
	}
	var body struct {
		ID      string `json:"id"`
		Service string `json:"service"`
	}
	if !s.decodeBody(w, r, &body, correlationID) {
		return
	}
	id := body.ID
	if id == "" {
		id = opshub.NotificationID(kind, body.Service)
	}
	if err := s.dispatcher.Cancel(r.Context(), id); err != nil {
		s.writeDispatchError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "cancelling"})
}

func (s *Server) handleForceKill(w http.ResponseWriter, r *http.Request, rawKind, correlationID string) {
	kind, ok := opshub.ParseKind(rawKind)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown operation kind: "+rawKind, correlationID)
		return
	}
	var body struct {
		ID      string `json:"id"`
		Service string `json:"service"`
	}
	if !s.decodeBody(w, r, &body, correlationID) {
		return
	}
	id := body.ID
	if id == "" {
		id = opshub.NotificationID(kind, body.Service)
	}
	if err := s.dispatcher.ForceKill(r.Context(), id); err != nil {
		s.writeDispatchError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "killing"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
			return
		}
		limit = parsed
	}
	records, err := s.store.History().Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "history unavailable", correlationID)
		return
	}
	if records == nil {
		records = []opshub.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	writeJSON(w, http.StatusOK, s.store.Status())
}

// handleNotificationFeed streams store changes over a websocket. Auth rides
// in a query parameter because browser websocket clients cannot set headers.
func (s *Server) handleNotificationFeed(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	if _, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, scopeRead, time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	changes, cancel := s.store.Subscribe(256)
	defer cancel()

	ctx := r.Context()

	// Seed the consumer with the current snapshot so it never renders from
	// a partial change stream.
	notifications, revision := s.store.Snapshot()
	if err := s.writeFeedMessage(ctx, conn, map[string]any{
		"type":          "snapshot",
		"revision":      revision,
		"notifications": notifications,
	}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case change, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "store closed")
				return
			}
			if err := s.writeFeedMessage(ctx, conn, map[string]any{
				"type":         "change",
				"revision":     change.Revision,
				"changeType":   change.Type,
				"notification": change.Notification,
			}); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFeedMessage(ctx context.Context, conn *websocket.Conn, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any, correlationID string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large", correlationID)
		return false
	}
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, out); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, opshub.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, opshub.ErrDispatchBusy):
		writeError(w, http.StatusConflict, "busy", err.Error(), correlationID)
	case errors.Is(err, opshub.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, opshub.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadGateway, "backend_error", err.Error(), correlationID)
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
