package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/offlinekit/localsync/internal/localstore"
	"github.com/offlinekit/localsync/internal/syncengine"
)

type ServerConfig struct {
	// AuthToken is the static bearer token callers must present. Empty
	// disables authentication.
	AuthToken       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server exposes the local store and reconciliation engine over HTTP. All
// state lives in the store and engine; the server itself only holds the
// rate limiter.
type Server struct {
	store       *localstore.Store
	engine      *syncengine.Engine
	quota       *localstore.QuotaMonitor
	cfg         ServerConfig
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

func NewServer(store *localstore.Store, engine *syncengine.Engine, quota *localstore.QuotaMonitor) *Server {
	return NewServerWithConfig(store, engine, quota, ServerConfig{})
}

func NewServerWithConfig(store *localstore.Store, engine *syncengine.Engine, quota *localstore.QuotaMonitor, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
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
		engine:      engine,
		quota:       quota,
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

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AuthToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	switch {
	case parts[1] == "status" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case parts[1] == "quota" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleQuota(w, r)
	case parts[1] == "quota" && len(parts) == 3 && parts[2] == "evict" && r.Method == http.MethodPost:
		s.handleQuotaEvict(w, r)
	case parts[1] == "watch" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleWatch(w, r)
	case parts[1] == "namespaces":
		s.routeNamespaces(w, r, parts)
	case parts[1] == "collections":
		s.routeCollections(w, r, parts)
	case parts[1] == "dead-letters":
		s.routeDeadLetters(w, r, parts)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeNamespaces(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.handleNamespaceList(w, r)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		s.handleNamespaceReset(w, r, parts[2])
	case len(parts) == 4 && parts[3] == "keys" && r.Method == http.MethodGet:
		s.handleKeyList(w, r, parts[2])
	case len(parts) == 5 && parts[3] == "keys" && r.Method == http.MethodGet:
		s.handleKeyGet(w, r, parts[2], parts[4])
	case len(parts) == 5 && parts[3] == "keys" && r.Method == http.MethodPut:
		s.handleKeySet(w, r, parts[2], parts[4])
	case len(parts) == 5 && parts[3] == "keys" && r.Method == http.MethodDelete:
		s.handleKeyRemove(w, r, parts[2], parts[4])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeCollections(w http.ResponseWriter, r *http.Request, parts []string) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine_disabled", "reconciliation engine is not configured")
		return
	}
	switch {
	case len(parts) == 4 && parts[3] == "entities" && r.Method == http.MethodGet:
		s.handleEntityList(w, r, parts[2])
	case len(parts) == 4 && parts[3] == "entities" && r.Method == http.MethodPost:
		s.handleEntityCreate(w, r, parts[2])
	case len(parts) == 5 && parts[3] == "entities" && r.Method == http.MethodGet:
		s.handleEntityGet(w, r, parts[2], parts[4])
	case len(parts) == 5 && parts[3] == "entities" && r.Method == http.MethodPatch:
		s.handleEntityUpdate(w, r, parts[2], parts[4])
	case len(parts) == 5 && parts[3] == "entities" && r.Method == http.MethodDelete:
		s.handleEntityDelete(w, r, parts[2], parts[4])
	case len(parts) == 4 && parts[3] == "sync" && r.Method == http.MethodPost:
		s.handleCollectionSync(w, r, parts[2])
	case len(parts) == 4 && parts[3] == "refresh" && r.Method == http.MethodPost:
		s.handleCollectionRefresh(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeDeadLetters(w http.ResponseWriter, r *http.Request, parts []string) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine_disabled", "reconciliation engine is not configured")
		return
	}
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"items": s.engine.ListDeadLetters()})
	case len(parts) == 4 && parts[3] == "replay" && r.Method == http.MethodPost:
		if err := s.engine.ReplayDeadLetter(parts[2]); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"taskId": parts[2], "status": "queued"})
	case len(parts) == 4 && parts[3] == "ack" && r.Method == http.MethodPost:
		if err := s.engine.AckDeadLetter(parts[2]); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"taskId": parts[2], "status": "acknowledged"})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"originId": s.store.OriginID(),
	}
	if s.engine != nil {
		resp["engine"] = s.engine.Status()
	}
	if s.quota != nil {
		resp["quota"] = s.quota.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		writeError(w, http.StatusServiceUnavailable, "quota_disabled", "quota monitor is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.quota.Snapshot())
}

func (s *Server) handleQuotaEvict(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		writeError(w, http.StatusServiceUnavailable, "quota_disabled", "quota monitor is not configured")
		return
	}
	freed, err := s.quota.Evict(nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"freedBytes": freed})
}

func (s *Server) handleNamespaceList(w http.ResponseWriter, r *http.Request) {
	namespaces, err := s.store.Namespaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": namespaces})
}

func (s *Server) handleNamespaceReset(w http.ResponseWriter, r *http.Request, namespace string) {
	if err := s.store.Reset(namespace); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request, namespace string) {
	keys, err := s.store.Keys(namespace)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespace": namespace, "keys": keys})
}

func (s *Server) handleKeyGet(w http.ResponseWriter, r *http.Request, namespace, key string) {
	env, found, err := s.store.Get(namespace, key)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"namespace":     namespace,
		"key":           key,
		"schemaVersion": env.SchemaVersion,
		"writtenAt":     env.WrittenAt,
		"origin":        env.Origin,
		"payload":       env.Payload,
	})
}

func (s *Server) handleKeySet(w http.ResponseWriter, r *http.Request, namespace, key string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "payload must be valid json")
		return
	}
	if err := s.store.Set(namespace, key, body); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeyRemove(w http.ResponseWriter, r *http.Request, namespace, key string) {
	if err := s.store.Remove(namespace, key); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEntityList(w http.ResponseWriter, r *http.Request, collection string) {
	entities, err := s.engine.List(collection)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entities})
}

func (s *Server) handleEntityCreate(w http.ResponseWriter, r *http.Request, collection string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Fields json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	entity, err := s.engine.Create(r.Context(), collection, req.Fields)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (s *Server) handleEntityGet(w http.ResponseWriter, r *http.Request, collection, localID string) {
	entity, found, err := s.engine.Get(collection, localID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleEntityUpdate(w http.ResponseWriter, r *http.Request, collection, localID string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Fields json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	entity, err := s.engine.Update(r.Context(), collection, localID, req.Fields)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleEntityDelete(w http.ResponseWriter, r *http.Request, collection, localID string) {
	if err := s.engine.Delete(r.Context(), collection, localID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCollectionSync(w http.ResponseWriter, r *http.Request, collection string) {
	if err := s.engine.SyncNow(r.Context(), collection); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"collection": collection, "status": "synced"})
}

func (s *Server) handleCollectionRefresh(w http.ResponseWriter, r *http.Request, collection string) {
	if err := s.engine.Refresh(r.Context(), collection); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"collection": collection, "status": "refreshed"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, localstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, localstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, localstore.ErrCorruptEnvelope):
		writeError(w, http.StatusBadRequest, "corrupt_envelope", err.Error())
	case errors.Is(err, localstore.ErrUnsupportedSchema):
		writeError(w, http.StatusConflict, "unsupported_schema", err.Error())
	case errors.Is(err, localstore.ErrQuotaCritical):
		writeError(w, http.StatusInsufficientStorage, "quota_critical", err.Error())
	case errors.Is(err, localstore.ErrQuotaExceeded):
		writeError(w, http.StatusInsufficientStorage, "quota_exceeded", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncengine.ErrUnknownCollection):
		writeError(w, http.StatusNotFound, "unknown_collection", err.Error())
	case errors.Is(err, syncengine.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, syncengine.ErrRemoteUnavailable):
		writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error())
	case errors.Is(err, syncengine.ErrRemoteRejected):
		writeError(w, http.StatusConflict, "remote_rejected", err.Error())
	default:
		s.writeStoreError(w, err)
	}
}

func clientKey(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	if token != "" {
		return token
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for stale, entry := range l.entries {
		if now.After(entry.resetAt) {
			delete(l.entries, stale)
		}
	}
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
