package synchub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/obrasync/obrasync/internal/models"
	"github.com/obrasync/obrasync/internal/services"
	"nhooyr.io/websocket"
)

const writeTimeout = 5 * time.Second

// Handler exposes the hub over HTTP: a websocket event stream, the
// broadcast ingress and the conflict/stats endpoints.
type Handler struct {
	mgr    *Manager
	tokens *services.TokenService
	logger *log.Logger
}

func NewHandler(mgr *Manager, tokens *services.TokenService, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{mgr: mgr, tokens: tokens, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/events", h.handleEvents)
	r.Post("/broadcast", h.handleBroadcast)
	r.Post("/notify", h.handleNotify)
	r.Get("/conflicts", h.handleConflicts)
	r.Post("/conflicts/{id}/resolve", h.handleResolve)
	r.Get("/stats", h.handleStats)
	return r
}

// clientFrame is what clients send upstream on the socket: heartbeats and
// subscription replacements.
type clientFrame struct {
	Type          string                `json:"type"`
	Subscriptions []models.Subscription `json:"subscriptions,omitempty"`
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Printf("synchub: websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	connID := uuid.NewString()

	// Handshake frame first, before the connection is registered.
	handshake, err := models.NewEnvelope(models.EventConnected, models.ConnectedPayload{ConnectionID: connID})
	if err != nil {
		return
	}
	if err := writeEnvelope(ctx, conn, handshake); err != nil {
		return
	}

	connection := &models.ClientConnection{
		ID:            connID,
		UserID:        claims.UserID,
		UserName:      claims.UserName,
		SessionID:     claims.SessionID,
		Subscriptions: subscriptionsFromQuery(r),
	}
	h.mgr.AddConnection(connection, func(env *models.Envelope) error {
		return writeEnvelope(ctx, conn, env)
	})

	// Read loop: heartbeats and subscription updates until the peer drops.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			h.mgr.Disconnect(connID)
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "heartbeat":
			h.mgr.Heartbeat(connID)
		case "subscribe":
			if err := h.mgr.UpdateSubscriptions(connID, frame.Subscriptions); err != nil {
				h.logger.Printf("synchub: subscription update for %s failed: %v", connID, err)
			}
		}
	}
}

type broadcastRequest struct {
	Table        string         `json:"table"`
	Operation    string         `json:"operation"`
	RecordID     string         `json:"record_id"`
	Data         map[string]any `json:"data,omitempty"`
	PreviousData map[string]any `json:"previous_data,omitempty"`
	SessionID    string         `json:"session_id"`
	Version      int64          `json:"version,omitempty"`
}

func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Table == "" || req.RecordID == "" {
		http.Error(w, "table and record_id are required", http.StatusBadRequest)
		return
	}
	op := models.Operation(req.Operation)
	if op != models.OperationCreate && op != models.OperationUpdate && op != models.OperationDelete {
		http.Error(w, "operation must be create, update or delete", http.StatusBadRequest)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = claims.SessionID
	}
	event := &models.SyncEvent{
		ID:           uuid.NewString(),
		Table:        req.Table,
		Operation:    op,
		RecordID:     req.RecordID,
		Data:         req.Data,
		PreviousData: req.PreviousData,
		Timestamp:    time.Now(),
		UserID:       claims.UserID,
		UserName:     claims.UserName,
		SessionID:    sessionID,
		Version:      req.Version,
	}
	h.mgr.BroadcastSyncEvent(event)

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": event.ID})
}

func (h *Handler) handleNotify(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticate(r); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var n models.NotificationEvent
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if n.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if n.Priority == "" {
		n.Priority = models.PriorityLow
	}
	h.mgr.SendNotification(&n)

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": n.ID})
}

func (h *Handler) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticate(r); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, h.mgr.ActiveConflicts())
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticate(r); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var body struct {
		Strategy models.ResolutionStrategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	resolved, err := h.mgr.ResolveConflict(chi.URLParam(r, "id"), body.Strategy)
	if errors.Is(err, ErrConflictNotFound) {
		http.Error(w, "conflict not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "resolved": resolved})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Stats())
}

// authenticate accepts the token from the query string (websocket clients
// cannot set headers) or a Bearer header.
func (h *Handler) authenticate(r *http.Request) (*services.TokenClaims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return nil, services.ErrInvalidToken
	}
	return h.tokens.Verify(token)
}

// subscriptionsFromQuery builds the initial filter set from the connect
// query parameters. No parameters means subscribe to everything.
func subscriptionsFromQuery(r *http.Request) []models.Subscription {
	query := r.URL.Query()
	sub := models.Subscription{
		UserID:    query.Get("userId"),
		ProjectID: query.Get("projectId"),
	}
	if tables := query.Get("tables"); tables != "" {
		sub.Tables = strings.Split(tables, ",")
	}
	if ops := query.Get("operations"); ops != "" {
		for _, op := range strings.Split(ops, ",") {
			sub.Operations = append(sub.Operations, models.Operation(op))
		}
	}
	if len(sub.Tables) == 0 && len(sub.Operations) == 0 && sub.UserID == "" && sub.ProjectID == "" {
		return nil
	}
	return []models.Subscription{sub}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
