package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/marcus/tally/internal/models"
	"github.com/marcus/tally/internal/serverdb"
)

// MutationRequest is the JSON body for POST /v1/tenants/{tenant}/mutations.
type MutationRequest struct {
	MutationID      string          `json:"mutation_id"`
	Op              string          `json:"op"`
	Collection      string          `json:"collection"`
	EntityID        string          `json:"entity_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	DeviceID        string          `json:"device_id"`
	ClientTimestamp string          `json:"client_timestamp"`
}

// MutationResponse is the verdict on one mutation.
type MutationResponse struct {
	Status    string `json:"status"`
	ServerSeq int64  `json:"server_seq"`
}

// EntitiesResponse is the JSON response for a collection pull.
type EntitiesResponse struct {
	Collection string             `json:"collection"`
	Entities   []models.Entity    `json:"entities"`
	Deleted    []models.Tombstone `json:"deleted,omitempty"`
}

// WipeResponse reports how many live entities a wipe removed.
type WipeResponse struct {
	Deleted int64 `json:"deleted"`
}

// TenantStatusResponse is the JSON response for GET /v1/tenants/{tenant}/status.
type TenantStatusResponse struct {
	Entities    int64            `json:"entities"`
	Mutations   int64            `json:"mutations"`
	Devices     []DeviceResponse `json:"devices"`
	Subscribers map[string]int   `json:"subscribers,omitempty"`
}

// DeviceResponse is one device of a tenant.
type DeviceResponse struct {
	DeviceID  string `json:"device_id"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
}

// Realtime message types.
const (
	MessageSnapshot = "snapshot"
	MessageChange   = "change"
)

// ChangeMessage is one realtime frame.
type ChangeMessage struct {
	Type       string             `json:"type"`
	Collection string             `json:"collection"`
	Entities   []models.Entity    `json:"entities,omitempty"`
	Deleted    []models.Tombstone `json:"deleted,omitempty"`
}

// syncedCollection resolves a path collection, rejecting unknown and
// local-only names.
func syncedCollection(w http.ResponseWriter, name string) bool {
	schema, ok := models.Lookup(name)
	if !ok || schema.LocalOnly {
		writeError(w, http.StatusNotFound, ErrCodeUnknownCollection, "unknown collection: "+name)
		return false
	}
	return true
}

func (s *Server) tenantDB(w http.ResponseWriter, r *http.Request) (*serverdb.TenantDB, bool) {
	db, err := s.dbPool.Get(r.Context(), r.PathValue("tenant"))
	if err != nil {
		if errors.Is(err, errInvalidTenant) {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidTenant, err.Error())
			return nil, false
		}
		logFor(r.Context()).Error("open tenant db", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to open tenant database")
		return nil, false
	}
	return db, true
}

// handleMutation handles POST /v1/tenants/{tenant}/mutations.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")

	var req MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	op := models.Op(req.Op)
	switch {
	case req.MutationID == "":
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "mutation_id is required")
		return
	case req.EntityID == "":
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "entity_id is required")
		return
	case !op.Valid():
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid op: "+req.Op)
		return
	}
	if !syncedCollection(w, req.Collection) {
		return
	}

	var payload models.Entity
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "payload must be a json object")
			return
		}
		if id := payload.ID(); id != "" && id != req.EntityID {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "payload id does not match entity_id")
			return
		}
	}
	if op != models.OpDelete && payload == nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "payload is required for "+req.Op)
		return
	}
	var clientTS time.Time
	if req.ClientTimestamp != "" {
		ts, err := models.ParseTimestamp(req.ClientTimestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid client_timestamp")
			return
		}
		clientTS = ts
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-ID")
	}

	db, ok := s.tenantDB(w, r)
	if !ok {
		return
	}
	res, err := db.ApplyMutation(r.Context(), serverdb.Mutation{
		ID:              req.MutationID,
		DeviceID:        deviceID,
		Op:              op,
		Collection:      req.Collection,
		EntityID:        req.EntityID,
		Payload:         payload,
		ClientTimestamp: clientTS,
	})
	if err != nil {
		logFor(r.Context()).Error("apply mutation", "err", err, "mutation", req.MutationID)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to apply mutation")
		return
	}
	s.metrics.RecordMutation(string(res.Status))

	if err := s.store.TouchDevice(r.Context(), tenant, deviceID); err != nil {
		logFor(r.Context()).Warn("touch device", "err", err)
	}

	switch {
	case res.Entity != nil:
		s.hub.Publish(tenant, ChangeMessage{Type: MessageChange, Collection: req.Collection, Entities: []models.Entity{res.Entity}})
	case res.Tombstone != nil:
		s.hub.Publish(tenant, ChangeMessage{Type: MessageChange, Collection: req.Collection, Deleted: []models.Tombstone{*res.Tombstone}})
	}

	logFor(r.Context()).Debug("mutation",
		"collection", req.Collection,
		"entity", req.EntityID,
		"op", req.Op,
		"status", res.Status,
		"seq", res.Seq,
	)
	writeJSON(w, http.StatusOK, MutationResponse{Status: string(res.Status), ServerSeq: res.Seq})
}

// handleListEntities handles GET /v1/tenants/{tenant}/collections/{collection}/entities.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if !syncedCollection(w, collection) {
		return
	}
	db, ok := s.tenantDB(w, r)
	if !ok {
		return
	}
	resp, err := s.collectionState(r.Context(), db, collection)
	if err != nil {
		logFor(r.Context()).Error("list entities", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list entities")
		return
	}
	s.metrics.RecordPull()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) collectionState(ctx context.Context, db *serverdb.TenantDB, collection string) (EntitiesResponse, error) {
	entities, err := db.ListEntities(ctx, collection)
	if err != nil {
		return EntitiesResponse{}, err
	}
	deleted, err := db.ListTombstones(ctx, collection)
	if err != nil {
		return EntitiesResponse{}, err
	}
	return EntitiesResponse{Collection: collection, Entities: entities, Deleted: deleted}, nil
}

// handleWipeCollection handles DELETE /v1/tenants/{tenant}/collections/{collection}.
func (s *Server) handleWipeCollection(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if !syncedCollection(w, collection) {
		return
	}
	db, ok := s.tenantDB(w, r)
	if !ok {
		return
	}
	n, err := db.WipeCollection(r.Context(), collection)
	if err != nil {
		logFor(r.Context()).Error("wipe collection", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to wipe collection")
		return
	}
	logFor(r.Context()).Info("collection wiped", "collection", collection, "deleted", n)
	writeJSON(w, http.StatusOK, WipeResponse{Deleted: n})
}

// handleTenantStatus handles GET /v1/tenants/{tenant}/status.
func (s *Server) handleTenantStatus(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	db, ok := s.tenantDB(w, r)
	if !ok {
		return
	}
	entities, mutations, err := db.Stats(r.Context())
	if err != nil {
		logFor(r.Context()).Error("tenant stats", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read tenant status")
		return
	}
	devices, err := s.store.ListDevices(r.Context(), tenant)
	if err != nil {
		logFor(r.Context()).Error("list devices", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list devices")
		return
	}

	resp := TenantStatusResponse{Entities: entities, Mutations: mutations, Devices: []DeviceResponse{}}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, DeviceResponse{
			DeviceID:  d.DeviceID,
			FirstSeen: d.FirstSeen.Format(time.RFC3339),
			LastSeen:  d.LastSeen.Format(time.RFC3339),
		})
	}
	for _, c := range models.SyncedCollections() {
		if n := s.hub.Count(tenant, c); n > 0 {
			if resp.Subscribers == nil {
				resp.Subscribers = map[string]int{}
			}
			resp.Subscribers[c] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSubscribe handles GET /v1/tenants/{tenant}/collections/{collection}/subscribe.
// The subscriber is registered before the snapshot is read, so no change
// committed after the snapshot can be missed; a change may arrive twice,
// which last-writer-wins merging absorbs.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	collection := r.PathValue("collection")
	if !syncedCollection(w, collection) {
		return
	}
	db, ok := s.tenantDB(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.config.CORSAllowedOrigins})
	if err != nil {
		logFor(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, unsubscribe := s.hub.Subscribe(tenant, collection)
	defer unsubscribe()
	if err := s.store.TouchDevice(r.Context(), tenant, r.Header.Get("X-Device-ID")); err != nil {
		logFor(r.Context()).Warn("touch device", "err", err)
	}

	log := logFor(r.Context()).With("collection", collection)
	log.Debug("subscriber connected")

	// Clients never send data frames; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	state, err := s.collectionState(ctx, db, collection)
	if err != nil {
		log.Error("subscribe snapshot", "err", err)
		conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}
	snapshot, err := json.Marshal(ChangeMessage{
		Type:       MessageSnapshot,
		Collection: collection,
		Entities:   state.Entities,
		Deleted:    state.Deleted,
	})
	if err != nil {
		log.Error("marshal snapshot", "err", err)
		conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}
	if err := writeFrame(ctx, conn, snapshot); err != nil {
		log.Debug("write snapshot", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("subscriber disconnected")
			return
		case <-sub.kicked:
			if sub.slow {
				log.Warn("dropping slow subscriber")
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			} else {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		case data := <-sub.msgs:
			if err := writeFrame(ctx, conn, data); err != nil {
				log.Debug("write change", "err", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
