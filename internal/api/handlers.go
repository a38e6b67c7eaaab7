package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teamsync/relay/internal/archive"
	"github.com/teamsync/relay/internal/crdt"
	"github.com/teamsync/relay/internal/ws"
)

type API struct {
	hub   *ws.Hub
	store *archive.Store
	log   *slog.Logger
}

// New builds the HTTP API. store may be nil, which disables the snapshot
// routes.
func New(hub *ws.Hub, store *archive.Store, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		hub:   hub,
		store: store,
		log:   logger,
	}
}

// Router mounts every API route.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/stats", a.StatsHandler)
	r.Get("/rooms", a.ActiveRoomsHandler)

	if a.store != nil {
		r.Route("/rooms/{room}/snapshots", func(r chi.Router) {
			r.Get("/", a.ListSnapshotsHandler)
			r.Post("/", a.CreateSnapshotHandler)
		})
		r.Route("/snapshots/{id}", func(r chi.Router) {
			r.Get("/", a.GetSnapshotHandler)
			r.Delete("/", a.DeleteSnapshotHandler)
			r.Post("/restore", a.RestoreSnapshotHandler)
		})
	}

	return r
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error("encoding JSON response failed", slog.Any("error", err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		if n, err := a.store.Count(); err == nil {
			stats["stored_snapshots"] = n
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

type activeRoom struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
	Updates int    `json:"updates"`
}

func (a *API) ActiveRoomsHandler(w http.ResponseWriter, r *http.Request) {
	active := a.hub.GetActiveRooms()

	rooms := make([]activeRoom, 0, len(active))
	for name, members := range active {
		entry := activeRoom{Name: name, Members: members}
		if _, count, ok := a.hub.EncodeRoomState(name); ok {
			entry.Updates = count
		}
		rooms = append(rooms, entry)
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// Snapshot handlers

type createSnapshotRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (a *API) CreateSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	roomName := chi.URLParam(r, "room")

	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		a.errorResponse(w, http.StatusBadRequest, "Snapshot name is required")
		return
	}

	state, count, ok := a.hub.EncodeRoomState(roomName)
	if !ok {
		a.errorResponse(w, http.StatusNotFound, "Room is not active")
		return
	}

	snap, err := a.store.Save(roomName, req.Name, req.Description, state, count)
	if err != nil {
		a.log.Error("saving snapshot failed",
			slog.String("room", roomName), slog.Any("error", err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to save snapshot")
		return
	}

	a.jsonResponse(w, http.StatusCreated, snap)
}

func (a *API) ListSnapshotsHandler(w http.ResponseWriter, r *http.Request) {
	roomName := chi.URLParam(r, "room")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	snaps, err := a.store.ListByRoom(roomName, limit, offset)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list snapshots")
		return
	}
	if snaps == nil {
		snaps = []archive.Snapshot{}
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"snapshots": snaps,
		"limit":     limit,
		"offset":    offset,
	})
}

func (a *API) GetSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.snapshotFromPath(w, r)
	if !ok {
		return
	}
	a.jsonResponse(w, http.StatusOK, snap)
}

func (a *API) DeleteSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid snapshot ID")
		return
	}

	if err := a.store.Delete(id); err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			a.errorResponse(w, http.StatusNotFound, "Snapshot not found")
			return
		}
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete snapshot")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// RestoreSnapshotHandler merges a stored snapshot back into its room. The
// room is activated with the snapshot as pending state if it is currently
// idle; live members receive the resulting full state immediately.
func (a *API) RestoreSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.snapshotFromPath(w, r)
	if !ok {
		return
	}

	updates := crdt.SplitUpdates(snap.State)
	if err := a.hub.SeedRoom(snap.Room, updates); err != nil {
		if errors.Is(err, ws.ErrNothingToSeed) {
			a.errorResponse(w, http.StatusUnprocessableEntity, "Snapshot holds no updates")
			return
		}
		a.log.Error("restoring snapshot failed",
			slog.Int64("snapshot", snap.ID), slog.Any("error", err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to restore snapshot")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":   "restored",
		"room":     snap.Room,
		"restored": len(updates),
	})
}

func (a *API) snapshotFromPath(w http.ResponseWriter, r *http.Request) (*archive.Snapshot, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid snapshot ID")
		return nil, false
	}

	snap, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			a.errorResponse(w, http.StatusNotFound, "Snapshot not found")
			return nil, false
		}
		a.errorResponse(w, http.StatusInternalServerError, "Failed to load snapshot")
		return nil, false
	}
	return snap, true
}
