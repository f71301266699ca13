// Package admin serves the node's HTTP status endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/execctx"
	"github.com/maxpert/wsrepd/status"
	"github.com/maxpert/wsrepd/store"
	"github.com/maxpert/wsrepd/wsrep"
)

// Node is the part of the server service the admin endpoints read.
type Node interface {
	Globals() *status.Globals
	Position() wsrep.GTID
	GetView(client execctx.ClientState, ownID wsrep.ID) (wsrep.View, error)
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	node     Node
	nodeID   wsrep.ID
	registry *execctx.Registry
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(node Node, nodeID wsrep.ID, registry *execctx.Registry) *AdminHandlers {
	return &AdminHandlers{
		node:     node,
		nodeID:   nodeID,
		registry: registry,
	}
}

func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.node.Globals().Snapshot())
}

type checkpointResponse struct {
	GTID        string `json:"gtid"`
	ClusterUUID string `json:"cluster_uuid"`
	Seqno       int64  `json:"seqno"`
	Undefined   bool   `json:"undefined"`
}

func (h *AdminHandlers) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	pos := h.node.Position()
	writeJSONResponse(w, checkpointResponse{
		GTID:        pos.String(),
		ClusterUUID: pos.ID.String(),
		Seqno:       int64(pos.Seqno),
		Undefined:   pos.IsUndefined(),
	})
}

type viewResponse struct {
	wsrep.View
	StatusName string `json:"status_name"`
}

func (h *AdminHandlers) handleView(w http.ResponseWriter, r *http.Request) {
	// the view is read on a short-lived admin thread of its own
	vars := h.registry.Alloc("admin")
	defer h.registry.Free(vars)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	client := execctx.NewClient(ctx, execctx.NewThread("admin", vars), nil)

	v, err := h.node.GetView(client, h.nodeID)
	if errors.Is(err, store.ErrViewNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "no view stored yet")
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("Admin failed to read view")
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSONResponse(w, viewResponse{View: v, StatusName: v.Status.String()})
}

func (h *AdminHandlers) handleThreads(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"count": h.registry.Len(),
		"ids":   h.registry.Snapshot(),
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
