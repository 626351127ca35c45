package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/cvmctl/api"
	"github.com/ruteri/cvmctl/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler serves the status API on top of an api.InstanceService.
type Handler struct {
	svc api.InstanceService
	log *slog.Logger

	// bg outlives requests; background operations stop when it is cancelled.
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a status API handler for svc.
func NewHandler(svc api.InstanceService, log *slog.Logger) *Handler {
	bg, cancel := context.WithCancel(context.Background())
	return &Handler{
		svc:    svc,
		log:    log,
		bg:     bg,
		cancel: cancel,
	}
}

// Close cancels background operations and waits for them to return.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

// HandleList returns the inventory.
//
// URL format: GET /api/instances[?all=true]
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	insts, err := h.svc.List(r.Context(), all)
	if err != nil {
		h.writeError(w, "Failed to list instances", err)
		return
	}
	if insts == nil {
		insts = []*interfaces.Instance{}
	}
	h.writeJSON(w, http.StatusOK, &api.ListResponse{Instances: insts})
}

// HandleGet returns one record.
//
// URL format: GET /api/instances/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	inst, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, "Failed to get instance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// HandleEvidence returns the evidence history of an instance.
//
// URL format: GET /api/instances/{id}/evidence
func (h *Handler) HandleEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.Get(r.Context(), id); err != nil {
		h.writeError(w, "Failed to get instance", err)
		return
	}
	recs, err := h.svc.Evidence(r.Context(), id)
	if err != nil {
		h.writeError(w, "Failed to read evidence", err)
		return
	}
	if recs == nil {
		recs = []*interfaces.EvidenceRecord{}
	}
	h.writeJSON(w, http.StatusOK, &api.EvidenceResponse{InstanceID: id, Records: recs})
}

// HandleSubmitEvidence applies evidence collected outside of cvmctl.
//
// URL format: POST /api/instances/{id}/evidence
//
// Request body: JSON encoded interfaces.AttestationEvidence
func (h *Handler) HandleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	var ev interfaces.AttestationEvidence
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, fmt.Sprintf("Invalid evidence document: %v", err), http.StatusBadRequest)
		return
	}

	inst, err := h.svc.SubmitEvidence(r.Context(), id, &ev)
	if err != nil {
		h.writeError(w, "Evidence rejected", err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// HandleVerify starts an operator-triggered attestation round.
//
// URL format: POST /api/instances/{id}/verify[?wait=true]
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, "verify", h.svc.Verify)
}

// HandleDestroy destroys an instance.
//
// URL format: POST /api/instances/{id}/destroy[?wait=true]
func (h *Handler) HandleDestroy(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, "destroy", h.svc.Destroy)
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, interfaces.InstanceID) (*interfaces.Instance, error)) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	inst, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, "Failed to get instance", err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		inst, err := fn(r.Context(), id)
		if err != nil {
			h.writeError(w, fmt.Sprintf("Failed to %s instance", op), err)
			return
		}
		h.writeJSON(w, http.StatusOK, inst)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := fn(h.bg, id); err != nil {
			h.log.Error("Background operation failed", slog.String("op", op), slog.String("instance", id.String()), "err", err)
		}
	}()
	h.writeJSON(w, http.StatusAccepted, inst)
}

func (h *Handler) instanceID(w http.ResponseWriter, r *http.Request) (interfaces.InstanceID, bool) {
	id, err := interfaces.ParseInstanceID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid instance id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	status := api.StatusCode(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		h.log.Error(msg, "err", err)
	} else {
		h.log.Debug(msg, "err", err)
	}
	h.writeJSON(w, status, api.NewErrorResponse(err))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
