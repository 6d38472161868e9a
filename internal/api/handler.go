// Package api exposes the engine over the internal REST boundary consumed by
// the web tier.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/rpattn/evmbranch/internal/branch"
	"github.com/rpattn/evmbranch/internal/changeorder"
	"github.com/rpattn/evmbranch/internal/domain"
	"github.com/rpattn/evmbranch/internal/export"
	"github.com/rpattn/evmbranch/internal/merge"
	"github.com/rpattn/evmbranch/internal/versionstore"

	"github.com/google/uuid"
)

// Handler routes the engine's REST endpoints.
type Handler struct {
	store    *versionstore.Store
	branches *branch.Manager
	merger   *merge.Engine
	workflow *changeorder.Workflow
	exports  *export.Service

	mux *http.ServeMux
}

// NewHandler wires the routes.
func NewHandler(
	store *versionstore.Store,
	branches *branch.Manager,
	merger *merge.Engine,
	workflow *changeorder.Workflow,
	exports *export.Service,
) *Handler {
	h := &Handler{
		store:    store,
		branches: branches,
		merger:   merger,
		workflow: workflow,
		exports:  exports,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /api/entities", h.handleCreateEntity)
	h.mux.HandleFunc("GET /api/entities/{kind}/{id}", h.handleResolveEntity)
	h.mux.HandleFunc("PUT /api/entities/{kind}/{id}", h.handleUpdateEntity)
	h.mux.HandleFunc("DELETE /api/entities/{kind}/{id}", h.handleDeleteEntity)
	h.mux.HandleFunc("POST /api/entities/{kind}/{id}/restore", h.handleRestoreEntity)
	h.mux.HandleFunc("GET /api/entities/{kind}/{id}/history", h.handleEntityHistory)

	h.mux.HandleFunc("GET /api/branches", h.handleListBranches)
	h.mux.HandleFunc("POST /api/branches", h.handleCreateBranch)
	h.mux.HandleFunc("GET /api/branches/{name}", h.handleGetBranch)
	h.mux.HandleFunc("DELETE /api/branches/{name}", h.handleDeleteBranch)
	h.mux.HandleFunc("GET /api/branches/{name}/compare", h.handleCompare)
	h.mux.HandleFunc("GET /api/branches/{name}/compare/export", h.handleCompareExport)
	h.mux.HandleFunc("POST /api/branches/{name}/merge", h.handleMerge)
	h.mux.HandleFunc("POST /api/branches/{name}/clone", h.handleCloneBranch)

	h.mux.HandleFunc("GET /api/change-orders", h.handleListChangeOrders)
	h.mux.HandleFunc("POST /api/change-orders", h.handleCreateChangeOrder)
	h.mux.HandleFunc("GET /api/change-orders/{id}", h.handleGetChangeOrder)
	h.mux.HandleFunc("POST /api/change-orders/{id}/approve", h.handleApproveChangeOrder)
	h.mux.HandleFunc("POST /api/change-orders/{id}/execute", h.handleExecuteChangeOrder)
	h.mux.HandleFunc("POST /api/change-orders/{id}/cancel", h.handleCancelChangeOrder)
	h.mux.HandleFunc("POST /api/change-orders/{id}/fork", h.handleForkChangeOrder)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type createEntityPayload struct {
	Kind    string         `json:"kind"`
	Branch  string         `json:"branch"`
	Payload map[string]any `json:"payload"`
}

func (h *Handler) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var body createEntityPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	kind, err := domain.ParseKind(body.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.store.Create(r.Context(), kind, branchOrTrunk(body.Branch), body.Payload)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleResolveEntity(w http.ResponseWriter, r *http.Request) {
	kind, entityID, err := entityParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	opts := versionstore.ResolveOptions{}
	if raw := r.URL.Query().Get("asOf"); raw != "" {
		controlDate, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid asOf timestamp: %w", err))
			return
		}
		opts.ControlDate = &controlDate
	}
	if raw := r.URL.Query().Get("semantics"); raw == "asof" {
		opts.AsOf = true
	}

	resolved, err := h.store.Resolve(r.Context(), kind, entityID, branchOrTrunk(r.URL.Query().Get("branch")), opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

type updateEntityPayload struct {
	Branch  string         `json:"branch"`
	Payload map[string]any `json:"payload"`
}

func (h *Handler) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	kind, entityID, err := entityParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var body updateEntityPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	updated, err := h.store.Update(r.Context(), kind, entityID, branchOrTrunk(body.Branch), body.Payload)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	kind, entityID, err := entityParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	deleted, err := h.store.SoftDelete(r.Context(), kind, entityID, branchOrTrunk(r.URL.Query().Get("branch")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleted)
}

func (h *Handler) handleRestoreEntity(w http.ResponseWriter, r *http.Request) {
	kind, entityID, err := entityParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	restored, err := h.store.Restore(r.Context(), kind, entityID, branchOrTrunk(r.URL.Query().Get("branch")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restored)
}

func (h *Handler) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	kind, entityID, err := entityParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var branchFilter *string
	if raw := r.URL.Query().Get("branch"); raw != "" {
		branchFilter = &raw
	}

	history, err := h.store.History(r.Context(), kind, entityID, branchFilter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.branches.List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

type createBranchPayload struct {
	ChangeOrderID string `json:"changeOrderId"`
}

func (h *Handler) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var body createBranchPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	changeOrderID, err := uuid.Parse(body.ChangeOrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid change order id: %w", err))
		return
	}

	created, err := h.branches.Create(r.Context(), changeOrderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	found, err := h.branches.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *Handler) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.branches.Delete(r.Context(), name); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"branch": name, "status": string(domain.BranchDeleted)})
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	diff, err := h.merger.Compare(r.Context(), r.PathValue("name"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *Handler) handleCompareExport(w http.ResponseWriter, r *http.Request) {
	payload, filename, err := h.exports.ImpactWorkbook(r.Context(), r.PathValue("name"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	if _, err := w.Write(payload); err != nil {
		log.Printf("failed to stream impact workbook: %v", err)
	}
}

type mergePayload struct {
	Force bool `json:"force"`
}

func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var body mergePayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	// A direct merge previews inside the same transaction, so staleness
	// cannot arise; the preview-checked path runs through change-order
	// execution.
	result, err := h.merger.Merge(r.Context(), name, merge.MergeOptions{Force: body.Force})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCloneBranch(w http.ResponseWriter, r *http.Request) {
	var body createBranchPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	changeOrderID, err := uuid.Parse(body.ChangeOrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid change order id: %w", err))
		return
	}

	clone, err := h.branches.Clone(r.Context(), r.PathValue("name"), changeOrderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, clone)
}

func (h *Handler) handleListChangeOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.workflow.List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

type changeOrderPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *Handler) handleCreateChangeOrder(w http.ResponseWriter, r *http.Request) {
	var body changeOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if body.Title == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}

	order, err := h.workflow.Create(r.Context(), body.Title, body.Description)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) handleGetChangeOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid change order id: %w", err))
		return
	}

	order, err := h.workflow.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleApproveChangeOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid change order id: %w", err))
		return
	}

	order, err := h.workflow.Approve(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type executePayload struct {
	Force bool `json:"force"`
}

func (h *Handler) handleExecuteChangeOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid change order id: %w", err))
		return
	}

	var body executePayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	order, result, err := h.workflow.Execute(r.Context(), id, body.Force)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changeOrder": order,
		"merge":       result,
	})
}

func (h *Handler) handleCancelChangeOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid change order id: %w", err))
		return
	}

	order, err := h.workflow.Cancel(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleForkChangeOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid change order id: %w", err))
		return
	}

	var body changeOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if body.Title == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}

	order, err := h.workflow.Fork(r.Context(), id, body.Title, body.Description)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func entityParams(r *http.Request) (domain.Kind, uuid.UUID, error) {
	kind, err := domain.ParseKind(r.PathValue("kind"))
	if err != nil {
		return "", uuid.Nil, err
	}
	entityID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("invalid entity id: %w", err)
	}
	return kind, entityID, nil
}

func branchOrTrunk(name string) string {
	if name == "" {
		return domain.TrunkBranch
	}
	return name
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var stale *domain.StaleMergeError
	if errors.As(err, &stale) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     stale.Error(),
			"conflicts": stale.Conflicts,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrEntityNotFound),
		errors.Is(err, domain.ErrBranchNotFound),
		errors.Is(err, domain.ErrChangeOrderNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrBranchLocked),
		errors.Is(err, domain.ErrAlreadyDeleted),
		errors.Is(err, domain.ErrNotDeleted),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrStaleMerge),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrBranchExists):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
