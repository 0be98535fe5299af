package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/federation"
	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/pkg/models"
)

// maxBodyBytes bounds request bodies; content itself is capped at 50 KB
// by the module layer, so 1 MB leaves ample room for metadata.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are out; nothing left to do but note it.
		return
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeJSON(w, statusFor(kind), errorResponse{Error: err.Error(), Kind: kind.String()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalid:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindTransient, errs.KindDegraded:
		return http.StatusServiceUnavailable
	case errs.KindReconcile:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errs.Wrap(errs.KindInvalid, err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

type moduleView struct {
	models.ModuleDescriptor
	Health *models.ModuleHealth `json:"health,omitempty"`
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	descriptors := s.registry.Descriptors()
	views := make([]moduleView, 0, len(descriptors))
	for _, d := range descriptors {
		view := moduleView{ModuleDescriptor: d}
		if health, ok := s.registry.Health(d.ID); ok {
			h := health
			view.Health = &h
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": views})
}

type searchRequest struct {
	UserID           string   `json:"user_id"`
	Query            string   `json:"query"`
	Limit            *int     `json:"limit"`
	MinScore         *float64 `json:"min_score"`
	Modules          []string `json:"modules"`
	IncludeEmbedding bool     `json:"include_embedding"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Query == "" {
		writeError(w, errs.New(errs.KindInvalid, "query is required"))
		return
	}

	opts := federation.SearchOptions{
		Limit:            federation.DefaultLimit,
		MinScore:         federation.DefaultMinScore,
		Modules:          req.Modules,
		IncludeEmbedding: req.IncludeEmbedding,
	}
	if req.Limit != nil {
		opts.Limit = *req.Limit
	}
	if req.MinScore != nil {
		opts.MinScore = *req.MinScore
	}

	start := time.Now()
	resp, err := s.orch.Search(r.Context(), req.UserID, req.Query, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordSearch(r.Context(), len(resp.Routing), resp.Partial, time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

type storeRequest struct {
	UserID   string         `json:"user_id"`
	Module   string         `json:"module"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.orch.Store(r.Context(), req.UserID, req.Module, req.Content, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordStore(r.Context(), req.Module, result.Indexed)

	status := http.StatusCreated
	if !result.Indexed {
		// Row persisted, index pending reconciliation.
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "module")
	memoryID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, errs.New(errs.KindInvalid, "user_id query parameter is required"))
		return
	}

	inst, ok := s.registry.Get(moduleID)
	if !ok {
		writeError(w, errs.New(errs.KindInvalid, "unknown module %q", moduleID))
		return
	}

	memory, err := inst.Get(r.Context(), userID, memoryID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memory)
}

type updateRequest struct {
	UserID   string         `json:"user_id"`
	Content  *string        `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "module")
	memoryID := chi.URLParam(r, "id")

	var req updateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	inst, ok := s.registry.Get(moduleID)
	if !ok {
		writeError(w, errs.New(errs.KindInvalid, "unknown module %q", moduleID))
		return
	}

	updated, err := inst.Update(r.Context(), req.UserID, memoryID, module.UpdatePatch{
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil && !errs.IsReconcile(err) {
		writeError(w, err)
		return
	}
	if !updated {
		writeError(w, errs.New(errs.KindNotFound, "memory %s not found", memoryID))
		return
	}
	s.orch.InvalidateUser(r.Context(), req.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"updated": true,
		"indexed": err == nil,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "module")
	memoryID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, errs.New(errs.KindInvalid, "user_id query parameter is required"))
		return
	}

	result, err := s.orch.Delete(r.Context(), userID, moduleID, memoryID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordDelete(r.Context(), moduleID, result.Deleted)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, errs.New(errs.KindInvalid, "user_id query parameter is required"))
		return
	}

	stats := make(map[string]models.ModuleStats)
	for _, inst := range s.registry.ListActive() {
		st, err := inst.Stats(r.Context(), userID)
		if err != nil {
			s.logger.Warn().Err(err).Str("module", inst.ID()).Msg("Stats collection failed")
			continue
		}
		stats[inst.ID()] = st
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"modules": stats,
	})
}
