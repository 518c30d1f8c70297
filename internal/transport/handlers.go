package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/worker"
)

type textRequest struct {
	Text string `json:"text"`
}

type idResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleRegisterText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.worker.RegisterText(r.Context(), req.Text)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleDeployState(w http.ResponseWriter, r *http.Request) {
	var st pipe.State
	if !s.decode(w, r, &st) {
		return
	}
	if err := s.worker.DeployState(r.Context(), st); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"key": st.Key(), "status": "deployed"})
}

func (s *Server) handleFetchState(w http.ResponseWriter, r *http.Request) {
	requester := r.Header.Get(HeaderWorkerID)
	st, err := s.worker.FetchState(r.Context(), requester, chi.URLParam(r, "pipeline"), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeployPipeline(w http.ResponseWriter, r *http.Request) {
	var def pipe.Definition
	if !s.decode(w, r, &def) {
		return
	}
	if err := s.worker.DeployPipeline(r.Context(), def); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"name": def.Name, "status": "deployed"})
}

func (s *Server) handleFetchPipeline(w http.ResponseWriter, r *http.Request) {
	def, err := s.worker.FetchPipeline(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, def)
}

func (s *Server) handleCreateSubpipeline(w http.ResponseWriter, r *http.Request) {
	var spec worker.SubpipelineSpec
	if !s.decode(w, r, &spec) {
		return
	}
	id, err := s.worker.CreateSubpipeline(r.Context(), spec)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req worker.ExecuteRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Subpipeline = chi.URLParam(r, "id")
	res, err := s.worker.Execute(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if res.Doc != nil {
		snap := res.Doc.Snapshot()
		res.Snapshot = &snap
		res.Doc = nil
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q worker.Query
	if !s.decode(w, r, &q) {
		return
	}
	res, err := s.worker.Query(r.Context(), chi.URLParam(r, "id"), q)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	snap, err := s.worker.TakeDocument(r.Context(), r.Header.Get(HeaderWorkerID), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.worker.Release(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "released"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.worker.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "worker": s.worker.ID()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Kind: nlperr.Code(nlperr.ErrInvalidConfig)})
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.Error(err))
	}
	s.respondJSON(w, status, errorResponse{Error: err.Error(), Kind: nlperr.Code(err)})
}

func statusFor(err error) int {
	if kind, ok := nlperr.RemoteKind(err); ok && (kind == nlperr.KindTimeout || kind == nlperr.KindUnreachable) {
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, nlperr.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, nlperr.ErrObjectNotFound), errors.Is(err, nlperr.ErrComponentNotFound):
		return http.StatusNotFound
	case nlperr.Code(err) == "internal":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
