// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/novasolve/nova-cmo-sub003/internal/engine"
	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

// Service is the part of the engine the API serves.
type Service interface {
	SubmitJob(ctx context.Context, goal, createdBy string) (string, error)
	GetJobStatus(ctx context.Context, id string) (*engine.JobStatus, error)
	ListJobs(ctx context.Context) ([]engine.JobSummary, error)
	GetStats(ctx context.Context) (*engine.Stats, error)
	CancelJob(ctx context.Context, id string) (*model.Job, error)
}

var _ Service = (*engine.Engine)(nil)

type handler struct {
	svc Service
	log logrus.FieldLogger
}

func NewRouter(svc Service, log logrus.FieldLogger) http.Handler {
	h := &handler{svc: svc, log: log}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(requestLogger(log))
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", h.health)
	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Post("/jobs", h.submit)
		rtr.Get("/jobs", h.list)
		rtr.Get("/jobs/{id}", h.get)
		rtr.Post("/jobs/{id}/cancel", h.cancel)
		rtr.Get("/stats", h.stats)
	})
	return rtr
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}

const maxBodyBytes = 1 << 20

type submitRequest struct {
	Goal      string `json:"goal"`
	CreatedBy string `json:"created_by"`
}

type submitResponse struct {
	ID     string       `json:"id"`
	Status model.Status `json:"status"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body over %d bytes", maxBodyBytes))
			return
		}
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}
	id, err := h.svc.SubmitJob(r.Context(), req.Goal, req.CreatedBy)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{ID: id, Status: model.StatusQueued})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.ListJobs(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := model.ParseStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("unknown status "+s))
			return
		}
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == st {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.svc.GetJobStatus(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if st == nil {
		h.fail(w, model.NotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrEngineClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
