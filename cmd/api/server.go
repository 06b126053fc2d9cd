package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/producer"
	"github.com/SirClappington/enqworker/internal/rpc"
	"github.com/SirClappington/enqworker/internal/storage"
)

const maxBody = 1 << 20

// outcomeReader is the read side of the Postgres ledger.
type outcomeReader interface {
	Outcomes(ctx context.Context, jobID uuid.UUID) ([]storage.Outcome, error)
}

type caller interface {
	Call(ctx context.Context, payload any) (rpc.Result, error)
}

type api struct {
	jobs     *producer.Producer
	outcomes outcomeReader
	rpc      caller
	ping     func(context.Context) error
	logger   *zap.Logger
}

func (a *api) routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", a.healthz)
	rtr.Post("/v1/jobs", a.enqueue)
	rtr.Get("/v1/jobs/{id}", a.jobStatus)
	rtr.Post("/v1/commands", a.command)
	return rtr
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueResponse struct {
	JobID    uuid.UUID `json:"job_id"`
	RecordID string    `json:"record_id"`
	Stream   string    `json:"stream"`
}

func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	payload, ok := readObject(w, r)
	if !ok {
		return
	}
	job, id, err := a.jobs.SendPayload(r.Context(), payload)
	if err != nil {
		a.logger.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, RecordID: id, Stream: a.jobs.Stream()})
}

func (a *api) jobStatus(w http.ResponseWriter, r *http.Request) {
	if a.outcomes == nil {
		writeError(w, http.StatusNotImplemented, "job ledger not configured")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	outs, err := a.outcomes.Outcomes(r.Context(), id)
	if err != nil {
		a.logger.Error("outcome lookup failed", zap.Stringer("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(outs) == 0 {
		writeError(w, http.StatusNotFound, "no outcome recorded for job "+id.String())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "outcomes": outs})
}

func (a *api) command(w http.ResponseWriter, r *http.Request) {
	if a.rpc == nil {
		writeError(w, http.StatusNotImplemented, "command streams not configured")
		return
	}
	payload, ok := readObject(w, r)
	if !ok {
		return
	}
	res, err := a.rpc.Call(r.Context(), payload)
	switch {
	case errors.Is(err, rpc.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func readObject(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrPayloadNotObject.Error())
		return nil, false
	}
	return body, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "status": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
}
