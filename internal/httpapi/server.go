package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aicpusched/internal/manager"
	"aicpusched/internal/model"
	"aicpusched/internal/queue"
	"aicpusched/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.ModelStatus
	ModelStatus(id uint32) (types.ModelStatus, error)
	Status() types.StatusResponse
	Ready() bool
	LoadSpec(ctx context.Context, spec types.ModelSpec) error
	Operate(ctx context.Context, id uint32, op string) (string, error)
	ProcessDataException(id uint32, transID uint64, action model.ExceptionAction) error
	Enqueue(queueID uint32, transID uint64, routeLabel uint32, data []byte) error
	Dequeue(queueID uint32) (queue.Header, []byte, error)
}

var _ Service = (*manager.Manager)(nil)

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(MetricsMiddleware)

	h := &handlers{svc: svc}

	r.Get("/status", h.status)
	r.Get("/models", h.listModels)
	r.Post("/models", h.loadModel)
	r.Get("/models/{id}", h.getModel)
	r.Post("/models/{id}/exceptions", h.exception)
	r.Post("/models/{id}/{op}", h.operate)
	r.Post("/queues/{id}/enqueue", h.enqueue)
	r.Post("/queues/{id}/dequeue", h.dequeue)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("closing"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

type handlers struct {
	svc Service
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON enforces the content type and body limit, then decodes into v.
// It writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// idParam parses the uint32 path parameter id.
func idParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid id "+strconv.Quote(raw))
		return 0, false
	}
	return uint32(id), true
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	models := h.svc.ListModels()
	if models == nil {
		models = []types.ModelStatus{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

func (h *handlers) getModel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	st, err := h.svc.ModelStatus(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// statusAfter reads the model status for an operation response. A model
// that no longer exists reports uninit.
func (h *handlers) statusAfter(id uint32) string {
	st, err := h.svc.ModelStatus(id)
	if err != nil {
		return model.StatusUninit.String()
	}
	return st.Status
}

func (h *handlers) loadModel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var spec types.ModelSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	if err := h.svc.LoadSpec(ctx, spec); err != nil {
		logOp(r, "load", writeServiceError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.OperationResponse{
		ModelID:   spec.ID,
		Operation: "load",
		Status:    h.statusAfter(spec.ID),
		OpID:      uuid.NewString(),
	})
	logOp(r, "load", http.StatusCreated, start, nil)
}

func (h *handlers) operate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	op := chi.URLParam(r, "op")
	ctx, cancel := opContext(r)
	defer cancel()
	opID, err := h.svc.Operate(ctx, id, op)
	if err != nil {
		logOp(r, op, writeServiceError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OperationResponse{
		ModelID:   id,
		Operation: op,
		Status:    h.statusAfter(id),
		OpID:      opID,
	})
	logOp(r, op, http.StatusOK, start, nil)
}

func (h *handlers) exception(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req types.ExceptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	action, err := manager.ParseExceptionAction(req.Action)
	if err == nil {
		err = h.svc.ProcessDataException(id, req.TransID, action)
	}
	if err != nil {
		logOp(r, "exception", writeServiceError(w, err), start, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	logOp(r, "exception", http.StatusNoContent, start, nil)
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req types.EnqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.Enqueue(id, req.TransID, req.RouteLabel, req.Data); err != nil {
		logOp(r, "enqueue", writeServiceError(w, err), start, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	logOp(r, "enqueue", http.StatusAccepted, start, nil)
}

func (h *handlers) dequeue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	hdr, data, err := h.svc.Dequeue(id)
	if errors.Is(err, queue.ErrEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		logOp(r, "dequeue", writeServiceError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DequeueResponse{
		QueueID:    id,
		TransID:    hdr.TransID,
		RouteLabel: hdr.RouteLabel,
		Data:       data,
	})
	logOp(r, "dequeue", http.StatusOK, start, nil)
}
