package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"docbatch/internal/auth"
	"docbatch/internal/batch"
	"docbatch/internal/catalog"
	"docbatch/internal/database"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
	"docbatch/internal/naming"
	"docbatch/internal/progress"
	"docbatch/internal/service"
)

// BatchService runs and reports batches.
type BatchService interface {
	Run(ctx context.Context, req service.Request, ui progress.UI) (*batch.Result, error)
	Report(ctx context.Context, res *batch.Result) error
}

// BatchOptions holds the defaults used when a request omits the matching
// query flag. Timeout bounds a whole batch; 0 leaves it to the client.
type BatchOptions struct {
	Group          bool
	ExcludeFolders bool
	Timeout        time.Duration
}

// BatchHandler serves folder and subject batches as zip downloads.
type BatchHandler struct {
	logger   *zap.Logger
	svc      BatchService
	history  database.Store
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	opts     BatchOptions
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(
	logger *zap.Logger,
	svc BatchService,
	history database.Store,
	verifier *auth.Verifier,
	m *metrics.Metrics,
	opts BatchOptions,
) *BatchHandler {
	if history == nil {
		history = database.NopStore{}
	}
	return &BatchHandler{
		logger:   logger,
		svc:      svc,
		history:  history,
		verifier: verifier,
		metrics:  m,
		opts:     opts,
	}
}

// Folder downloads every document of an upload.
func (h *BatchHandler) Folder(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, service.KindFolder)
}

// Subject downloads every document of a subject.
func (h *BatchHandler) Subject(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, service.KindSubject)
}

func (h *BatchHandler) serve(w http.ResponseWriter, r *http.Request, kind service.Kind) {
	ctx := r.Context()
	logger := h.logger.With(zap.String("request_id", GetRequestID(ctx)), zap.String("kind", string(kind)))

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, http.StatusBadRequest, "invalid id")
		return
	}
	logger = logger.With(zap.Int64("id", id))

	query := r.URL.Query()
	if err := h.verifier.Verify(auth.Resource(string(kind), id), query.Get("expiry"), query.Get("signature")); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrExpired) {
			status = http.StatusGone
			logger.Warn("expired request")
		} else {
			logger.Warn("verification failed", zap.Error(err))
		}
		h.fail(w, status, err.Error())
		return
	}

	req := service.Request{
		Kind:           kind,
		ID:             id,
		Group:          queryBool(query.Get("group"), h.opts.Group),
		ExcludeFolders: queryBool(query.Get("exclude_folders"), h.opts.ExcludeFolders),
	}
	if kind == service.KindFolder {
		req.ExcludeFolders = false
	}

	runCtx := ctx
	if h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}

	ui := progress.NewLog(runCtx, logger)
	defer ui.Remove()

	res, err := h.svc.Run(runCtx, req, ui)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, catalog.ErrNoDocuments) || errors.Is(err, catalog.ErrAllFiltered) {
			status = http.StatusNotFound
		}
		logger.Warn("listing failed", zap.Error(err))
		h.fail(w, status, err.Error())
		return
	}

	// The report outlives the request; a disconnect must not drop it.
	defer func() {
		go func() {
			if err := h.svc.Report(context.WithoutCancel(ctx), res); err != nil {
				logger.Warn("batch report incomplete", zap.String("batch_id", res.Record.ID), zap.Error(err))
			}
		}()
	}()

	if ctx.Err() != nil {
		h.metrics.ClientDisconnectsTotal.Inc()
		logger.Warn("client disconnected", zap.String("batch_id", res.Record.ID), zap.Error(ctx.Err()))
		return
	}

	if res.Archive == nil {
		status := http.StatusBadGateway
		if res.Record.Status == models.BatchCancelled {
			status = http.StatusServiceUnavailable
		}
		h.writeJSON(w, status, batchResponse{Record: &res.Record, Message: res.Message()})
		return
	}

	filename := naming.Sanitize(res.Archive.Name)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Archive.Data)))
	w.Header().Set("X-Batch-ID", res.Record.ID)
	w.Header().Set("X-Batch-Status", string(res.Record.Status))

	out := &models.ByteCounter{Writer: w}
	if _, err := out.Write(res.Archive.Data); err != nil {
		h.metrics.ClientDisconnectsTotal.Inc()
		logger.Warn("archive write interrupted", zap.Int64("written", out.Count), zap.Error(err))
		return
	}
	h.metrics.RequestsTotal.WithLabelValues("200").Inc()

	logger.Info("batch served",
		zap.String("batch_id", res.Record.ID),
		zap.String("status", string(res.Record.Status)),
		zap.Int("succeeded", res.Record.Succeeded),
		zap.Int("skipped", len(res.Record.Skipped)),
		zap.Int64("bytes", out.Count),
	)
}

// Get returns a recorded batch.
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		h.fail(w, http.StatusBadRequest, "missing id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rec, err := h.history.GetBatch(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		h.fail(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load batch", zap.String("batch_id", id), zap.Error(err))
		h.fail(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, batchResponse{Record: rec})
}

type batchResponse struct {
	Error   string              `json:"error,omitempty"`
	Message string              `json:"message,omitempty"`
	Record  *models.BatchRecord `json:"batch,omitempty"`
}

func (h *BatchHandler) fail(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, batchResponse{Error: msg})
}

func (h *BatchHandler) writeJSON(w http.ResponseWriter, status int, body batchResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
	h.metrics.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func queryBool(s string, fallback bool) bool {
	if s == "" {
		return fallback
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}
