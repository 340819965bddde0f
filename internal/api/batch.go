package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"benchrunner/internal/audit"
	"benchrunner/internal/coordinator"
	"benchrunner/internal/models"
)

type BatchRouter struct {
	coord         Coordinator
	store         Store
	exporter      Exporter
	watchInterval time.Duration
	upgrader      websocket.Upgrader
	router        chi.Router
}

func (b *BatchRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	b.router.ServeHTTP(writer, request)
}

func NewBatchRouter(deps Deps, watchInterval time.Duration, router chi.Router) *BatchRouter {
	b := &BatchRouter{
		coord:         deps.Coordinator,
		store:         deps.Store,
		exporter:      deps.Exporter,
		watchInterval: watchInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		router: router,
	}
	b.router.Get("/", b.ListBatches)
	b.router.Post("/", b.CreateBatch)
	b.router.Get("/{id}", b.GetBatch)
	b.router.Get("/{id}/progress", b.GetProgress)
	b.router.Get("/{id}/watch", b.Watch)
	b.router.Get("/{id}/changes", b.ListChanges)
	b.router.Post("/{id}/pause", b.Pause)
	b.router.Post("/{id}/resume", b.Resume)
	b.router.Post("/{id}/cancel", b.Cancel)
	b.router.Post("/{id}/dispatch", b.Dispatch)
	b.router.Post("/{id}/export", b.Export)

	return b
}

func (b *BatchRouter) ListBatches(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query()["status"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	batches, err := b.store.ListBatches(r.Context(), statuses...)
	if err != nil {
		serveError(w, err)
		return
	}
	if batches == nil {
		batches = []models.Batch{}
	}
	serveJson(w, batches)
}

func (b *BatchRouter) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var payload coordinator.CreateBatchRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	batch, err := b.coord.CreateBatch(r.Context(), payload)
	if err != nil {
		serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	serveJson(w, batch)
}

func (b *BatchRouter) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	batch, err := b.store.GetBatch(r.Context(), id)
	if err != nil {
		serveError(w, err)
		return
	}
	runs, err := b.store.ListRuns(r.Context(), id)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, BatchDetail{Batch: batch, Runs: runs})
}

func (b *BatchRouter) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	p, err := b.coord.Progress(r.Context(), id)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, p)
}

func (b *BatchRouter) ListChanges(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := b.store.GetBatch(r.Context(), id); err != nil {
		serveError(w, err)
		return
	}
	serveChanges(w, r, b.store, audit.EntityBatch, id)
}

func (b *BatchRouter) Pause(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var payload PauseRequest
	if r.ContentLength > 0 {
		if err := readJson(w, r, &payload); err != nil {
			return
		}
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	batch, err := b.coord.Pause(r.Context(), id, payload.Reason)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, batch)
}

func (b *BatchRouter) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	batch, err := b.coord.Resume(r.Context(), id)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, batch)
}

func (b *BatchRouter) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	batch, err := b.coord.Cancel(r.Context(), id)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, batch)
}

func (b *BatchRouter) Dispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	n, err := b.coord.Dispatch(r.Context(), id)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, DispatchResponse{BatchID: id, Dispatched: n})
}

func (b *BatchRouter) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if b.exporter == nil {
		http.Error(w, "export is not configured", http.StatusServiceUnavailable)
		return
	}

	keys, err := b.exporter.Export(r.Context(), id)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, ExportResponse{BatchID: id, Keys: keys})
}

// Watch streams the batch progress over a websocket until the client leaves or the batch
// settles as COMPLETED, CANCELLED or READY_FOR_NEXT_STAGE. A FAILED batch keeps streaming since
// retrying one of its runs brings it back.
func (b *BatchRouter) Watch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := b.store.GetBatch(r.Context(), id); err != nil {
		serveError(w, err)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Int64("batch_id", id).Msg("Could not upgrade connection")
		return
	}
	defer func() { _ = conn.Close() }()

	ctx := r.Context()
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(b.watchInterval)
	defer ticker.Stop()

	for {
		p, err := b.coord.Progress(ctx, id)
		if err != nil {
			log.Error().Err(err).Int64("batch_id", id).Msg("Could not read progress")
			closeWith(conn, websocket.CloseInternalServerErr, "progress unavailable")
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(p); err != nil {
			return
		}
		if settled(p.Status) {
			closeWith(conn, websocket.CloseNormalClosure, string(p.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

func settled(status models.Status) bool {
	switch status {
	case models.StatusCompleted, models.StatusCancelled, models.StatusReadyForNextStage:
		return true
	default:
		return false
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
