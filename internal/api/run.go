package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"benchrunner/internal/audit"
	"benchrunner/internal/models"
	"benchrunner/internal/progress"
)

type RunRouter struct {
	coord  Coordinator
	store  Store
	router chi.Router
}

func (t *RunRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	t.router.ServeHTTP(writer, request)
}

func NewRunRouter(deps Deps, router chi.Router) *RunRouter {
	r := &RunRouter{
		coord:  deps.Coordinator,
		store:  deps.Store,
		router: router,
	}
	r.router.Get("/{id}", r.GetRun)
	r.router.Get("/{id}/results", r.ListResults)
	r.router.Get("/{id}/changes", r.ListChanges)
	r.router.Post("/{id}/retry", r.Retry)

	return r
}

type RunDetail struct {
	*models.Run
	Progress progress.RunProgress `json:"progress"`
}

func (t *RunRouter) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := t.store.GetRun(r.Context(), id)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, RunDetail{Run: run, Progress: progress.ForRun(run, nowUTC())})
}

func (t *RunRouter) ListResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if _, err := t.store.GetRun(r.Context(), id); err != nil {
		serveError(w, err)
		return
	}
	results, err := t.store.ListResults(r.Context(), id)
	if err != nil {
		serveError(w, err)
		return
	}
	if results == nil {
		results = []models.ItemResult{}
	}
	serveJson(w, results)
}

func (t *RunRouter) ListChanges(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := t.store.GetRun(r.Context(), id); err != nil {
		serveError(w, err)
		return
	}
	serveChanges(w, r, t.store, audit.EntityRun, id)
}

// Retry re-arms a failed run, it continues from its checkpoint
func (t *RunRouter) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := t.coord.RetryRun(r.Context(), id)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, run)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
