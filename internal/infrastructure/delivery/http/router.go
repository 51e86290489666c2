// Package httprouter exposes the orchestrator over HTTP.
package httprouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"mediaq/internal/consts"
	"mediaq/internal/entity"
	"mediaq/internal/errs"
	"mediaq/internal/infrastructure/delivery/http/middleware"
	"mediaq/internal/infrastructure/delivery/http/request"
	"mediaq/internal/infrastructure/delivery/http/response"
	"mediaq/internal/observability"
	"mediaq/internal/service"
)

const eventsHeartbeat = 15 * time.Second

// HistoryLister reads finished jobs.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]entity.Job, error)
}

// Deps are the collaborators of the router.
type Deps struct {
	Service        service.Orchestrator
	History        HistoryLister // optional
	Metrics        *observability.Metrics
	HandlerTimeout time.Duration
}

type Router struct {
	*http.ServeMux
	log         *slog.Logger
	globalChain []func(http.Handler) http.Handler
	routeChain  []func(http.Handler) http.Handler
	isSubRouter bool

	svc            service.Orchestrator
	history        HistoryLister
	metrics        *observability.Metrics
	handlerTimeout time.Duration
}

func New(log *slog.Logger, deps Deps) *Router {
	timeout := deps.HandlerTimeout
	if timeout <= 0 {
		timeout = consts.DefaultHandlerTimeout
	}

	r := &Router{
		ServeMux:       http.NewServeMux(),
		log:            log.With(slog.String("package", "httprouter")),
		svc:            deps.Service,
		history:        deps.History,
		metrics:        deps.Metrics,
		handlerTimeout: timeout,
	}

	r.SetGlobalMiddlewares()
	r.SetRoutes()

	return r
}

func (r *Router) Use(middleware ...func(http.Handler) http.Handler) {
	if r.isSubRouter {
		r.routeChain = append(r.routeChain, middleware...)
	} else {
		r.globalChain = append(r.globalChain, middleware...)
	}
}

func (r *Router) Group(fn func(r *Router)) {
	subRouter := &Router{
		isSubRouter: true,
		routeChain:  slices.Clone(r.routeChain),
		ServeMux:    r.ServeMux,
	}

	fn(subRouter)
}

func (r *Router) HandleFunc(pattern string, h http.HandlerFunc) {
	r.Handle(pattern, h)
}

func (r *Router) Handle(pattern string, h http.Handler) {
	for _, middleware := range slices.Backward(r.routeChain) {
		h = middleware(h)
	}

	r.ServeMux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var h http.Handler = r.ServeMux

	for _, middleware := range slices.Backward(r.globalChain) {
		h = middleware(h)
	}

	h.ServeHTTP(w, req)
}

func (r *Router) SetGlobalMiddlewares() {
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		middleware.Logger,
		middleware.Metrics(r.metrics),
	)
}

func (ro *Router) SetRoutes() {
	ro.HandleFunc("GET /v1/readyz", ro.Ready)
	ro.Handle("GET /metrics", ro.metrics.Handler())

	// the event stream is long-lived and must not inherit the handler timeout
	ro.HandleFunc("GET /v1/events", ro.Events)

	ro.Group(func(r *Router) {
		r.Use(withTimeout(ro.handlerTimeout))

		r.HandleFunc("POST /v1/jobs", ro.SubmitJob)
		r.HandleFunc("POST /v1/playlists", ro.SubmitPlaylist)
		r.HandleFunc("GET /v1/jobs", ro.GetJobs)
		r.HandleFunc("GET /v1/jobs/{id}", ro.GetJob)
		r.HandleFunc("DELETE /v1/jobs/{id}", ro.CancelJob)
		r.HandleFunc("DELETE /v1/jobs", ro.CancelAll)
		r.HandleFunc("GET /v1/stats", ro.GetStats)
		r.HandleFunc("GET /v1/history", ro.GetHistory)
	})
}

func withTimeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (ro *Router) Ready(w http.ResponseWriter, _ *http.Request) {
	if !ro.svc.Ready() {
		response.ServiceUnavailable(w, consts.RespToolNotReady, errs.ErrToolNotReady)

		return
	}

	response.OK(w, consts.RespReady, nil)
}

func (ro *Router) SubmitJob(w http.ResponseWriter, r *http.Request) {
	log := ro.log.With(slog.String("handler", "SubmitJob"))
	ctx := r.Context()

	in, ok := ro.decodeSubmit(w, r, log)
	if !ok {
		return
	}

	job, err := ro.svc.Submit(ctx, in.URL, in.Options)
	if err != nil {
		ro.submitError(ctx, w, log, consts.RespJobSubmitFail, err, nil)

		return
	}

	response.Accepted(w, consts.RespJobSubmitted, job)
}

func (ro *Router) SubmitPlaylist(w http.ResponseWriter, r *http.Request) {
	log := ro.log.With(slog.String("handler", "SubmitPlaylist"))
	ctx := r.Context()

	in, ok := ro.decodeSubmit(w, r, log)
	if !ok {
		return
	}

	jobs, err := ro.svc.SubmitPlaylist(ctx, in.URL, in.Options)
	if err != nil {
		// entries submitted before the failure keep running
		if len(jobs) > 0 {
			ids := make([]string, 0, len(jobs))
			for _, job := range jobs {
				ids = append(ids, job.ID)
			}

			log = log.With(slog.Any("submitted_ids", ids))
		}

		ro.submitError(ctx, w, log, consts.RespPlaylistSubmitFail, err, jobs)

		return
	}

	response.Accepted(w, consts.RespPlaylistSubmitted, jobs)
}

func (ro *Router) decodeSubmit(w http.ResponseWriter, r *http.Request, log *slog.Logger) (request.Submit, bool) {
	ctx := r.Context()

	var in request.Submit
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		log.ErrorContext(ctx, consts.RespInvalidRequestBody, slog.Any("error", err))
		response.BadRequest(w, consts.RespInvalidRequestBody, errs.ErrInvalidRequestBody)

		return in, false
	}

	if err := in.Validate(); err != nil {
		log.ErrorContext(ctx, consts.RespUnprocessableEntity, slog.Any("error", err))
		response.UnprocessableEntity(w, consts.RespUnprocessableEntity, err)

		return in, false
	}

	return in, true
}

// submitError maps a submission error to its status. data carries any jobs
// that were created before the error.
func (ro *Router) submitError(ctx context.Context,
	w http.ResponseWriter,
	log *slog.Logger,
	msg string,
	err error,
	data any) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, errs.ErrInvalidURL),
		errors.Is(err, errs.ErrInvalidOptions),
		errors.Is(err, errs.ErrCookieFileNotFound),
		errors.Is(err, errs.ErrExpansionFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrToolNotReady), errors.Is(err, errs.ErrServiceClosed):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		log.ErrorContext(ctx, msg, slog.Any("error", err))
	} else {
		log.WarnContext(ctx, msg, slog.Any("error", err))
	}

	response.WriteJSON(w, status, msg, data, err)
}

func (ro *Router) GetJobs(w http.ResponseWriter, r *http.Request) {
	response.OK(w, consts.RespJobsRetrieved, ro.svc.List(r.Context()))
}

func (ro *Router) GetJob(w http.ResponseWriter, r *http.Request) {
	log := ro.log.With(slog.String("handler", "GetJob"))
	ctx := r.Context()

	job, err := ro.svc.Get(ctx, r.PathValue("id"))
	if err != nil {
		log.DebugContext(ctx, consts.RespJobNotFound, slog.String("job_id", r.PathValue("id")))
		response.NotFound(w, consts.RespJobNotFound, err)

		return
	}

	response.OK(w, consts.RespJobRetrieved, job)
}

func (ro *Router) CancelJob(w http.ResponseWriter, r *http.Request) {
	log := ro.log.With(slog.String("handler", "CancelJob"))
	ctx := r.Context()

	id := r.PathValue("id")

	err := ro.svc.Cancel(ctx, id)
	if errors.Is(err, errs.ErrJobNotFound) {
		log.DebugContext(ctx, consts.RespJobNotFound, slog.String("job_id", id))
		response.NotFound(w, consts.RespJobNotFound, err)

		return
	}

	if err != nil {
		log.ErrorContext(ctx, "cancel job failed", slog.Any("error", err))
		response.InternalServerError(w, "cancel job failed", err)

		return
	}

	log.InfoContext(ctx, consts.RespJobCanceled, slog.String("job_id", id))

	response.Accepted(w, consts.RespJobCanceled, map[string]string{"id": id})
}

func (ro *Router) CancelAll(w http.ResponseWriter, r *http.Request) {
	count := ro.svc.CancelAll(r.Context())

	ro.log.InfoContext(r.Context(), consts.RespJobsCanceled, slog.Int("count", count))

	response.Accepted(w, consts.RespJobsCanceled, map[string]int{"canceled": count})
}

func (ro *Router) GetStats(w http.ResponseWriter, r *http.Request) {
	response.OK(w, consts.RespStatsRetrieved, ro.svc.Stats(r.Context()))
}

func (ro *Router) GetHistory(w http.ResponseWriter, r *http.Request) {
	log := ro.log.With(slog.String("handler", "GetHistory"))
	ctx := r.Context()

	limit := consts.DefaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.BadRequest(w, consts.RespQueryParamMissing, fmt.Errorf("limit: %q", raw))

			return
		}

		limit = parsed
	}

	if ro.history == nil {
		response.OK(w, consts.RespHistoryRetrieved, []entity.Job{})

		return
	}

	jobs, err := ro.history.List(ctx, limit)
	if err != nil {
		log.ErrorContext(ctx, consts.RespHistoryFail, slog.Any("error", err))
		response.InternalServerError(w, consts.RespHistoryFail, err)

		return
	}

	if jobs == nil {
		jobs = []entity.Job{}
	}

	response.OK(w, consts.RespHistoryRetrieved, jobs)
}

// Events streams job events as server-sent events until the client leaves.
// The first event is a stats snapshot.
func (ro *Router) Events(w http.ResponseWriter, r *http.Request) {
	log := ro.log.With(slog.String("handler", "Events"))
	ctx := r.Context()
	rc := http.NewResponseController(w)

	events := ro.svc.Subscribe(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, "stats", ro.svc.Stats(ctx)); err != nil {
		log.DebugContext(ctx, "write event", slog.Any("error", err))

		return
	}

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}

			_ = rc.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}

			if err := writeEvent(w, rc, string(event.Type), event); err != nil {
				log.DebugContext(ctx, "write event", slog.Any("error", err))

				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}

	return nil
}
