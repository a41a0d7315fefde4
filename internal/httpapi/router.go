package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"

	"offlinewatch/internal/device"
	"offlinewatch/internal/notifier"
	"offlinewatch/internal/offline"
	"offlinewatch/internal/scheduler"
	logx "offlinewatch/pkg/logx"
)

// Job is the part of *offline.Job the API drives.
type Job interface {
	Run(ctx context.Context) (offline.Report, error)
	Thresholds() offline.Thresholds
	OnConfigurationUpdate(t offline.Thresholds) error
	OnDeviceConnect(id device.ID)
	OnDeviceDisconnect(id device.ID) time.Time
	Registry() *offline.Registry
}

// StateStore persists connectivity changes so a restart reseeds the registry.
type StateStore interface {
	MarkOffline(ctx context.Context, id device.ID, since time.Time) error
	MarkOnline(ctx context.Context, id device.ID) error
}

// History lists recent deliveries, newest last.
type History interface {
	Snapshot() []notifier.HistoryItem
	Pending() int
}

// Schedules reports the state of the periodic triggers.
type Schedules interface {
	Snapshot() scheduler.Snapshot
}

type Deps struct {
	Job     Job
	Store   StateStore // optional
	History History    // optional
	Sched   Schedules  // optional
	Log     logx.Logger
	Now     func() time.Time
}

type RouterConfig struct {
	CORSOrigins []string
	JWTSecret   string
}

// NewRouter builds the chi router with the middleware stack and all routes.
func NewRouter(d Deps, cfg RouterConfig) *chi.Mux {
	h := newHandler(d)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(h.log))
	r.Use(middleware.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		c := corslib.New(corslib.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
		})
		r.Use(c.Handler)
	}

	r.Get("/healthz", h.health)

	r.Route("/v1", func(r chi.Router) {
		if s := strings.TrimSpace(cfg.JWTSecret); s != "" {
			r.Use(bearerAuth([]byte(s)))
		}

		r.Get("/devices/offline", h.offlineDevices)
		r.Post("/devices/{id}/connect", h.connect)
		r.Post("/devices/{id}/disconnect", h.disconnect)

		r.Post("/job/run", h.runJob)
		r.Get("/job/thresholds", h.getThresholds)
		r.Put("/job/thresholds", h.putThresholds)
		r.Get("/job/schedule", h.getSchedule)

		r.Get("/notifications/history", h.listHistory)
	})

	return r
}

// requestLog logs one line per request at debug (warn for 5xx).
func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
				logx.String("remote", r.RemoteAddr),
			}
			if ww.Status() >= 500 {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}
