/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, included in log lines
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. requestLog: zerolog access line + route latency histogram
  4. CORS:       Cross-origin requests from dashboards

ROUTE GROUPS:
  /api/status, /api/balance, /api/quote   Read-only dashboard data
  /api/price, /api/oracle/*               Flood-level feed
  /api/threshold                          Payout threshold
  /api/policies/*                         Buy, inspect, pay out
  /api/treasury/*                         Funding and journal
  /api/roles/*                            Role administration
  /api/scenarios/*                        Demo scenarios
  /healthz, /metrics                      Liveness, Prometheus

SECURITY NOTE:
  The caller is whoever X-Principal names. Deployments put a wallet
  signature check or gateway in front; this layer only enforces roles.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/serve.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/paramify/insurance-engine/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *observability.Metrics

	// Gatherer serves /metrics; nil omits the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(h.log, opts.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", PrincipalHeader, IdempotencyHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/balance", h.GetBalance)
		r.Get("/quote", h.GetQuote)

		r.Get("/price", h.GetPrice)
		r.Post("/oracle/answer", h.UpdateAnswer)

		r.Get("/threshold", h.GetThreshold)
		r.Put("/threshold", h.SetThreshold)

		r.Route("/policies", func(r chi.Router) {
			r.Post("/", h.BuyInsurance)
			r.Get("/{owner}", h.GetPolicy)
			r.Post("/{owner}/payout", h.TriggerPayout)
		})

		r.Route("/treasury", func(r chi.Router) {
			r.Post("/fund", h.Fund)
			r.Get("/journal", h.GetJournal)
		})

		r.Route("/roles", func(r chi.Router) {
			r.Get("/{role}", h.ListRoleMembers)
			r.Get("/{role}/{principal}", h.HasRole)
			r.Post("/{role}/{principal}", h.GrantRole)
			r.Delete("/{role}/{principal}", h.RevokeRole)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLog writes one structured line per request and observes latency by
// route pattern, so /api/policies/{owner} is one series.
func requestLog(logger zerolog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if metrics != nil {
				metrics.HTTPDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
			}

			evt := logger.Info()
			if status >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Str("principal", r.Header.Get(PrincipalHeader)).
				Dur("elapsed", elapsed).
				Msg("http request")
		})
	}
}
