package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Brownie44l1/vision-api/pkg/metrics"
	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// RouterOptions configures the middleware around the routes.
type RouterOptions struct {
	CORSOrigins []string
	Metrics     *metrics.Manager
	AccessLog   *zerolog.Logger
}

// Router wires the service routes and wraps them with CORS, panic recovery,
// request metrics and, when AccessLog is set, a combined-format access log.
func (h *Handler) Router(opts RouterOptions) http.Handler {
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	r := mux.NewRouter()

	r.Methods(http.MethodPost).Path("/analyze-image").Name("analyze_image").HandlerFunc(h.AnalyzeImage)
	r.Methods(http.MethodGet).Path("/healthz").Name("healthz").HandlerFunc(h.Health)
	r.Methods(http.MethodGet).Path("/info").Name("info").HandlerFunc(h.Info)
	r.Methods(http.MethodGet).Path("/metrics").Name("metrics").Handler(m.Handler())

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	var handler http.Handler = r
	handler = gorillahandlers.CORS(
		gorillahandlers.AllowedOrigins(origins),
		gorillahandlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		gorillahandlers.AllowedHeaders([]string{"Content-Type"}),
	)(handler)
	handler = gorillahandlers.RecoveryHandler(
		gorillahandlers.RecoveryLogger(recoveryLogger{h.log}),
	)(handler)
	handler = metricsMiddleware(r, m)(handler)
	if opts.AccessLog != nil {
		handler = gorillahandlers.CombinedLoggingHandler(*opts.AccessLog, handler)
	}
	return handler
}

// routeUnmatched labels requests that hit no route or the wrong method.
const routeUnmatched = "unmatched"

// metricsMiddleware sits outside panic recovery so 404s, 405s and recovered
// panics are counted too. The route name is resolved against r up front
// because mux only attaches it to the request it passes down.
func metricsMiddleware(r *mux.Router, m *metrics.Manager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			route := routeUnmatched
			var match mux.RouteMatch
			if r.Match(req, &match) && match.MatchErr == nil && match.Route != nil && match.Route.GetName() != "" {
				route = match.Route.GetName()
			}

			defer func() {
				m.RecordHTTPRequest(route, req.Method, strconv.Itoa(wrapped.statusCode), time.Since(start))
			}()
			next.ServeHTTP(wrapped, req)
		})
	}
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

type recoveryLogger struct {
	log zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}
