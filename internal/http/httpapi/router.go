package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"portraitd/internal/http/handlers"
	"portraitd/internal/middleware"
)

type Options struct {
	JWTSecret       string
	JWTIssuer       string
	CORSOrigins     []string
	RateLimitPerMin int
	CountryLookup   middleware.CountryLookup
	// StaticDir is served under /static when set (local storage driver).
	StaticDir string
	Logger    zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Country(opts.CountryLookup),
		middleware.Logger(opts.Logger),
		chimw.Recoverer,
		middleware.CORS(opts.CORSOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", noDirListing(http.FileServer(http.Dir(opts.StaticDir)))))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/styles", app.Styles)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthJWT(opts.JWTSecret, opts.JWTIssuer))
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))

			r.Get("/credits", app.GetCredits)
			r.Route("/generations", func(r chi.Router) {
				r.Get("/", app.ListGenerations)
				r.Post("/", app.Generate)
				r.Post("/tasks", app.SubmitTasks)
				r.Get("/tasks/{taskID}", app.GetTask)
				r.Delete("/tasks/{taskID}", app.CancelTask)
			})
		})
	})

	return r
}

func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
