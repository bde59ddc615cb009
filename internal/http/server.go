package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

type Server struct {
	Router *chi.Mux
}

// NewServer wires the operator API. feed may be nil when the live feed is
// disabled. A non-empty tokenHash (bcrypt) guards every route except /health.
func NewServer(handler *Handler, feed http.HandlerFunc, tokenHash string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", handler.Health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(tokenHash))

		r.Handle("/metrics", promhttp.Handler())
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", handler.ListOrders)
			r.Get("/{orderNumber}", handler.GetOrder)
			r.Get("/{orderNumber}/events", handler.ListEvents)
			r.Post("/{orderNumber}/cancel", handler.CancelOrder)
			r.Post("/{orderNumber}/requeue", handler.RequeueOrder)
		})
		if feed != nil {
			r.Get("/ws", feed)
		}
	})

	return &Server{Router: r}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerAuth checks the bearer token against a bcrypt hash. Browsers cannot
// set headers on websocket upgrades, so a token query parameter is accepted
// too.
func bearerAuth(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokenHash == "" {
			return next
		}
		hash := []byte(tokenHash)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
