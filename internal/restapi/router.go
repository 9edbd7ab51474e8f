// Package restapi implements the thin REST surface of spec.md §6: CRUD on
// rooms and documents, cursor/auth endpoints, and health. The OT engine,
// document coordinator, room hub and session carry the actual real-time
// core; this package exists to create/administer the rooms and documents
// those run against. Grounded on telnet2-opencode/go-opencode's
// chi-based server.go (router/middleware setup) and response.go
// (writeJSON/writeError shape), adapted to this module's apperr.Kind-driven
// status mapping instead of opencode's hand-picked status per handler.
package restapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/collabedit/core/internal/auth"
	"github.com/collabedit/core/internal/roomhub"
	"github.com/collabedit/core/internal/store"
)

// Server hosts the REST surface.
type Server struct {
	router *chi.Mux
	st     store.Store
	auth   auth.Provider
	hubs   *roomhub.Manager
}

// New builds a Server with every route from spec.md §6 registered.
func New(st store.Store, provider auth.Provider, hubs *roomhub.Manager, allowedOrigins []string) *Server {
	s := &Server{router: chi.NewRouter(), st: st, auth: provider, hubs: hubs}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/healthz", s.health)

	s.router.Route("/auth", func(r chi.Router) {
		r.Post("/validate", s.validateToken)
		r.Group(func(r chi.Router) {
			r.Use(requireAuth(s.auth))
			r.Get("/me", s.getMe)
			r.Post("/refresh", s.refreshToken)
		})
	})

	s.router.Group(func(r chi.Router) {
		r.Use(requireAuth(s.auth))

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", s.listRooms)
			r.Post("/", s.createRoom)
			r.Route("/{roomID}", func(r chi.Router) {
				r.Get("/", s.getRoom)
				r.Put("/", s.updateRoom)
				r.Delete("/", s.deleteRoom)
				r.Post("/join", s.joinRoom)
				r.Post("/leave", s.leaveRoom)
				r.Post("/cursors", s.postCursor)
			})
		})

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", s.listDocuments)
			r.Post("/", s.createDocument)
			r.Route("/{documentID}", func(r chi.Router) {
				r.Get("/", s.getDocument)
				r.Put("/", s.updateDocument)
				r.Delete("/", s.deleteDocument)
				r.Get("/operations", s.listOperations)
				r.Get("/cursors", s.listCursors)
			})
		})
	})

	return s
}

// Handler exposes the chi router as a plain http.Handler for cmd wiring.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rooms": s.hubs.Count()})
}
