package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger())

	r.Get("/api/info", s.handleInfo)
	r.Get("/api/invoices", s.handleList)
	r.Post("/api/invoice", s.handleInvoice)
	r.Post("/api/inject", s.handleInject)
	r.Post("/api/settle", s.handleSettle)
	r.Post("/api/cancel", s.handleCancel)
	r.Post("/api/clean", s.handleClean)
	r.Get("/api/track", s.handleTrack)
	r.Get("/api/trackall", s.handleTrackAll)

	return r
}
