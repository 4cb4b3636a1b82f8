package router

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/trunov/imgpipe/internal/transport/handler"
)

func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/jobs", h.Enqueue)

		r.Route("/images", func(r chi.Router) {
			r.Get("/", h.ListImages)
			r.Post("/", h.UploadImage)
			r.Get("/{id}", h.GetImage)
			r.Delete("/{id}", h.DeleteImage)
		})
	})

	return r
}
