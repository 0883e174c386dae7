package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func SetupRoutes(a *API, wsHandler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", wsHandler)

	r.Route("/games/{id}", func(r chi.Router) {
		r.Get("/", a.getGame)
		r.Post("/transition", a.transition)
		r.Post("/join", a.joinGame)
	})

	r.Post("/queue", a.enqueue)
	r.Delete("/queue/{userID}", a.dequeue)

	return r
}
