package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/lending-engine/pkg/response"
)

// NewRouter wires the lending API, the health checks and the middleware chain.
func NewRouter(lending *LendingHandler, health *HealthHandler, auth *Authenticator, logger logrus.FieldLogger) *mux.Router {
	router := mux.NewRouter()
	router.Use(response.RequestIDMiddleware, response.LoggingMiddleware(logger), response.CORSMiddleware)

	// Health check
	router.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", health.Ready).Methods(http.MethodGet)

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware)

	api.HandleFunc("/lending/borrow/{bookId}", lending.Borrow).Methods(http.MethodPost)
	api.HandleFunc("/lending/return/{recordId}", lending.Return).Methods(http.MethodPost)
	api.HandleFunc("/lending/my-books", lending.MyBooks).Methods(http.MethodGet)
	api.HandleFunc("/books/{bookId}/availability", lending.Availability).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(RequireAdmin)

	admin.HandleFunc("/lending/active", lending.Active).Methods(http.MethodGet)
	admin.HandleFunc("/lending/overdue", lending.Overdue).Methods(http.MethodGet)

	return router
}
