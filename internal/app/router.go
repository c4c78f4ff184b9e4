package app

import (
	"net/http"

	"lmsforum-sync/internal/config"
	"lmsforum-sync/internal/handler"
	"lmsforum-sync/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type RouterDeps struct {
	Config     *config.Config
	Operator   *handler.OperatorHandler
	Webhooks   *handler.WebhookHandler
	WebSockets *handler.WebSocketHandler
	Log        *logrus.Entry
}

func NewRouter(deps RouterDeps) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(deps.Log))
	r.Use(middleware.CORSMiddleware(deps.Config.CORS))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(deps.Config.JWT.Secret))
	deps.Operator.Register(api)
	deps.Webhooks.Register(api)

	if deps.WebSockets != nil {
		r.HandleFunc("/ws", deps.WebSockets.HandleConnection)
	}
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"lmsforum-sync"}`))
}
