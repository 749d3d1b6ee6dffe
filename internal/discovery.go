package internal

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"
)

const ProtocolVersion = 1

// DiscoveryRouter answers every request, whatever its method or path, with
// the advertisement of wsPort.
func DiscoveryRouter(logger *slog.Logger, wsPort uint16) (chi.Router, error) {
	body, err := json.Marshal(Advertisement{ProtocolVersion: ProtocolVersion, WebSocketPort: wsPort})
	if err != nil {
		return nil, err
	}

	advertise := advertiseRoute(logger, body)

	router := chi.NewRouter()
	router.Use(mid())
	router.HandleFunc("/*", advertise)
	router.NotFound(advertise)
	router.MethodNotAllowed(advertise)

	return router, nil
}

func advertiseRoute(logger *slog.Logger, body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Info("discovery request", slog.String("remote", r.RemoteAddr), slog.String("path", r.URL.Path))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

func mid() func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", SessionTitle)
			w.Header().Set("Connection", "close")
			handler.ServeHTTP(w, r)
		})
	}
}
