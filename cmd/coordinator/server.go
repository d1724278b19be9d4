package main

import (
	"net/http"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/pointdeck/pointdeck/internal/api"
	"github.com/pointdeck/pointdeck/internal/router"
)

func setupServer(cfg *Config, apiHandler *api.Handler, wsHandler *router.WebSocketHandler) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	wsHandler.RegisterRoutes(mux)
	mux.Handle("/", apiHandler.Routes())

	handler := c.Handler(mux)

	// h2c serves the REST side-channel over HTTP/2 cleartext; websocket
	// upgrades pass through on HTTP/1.1.
	return &http.Server{
		Addr:    cfg.Addr,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}
