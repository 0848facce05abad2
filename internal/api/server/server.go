package server

import (
	"net/http"
	"time"

	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/delivery-frames/internal/config"
)

// New creates the HTTP server. Writes get the configured timeout since the
// composite endpoint renders synchronously.
func New(cfg config.Server, router *ginext.Engine) *http.Server {
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}

	return &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
