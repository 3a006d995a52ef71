package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/clipguard/internal/logger"
)

// ShutdownTimeout bounds the metrics server shutdown.
const ShutdownTimeout = 5 * time.Second

// Endpoint serves the metrics over HTTP while a command runs.
type Endpoint struct {
	server   *http.Server
	listener net.Listener
	metrics  *Metrics
	wg       sync.WaitGroup
	log      logger.Logger
}

// NewEndpoint binds listenAddress. Use ":0" for an ephemeral port.
func NewEndpoint(listenAddress string, metrics *Metrics) (*Endpoint, error) {
	ln, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	metrics.RegisterHandlers(mux)

	return &Endpoint{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		metrics:  metrics,
		log:      logger.Global().Module("observability"),
	}, nil
}

// Addr returns the bound address.
func (e *Endpoint) Addr() string {
	return e.listener.Addr().String()
}

// Start serves in the background until Shutdown.
func (e *Endpoint) Start() {
	e.wg.Go(func() {
		e.log.Info("metrics endpoint starting", logger.String("address", e.Addr()))
		if err := e.server.Serve(e.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics HTTP server error", logger.Error(err))
		}
	})
}

// Shutdown stops the server and waits for it to exit.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	err := e.server.Shutdown(ctx)
	e.wg.Wait()
	return err
}
