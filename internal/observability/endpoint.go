package observability

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
	metricspkg "github.com/tphakala/canpipe/internal/observability/metrics"
)

// Endpoint serves /metrics and /healthz until its context is cancelled.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
	listener      net.Listener
	wg            sync.WaitGroup
}

// NewEndpoint creates a metrics endpoint bound to listenAddress.
func NewEndpoint(listenAddress string, metrics *Metrics) (*Endpoint, error) {
	if listenAddress == "" {
		return nil, errors.Newf("metrics listen address is empty").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if metrics == nil {
		return nil, errors.Newf("metrics registry is nil").
			Component("observability").
			Category(errors.CategoryValidation).
			Build()
	}
	return &Endpoint{
		listenAddress: listenAddress,
		metrics:       metrics,
	}, nil
}

// Start binds the listener and serves in the background; ctx cancellation triggers graceful shutdown.
func (e *Endpoint) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	listener, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return errors.New(err).
			Component("observability").
			Category(errors.CategorySystem).
			Context("address", e.listenAddress).
			Build()
	}
	e.listener = listener

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log := getLogger()
	e.wg.Go(func() {
		log.Info("metrics endpoint starting", logger.String("address", listener.Addr().String()))
		if err := e.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics HTTP server error", logger.Error(err))
		}
	})

	e.wg.Go(func() {
		<-ctx.Done()
		e.shutdown()
	})
	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (e *Endpoint) Addr() string {
	if e.listener == nil {
		return e.listenAddress
	}
	return e.listener.Addr().String()
}

// Wait blocks until the server goroutines have exited
func (e *Endpoint) Wait() {
	e.wg.Wait()
}

func (e *Endpoint) shutdown() {
	getLogger().Info("stopping metrics endpoint")
	ctx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		getLogger().Error("metrics server shutdown error", logger.Error(err))
	}
}
