package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsShutdownTimeout = 5 * time.Second

type metricsServer struct {
	srv    *http.Server
	addr   string
	logger *zap.Logger
}

// startMetricsServer serves reg on /metrics until shutdown is called.
func startMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	s := &metricsServer{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr:   ln.Addr().String(),
		logger: logger.With(zap.String("component", "metrics"), zap.String("addr", ln.Addr().String())),
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("serving engine metrics", zap.String("path", "/metrics"))
	return s, nil
}

func (s *metricsServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
