// Package health checks the job store and the lane broker and publishes the
// result over the standard gRPC health service.
package health

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Check pings one dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// ComponentStatus is the check result of one dependency.
type ComponentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Report is the check result of every dependency.
type Report struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"services"`
}

// Healthy reports whether every component is up.
func (r Report) Healthy() bool { return r.Status == StatusHealthy }

// Run runs every check concurrently, each bounded by timeout. A failing
// check marks the report unhealthy; Run itself never fails.
func Run(ctx context.Context, timeout time.Duration, checks ...Check) Report {
	var (
		mu      sync.Mutex
		results = make(map[string]ComponentStatus, len(checks))
	)
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, c := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			st := ComponentStatus{Status: StatusHealthy, Message: "ok"}
			if err := c.Ping(cctx); err != nil {
				st = ComponentStatus{Status: StatusUnhealthy, Message: err.Error()}
			}
			mu.Lock()
			results[c.Name] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: StatusHealthy, Timestamp: time.Now().UTC(), Components: results}
	for _, st := range results {
		if st.Status != StatusHealthy {
			report.Status = StatusUnhealthy
		}
	}
	return report
}

// Server exposes grpc.health.v1.Health. The overall service ("") and one
// service per component are kept in sync with the latest Report.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	logger *zap.Logger

	mu  sync.Mutex
	lis net.Listener
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gs := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{grpc: gs, health: hs, logger: logger.Named("health")}
}

// Update publishes r.
func (s *Server) Update(r Report) {
	names := make([]string, 0, len(r.Components))
	for name := range r.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.health.SetServingStatus(name, servingStatus(r.Components[name].Status == StatusHealthy))
	}
	s.health.SetServingStatus("", servingStatus(r.Healthy()))
}

func servingStatus(up bool) healthpb.HealthCheckResponse_ServingStatus {
	if up {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Listen binds addr; Serve must be called afterwards.
func (s *Server) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	return lis.Addr(), nil
}

// Serve blocks until Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()
	if lis == nil {
		return errors.New("health: Serve before Listen")
	}
	s.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks everything NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
