package matcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/willf/bloom"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"fever-threatbus/internal/metrics"
)

// PatternStore holds the patterns inserted through the control service.
// Add reports whether value was not present before.
type PatternStore interface {
	Add(value string) bool
	Len() int
}

type matcherServer interface {
	AddPattern(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*matcherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddPattern", Handler: addPatternHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "matcher/v1/matcher.proto",
}

func addPatternHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(matcherServer).AddPattern(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: addPatternMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(matcherServer).AddPattern(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

type service struct {
	store  PatternStore
	logger *slog.Logger
}

func (s *service) AddPattern(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	v := in.GetValue()
	if v == "" {
		return nil, status.Error(codes.InvalidArgument, "empty pattern")
	}
	if s.store.Add(v) {
		s.logger.Debug("pattern added", "value", v)
	}
	return &emptypb.Empty{}, nil
}

// Server serves the matcher control service and gRPC health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

func NewServer(store PatternStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "matcher-server")
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger,
	}
	s.grpc.RegisterService(&serviceDesc, &service{store: store, logger: logger})
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve blocks serving ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("matcher listening", "addr", ln.Addr().String())
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// SetServing toggles the health status reported for the control service.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

// Listen opens a unix socket at path, removing a stale socket file left by
// a previous run.
func Listen(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&fs.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	return net.Listen("unix", path)
}

// BloomStore is a PatternStore backed by a bloom filter. Add may report a
// new value as present with the filter's false positive rate.
type BloomStore struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	count  int
}

// NewBloomStore sizes the filter for capacity values at false positive
// rate fp.
func NewBloomStore(capacity uint, fp float64) *BloomStore {
	return &BloomStore{filter: bloom.NewWithEstimates(capacity, fp)}
}

func (b *BloomStore) Add(value string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filter.TestAndAdd([]byte(value)) {
		return false
	}
	b.count++
	metrics.BloomPatterns.Set(float64(b.count))
	return true
}

// Test reports whether value may have been added.
func (b *BloomStore) Test(value string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filter.Test([]byte(value))
}

func (b *BloomStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
