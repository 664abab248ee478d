package geyser

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/yeet-at/pkg/runtime"
)

// ErrServerClosed is returned when serving on a stopped server.
var ErrServerClosed = errors.New("geyser server closed")

// GeyserServer is the service implemented by Server.
type GeyserServer interface {
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GeyserServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    subscribeMethod,
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "yeet/geyser",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(GeyserServer).Subscribe(req, stream)
}

// subscriber is one open Subscribe stream.
type subscriber struct {
	id      uuid.UUID
	filter  *filter
	updates chan *AccountUpdate

	// gone is closed when the subscriber falls too far behind.
	gone     chan struct{}
	dropOnce sync.Once
}

func (s *subscriber) drop() {
	s.dropOnce.Do(func() { close(s.gone) })
}

func (s *subscriber) dropped() bool {
	select {
	case <-s.gone:
		return true
	default:
		return false
	}
}

// Server fans committed account updates out to gRPC subscribers. It
// implements runtime.Notifier.
type Server struct {
	config ServerConfig
	srv    *grpc.Server
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]*subscriber

	writeVersion atomic.Uint64
	done         chan struct{}
	stopOnce     sync.Once
}

var _ runtime.Notifier = (*Server)(nil)

// NewServer creates a Geyser server. logger may be nil.
func NewServer(config ServerConfig, logger *zap.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:      config,
		logger:      logger.Named("geyser"),
		subscribers: make(map[uuid.UUID]*subscriber),
		done:        make(chan struct{}),
	}
	s.srv = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.MaxSendMsgSize(config.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
	)
	s.srv.RegisterService(&serviceDesc, s)
	return s, nil
}

// ListenAndServe listens on the configured address and serves until Stop.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	select {
	case <-s.done:
		return ErrServerClosed
	default:
	}
	s.logger.Info("serving", zap.Stringer("addr", lis.Addr()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop ends every subscription and shuts the server down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.srv.GracefulStop()
	})
}

// NumSubscribers returns the number of open subscriptions.
func (s *Server) NumSubscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// NotifyAccounts queues updates for every matching subscriber. A
// subscriber whose queue is full is dropped and receives nothing further.
func (s *Server) NotifyAccounts(updates []runtime.AccountUpdate) {
	msgs := make([]*AccountUpdate, len(updates))
	for i, u := range updates {
		msgs[i] = newAccountUpdate(u, s.writeVersion.Add(1))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		if sub.dropped() {
			continue
		}
		for _, m := range msgs {
			if !sub.filter.matches(m) {
				continue
			}
			select {
			case sub.updates <- m:
				continue
			default:
			}
			s.logger.Warn("dropping slow subscriber", zap.Stringer("id", sub.id))
			sub.drop()
			break
		}
	}
}

// Subscribe implements GeyserServer.
func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	if err := s.authorize(stream); err != nil {
		return err
	}

	sub := &subscriber{
		id:      uuid.New(),
		filter:  newFilter(req),
		updates: make(chan *AccountUpdate, s.config.SubscriberBuffer),
		gone:    make(chan struct{}),
	}
	s.mu.Lock()
	if len(s.subscribers) >= s.config.MaxSubscribers {
		s.mu.Unlock()
		return status.Errorf(codes.ResourceExhausted, "subscriber limit %d reached", s.config.MaxSubscribers)
	}
	s.subscribers[sub.id] = sub
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, sub.id)
		s.mu.Unlock()
		s.logger.Debug("subscription closed", zap.Stringer("id", sub.id))
	}()
	s.logger.Debug("subscription opened",
		zap.Stringer("id", sub.id),
		zap.Int("accounts", len(req.Accounts)),
		zap.Int("owners", len(req.Owners)))

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return status.Error(codes.Unavailable, "server shutting down")
		case <-sub.gone:
			return status.Error(codes.ResourceExhausted, "subscriber fell behind")
		case u := <-sub.updates:
			if err := stream.SendMsg(u); err != nil {
				return err
			}
		}
	}
}

func (s *Server) authorize(stream grpc.ServerStream) error {
	if s.config.Token == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(stream.Context())
	want := expandEnvVars(s.config.Token)
	for _, got := range md.Get("x-token") {
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "invalid or missing x-token")
}
