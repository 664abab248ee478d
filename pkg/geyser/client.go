package geyser

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Client errors.
var (
	ErrAlreadyConnected = errors.New("geyser client already connected")
	ErrClosed           = errors.New("geyser client closed")
	ErrStreamClosed     = errors.New("geyser stream closed")
	ErrMaxReconnects    = errors.New("max reconnection attempts reached")
)

// Client subscribes to a Geyser server and delivers account updates on a
// channel. The client reconnects with exponential backoff when the stream
// breaks for a retryable reason; the Updates channel is closed when the
// client gives up or is closed.
type Client struct {
	config ClientConfig

	conn    *grpc.ClientConn
	updates chan *AccountUpdate

	connected      atomic.Bool
	started        atomic.Bool
	closed         atomic.Bool
	lastSlot       atomic.Uint64
	lastUpdate     atomic.Int64 // Unix nano timestamp
	reconnectCount atomic.Int32
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	lastError      error
	lastErrorMu    sync.RWMutex
}

// NewClient creates a new Geyser client with the given configuration.
// The client is not connected until Connect is called.
func NewClient(config ClientConfig) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config:  config,
		updates: make(chan *AccountUpdate, config.UpdateChannelSize),
	}, nil
}

// Connect dials the server, opens the subscription and starts receiving.
// It returns once the subscription request has been sent.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	conn, err := c.dial()
	if err != nil {
		c.started.Store(false)
		return err
	}
	c.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	stream, err := c.subscribe(runCtx, ctx)
	if err != nil {
		cancel()
		conn.Close()
		c.started.Store(false)
		return err
	}

	c.wg.Add(1)
	go c.run(runCtx, stream)
	return nil
}

func (c *Client) dial() (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.config.KeepaliveTime,
			Timeout:             c.config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(c.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.config.MaxMessageSize),
		),
	}
	if c.config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if c.config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      expandEnvVars(c.config.Token),
			requireTLS: c.config.UseTLS,
		}))
	}
	if c.config.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(c.config.Dialer))
	}

	//nolint:staticcheck // grpc.Dial is kept for compatibility with older gRPC versions
	conn, err := grpc.Dial(c.config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return conn, nil
}

// subscribe opens a stream that lives as long as streamCtx and sends the
// filter. setupCtx bounds only the setup.
func (c *Client) subscribe(streamCtx, setupCtx context.Context) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    subscribeMethod,
		ServerStreams: true,
	}

	type result struct {
		stream grpc.ClientStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := c.conn.NewStream(streamCtx, desc, subscribeFullRPC)
		if err == nil {
			if err = stream.SendMsg(&c.config.Filter); err == nil {
				err = stream.CloseSend()
			}
		}
		done <- result{stream, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to subscribe: %w", r.err)
		}
		c.connected.Store(true)
		c.lastUpdate.Store(time.Now().UnixNano())
		if c.config.OnConnect != nil {
			c.config.OnConnect()
		}
		return r.stream, nil
	case <-setupCtx.Done():
		return nil, setupCtx.Err()
	}
}

// run receives from stream and reconnects until ctx is done or the error
// is not retryable.
func (c *Client) run(ctx context.Context, stream grpc.ClientStream) {
	defer c.wg.Done()
	defer close(c.updates)

	backoff := c.config.ReconnectMinDelay
	attempt := 0
	for {
		received, err := c.receive(ctx, stream)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		c.setLastError(err)
		if c.config.OnDisconnect != nil {
			c.config.OnDisconnect(err)
		}
		if !isRetryableError(err) {
			return
		}
		if received {
			backoff = c.config.ReconnectMinDelay
			attempt = 0
		}

		for {
			attempt++
			if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
				c.setLastError(ErrMaxReconnects)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, c.config.ReconnectMaxDelay)

			c.reconnectCount.Add(1)
			stream, err = c.subscribe(ctx, ctx)
			if err == nil {
				break
			}
			c.setLastError(err)
		}
	}
}

// receive forwards updates until the stream fails. It reports whether any
// update arrived.
func (c *Client) receive(ctx context.Context, stream grpc.ClientStream) (bool, error) {
	received := false
	for {
		update := new(AccountUpdate)
		if err := stream.RecvMsg(update); err != nil {
			if errors.Is(err, io.EOF) {
				return received, ErrStreamClosed
			}
			return received, err
		}
		received = true
		c.lastSlot.Store(update.Slot)
		c.lastUpdate.Store(time.Now().UnixNano())

		select {
		case c.updates <- update:
		case <-ctx.Done():
			return received, ctx.Err()
		}
	}
}

// Updates returns the channel of received account updates.
func (c *Client) Updates() <-chan *AccountUpdate {
	return c.updates
}

// Health returns the current health status of the client.
func (c *Client) Health() ClientHealth {
	var lastUpdate time.Time
	if ns := c.lastUpdate.Load(); ns != 0 {
		lastUpdate = time.Unix(0, ns)
	}
	return ClientHealth{
		Connected:      c.connected.Load(),
		LastSlot:       c.lastSlot.Load(),
		LastUpdate:     lastUpdate,
		Endpoint:       c.config.Endpoint,
		ReconnectCount: int(c.reconnectCount.Load()),
		LastError:      c.getLastError(),
	}
}

// Close stops the client and releases all resources.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
	if !c.started.Load() {
		close(c.updates)
	}
	return nil
}

func (c *Client) setLastError(err error) {
	c.lastErrorMu.Lock()
	c.lastError = err
	c.lastErrorMu.Unlock()
}

func (c *Client) getLastError() error {
	c.lastErrorMu.RLock()
	defer c.lastErrorMu.RUnlock()
	return c.lastError
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"x-token": t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// isRetryableError returns true if the error should trigger a reconnect.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, ErrStreamClosed) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal, codes.ResourceExhausted:
			return true
		}
	}
	return false
}
