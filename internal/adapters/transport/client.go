package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/eleven-am/conductor/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Client reaches peer conductors. It implements ports.ConductorRPC.
type Client struct {
	ring     *Ring
	cfg      domain.TransportConfig
	logger   *slog.Logger
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewClient(ring *Ring, cfg domain.TransportConfig, logger *slog.Logger, opts ...grpc.DialOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if cfg.MaxMessageSizeMB > 0 {
		size := cfg.MaxMessageSizeMB * 1024 * 1024
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(size), grpc.MaxCallSendMsgSize(size)))
	}
	return &Client{
		ring:     ring,
		cfg:      cfg,
		logger:   logger.With("component", "transport", "adapter", "grpc-client"),
		dialOpts: append(dialOpts, opts...),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) TopicFor(node *domain.Node) (string, error) {
	return c.ring.TopicFor(node)
}

func (c *Client) ContinueNodeClean(ctx context.Context, nodeUUID, topic string) error {
	return c.invoke(ctx, methodContinueNodeClean, nodeUUID, topic)
}

func (c *Client) ContinueNodeDeploy(ctx context.Context, nodeUUID, topic string) error {
	return c.invoke(ctx, methodContinueNodeDeploy, nodeUUID, topic)
}

func (c *Client) invoke(ctx context.Context, method, nodeUUID, topic string) error {
	addr, err := c.ring.Address(topic)
	if err != nil {
		return err
	}
	conn, err := c.conn(addr)
	if err != nil {
		return err
	}
	req, err := newRequest(nodeUUID, topic)
	if err != nil {
		return err
	}

	if c.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
	}

	c.logger.Debug("calling peer", "call", describe(method, nodeUUID, topic), "address", addr)
	if err := conn.Invoke(ctx, fullMethod(method), req, &emptypb.Empty{}); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, errors.Join(domain.ErrConnection, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}
