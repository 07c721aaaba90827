package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/serroba/netpipe/pipeline"
	"github.com/serroba/netpipe/timesync"
)

// InboundTopic is the pub/sub topic inbound frames are published on.
const InboundTopic = "netpipe.websocket.inbound"

const defaultQueueSize = 64

// Client is the WebSocket connection manager. Outbound messages are
// queued and sent by a single writer, each passing through the throttling
// pipeline; inbound messages are fanned out to subscribers without quota
// gating.
type Client struct {
	conn   *Connection
	exec   *pipeline.Executor
	pre    []PreProcessor
	post   []PostProcessor
	auth   Authenticator
	logger *zap.Logger

	pubsub    *gochannel.GoChannel
	queueSize int

	mu         sync.Mutex
	queue      chan *sendJob
	cancel     context.CancelFunc
	writerDone chan struct{}
	readerDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

type sendJob struct {
	ctx  context.Context
	req  *Request
	done chan error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPreProcessors appends outbound message pre-processors, run in order.
func WithPreProcessors(processors ...PreProcessor) ClientOption {
	return func(c *Client) { c.pre = append(c.pre, processors...) }
}

// WithPostProcessors appends inbound message post-processors, run in order.
func WithPostProcessors(processors ...PostProcessor) ClientOption {
	return func(c *Client) { c.post = append(c.post, processors...) }
}

// WithAuthenticator installs the signer used for IsAuthRequired messages.
func WithAuthenticator(auth Authenticator) ClientOption {
	return func(c *Client) { c.auth = auth }
}

// WithQueueSize bounds the outbound send queue.
func WithQueueSize(n int) ClientOption {
	return func(c *Client) { c.queueSize = n }
}

// WithClientLogger attaches a logger. Defaults to a no-op logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a WebSocket client over the given connection,
// executing every send through the given pipeline executor.
func NewClient(conn *Connection, exec *pipeline.Executor, opts ...ClientOption) *Client {
	c := &Client{
		conn:      conn,
		exec:      exec,
		logger:    zap.NewNop(),
		queueSize: defaultQueueSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.pubsub = gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: int64(c.queueSize)},
		watermill.NopLogger{},
	)

	return c
}

// Connect opens the session and starts the writer and reader loops.
func (c *Client) Connect(ctx context.Context, url string) error {
	if err := c.conn.Connect(ctx, url); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	queue := make(chan *sendJob, c.queueSize)
	writerDone := make(chan struct{})
	readerDone := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.queue = queue
	c.writerDone = writerDone
	c.readerDone = readerDone
	c.mu.Unlock()

	go c.writeLoop(runCtx, queue, writerDone)
	go c.readLoop(runCtx, readerDone)

	return nil
}

// Connected reports whether the session is open.
func (c *Client) Connected() bool {
	return c.conn.Connected()
}

// Ping sends a ping control frame.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Send queues one outbound message and waits for its outcome. Messages
// queued by the same caller are sent in submission order.
func (c *Client) Send(ctx context.Context, request *Request) error {
	c.mu.Lock()
	queue, writerDone := c.queue, c.writerDone
	c.mu.Unlock()

	if queue == nil {
		return ErrNotConnected
	}

	job := &sendJob{ctx: ctx, req: request, done: make(chan error, 1)}

	select {
	case queue <- job:
	case <-writerDone:
		return ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("queueing send: %w", ctx.Err())
	}

	select {
	case err := <-job.done:
		return err
	case <-writerDone:
		// The writer may have finished the job just before exiting.
		select {
		case err := <-job.done:
			return err
		default:
			return ErrConnectionClosed
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for send: %w", ctx.Err())
	}
}

// Subscriber exposes the inbound fan-out; consumers subscribe to
// InboundTopic, typically through a typed Consumer.
func (c *Client) Subscriber() message.Subscriber {
	return c.pubsub
}

// Close cancels the loops, drains queued sends with ErrConnectionClosed,
// and tears down the session and the fan-out. Permits held by queued
// sends that never reached the wire are released by the pipeline.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel, writerDone, readerDone := c.cancel, c.writerDone, c.readerDone
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		c.closeErr = c.conn.Disconnect()

		if writerDone != nil {
			<-writerDone
		}

		if readerDone != nil {
			<-readerDone
		}

		if err := c.pubsub.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}

		c.logger.Debug("websocket client closed")
	})

	return c.closeErr
}

// Shutdown implements the container's shutdown contract.
func (c *Client) Shutdown() error {
	return c.Close()
}

func (c *Client) writeLoop(runCtx context.Context, queue chan *sendJob, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-runCtx.Done():
			drainQueue(queue)

			return
		case job := <-queue:
			job.done <- c.send(runCtx, job)
		}
	}
}

// drainQueue fails every send still queued at close time.
func drainQueue(queue chan *sendJob) {
	for {
		select {
		case job := <-queue:
			job.done <- ErrConnectionClosed
		default:
			return
		}
	}
}

// send runs one queued message through the pipeline. The readiness gate
// re-checks the session after quota is acquired, so a close between
// acquisition and the write releases the permit instead of charging it.
func (c *Client) send(runCtx context.Context, job *sendJob) error {
	// A quota wait must not outlive the session, or Close would block on
	// the writer.
	ctx, cancel := context.WithCancel(job.ctx)
	defer cancel()

	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	req := job.req

	op := pipeline.Operation{
		LimitID:           req.ThrottlerLimitID,
		Weight:            req.Weight,
		Priority:          req.Priority,
		RequiresTimestamp: req.RequiresTimestamp,
		RequireFreshSync:  req.RequireFreshSync,
		Ready: func() error {
			if runCtx.Err() != nil || !c.conn.Connected() {
				return ErrConnectionClosed
			}

			return nil
		},
		Do: func(ctx context.Context, ts timesync.Timestamp) error {
			attempt := req.clone()
			attempt.Timestamp = ts

			if attempt.IsAuthRequired && c.auth != nil {
				if err := c.auth.Authenticate(ctx, attempt); err != nil {
					return fmt.Errorf("authenticating message: %w", err)
				}
			}

			for _, p := range c.pre {
				if err := p.PreProcess(ctx, attempt); err != nil {
					return fmt.Errorf("pre-processing message: %w", err)
				}
			}

			return c.conn.Send(ctx, attempt)
		},
	}

	return c.exec.Execute(ctx, op)
}

func (c *Client) readLoop(runCtx context.Context, done chan struct{}) {
	defer close(done)

	for {
		resp, err := c.conn.Receive(runCtx)
		if err != nil {
			if runCtx.Err() == nil && !errors.Is(err, ErrNotConnected) {
				c.logger.Warn("websocket receive failed", zap.Error(err))
			}

			return
		}

		c.deliver(runCtx, resp)
	}
}

func (c *Client) deliver(ctx context.Context, resp *Response) {
	for _, p := range c.post {
		if err := p.PostProcess(ctx, resp); err != nil {
			c.logger.Error("post-processing inbound message failed", zap.Error(err))

			return
		}
	}

	msg := message.NewMessage(watermill.NewUUID(), resp.Raw)
	msg.Metadata.Set("received_at", resp.ReceivedAt.Format(time.RFC3339Nano))

	if err := c.pubsub.Publish(InboundTopic, msg); err != nil {
		c.logger.Error("publishing inbound message failed", zap.Error(err))
	}
}
