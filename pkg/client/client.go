// Package client issues GET, PUT and STATE requests to a CAN network and
// correlates the answers, which may arrive from any peer.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/can-dht/canpeer/pkg/transport"
	"github.com/can-dht/canpeer/pkg/wire"
)

var (
	// ErrNotFound is returned when the owning peer has no value for the key
	ErrNotFound = errors.New("key not found")
	// ErrNoRoute is returned when the request could not reach the owner
	ErrNoRoute = errors.New("no route to owner")
	// ErrRejected is returned when a peer refused the request
	ErrRejected = errors.New("request rejected")
	// ErrTimeout is returned when no answer arrived after all attempts
	ErrTimeout = errors.New("request timed out")
	// ErrClosed is returned for requests on a closed client
	ErrClosed = errors.New("client closed")
)

// RemoteError is an error answer reported by a peer
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Text
}

// Options configure a client
type Options struct {
	// Timeout bounds a single attempt
	Timeout time.Duration
	// Retries is the number of resends after the first attempt
	Retries int
	// ListenAddr is the local UDP address; empty picks an ephemeral port
	ListenAddr string
	Logger     logrus.FieldLogger
}

// DefaultOptions returns the options used for zero fields
func DefaultOptions() Options {
	return Options{
		Timeout:    2 * time.Second,
		Retries:    2,
		ListenAddr: "127.0.0.1:0",
	}
}

// Client sends requests to one entry peer. It is safe for concurrent use.
type Client struct {
	entry  string
	opts   Options
	udp    *transport.UDP
	logger logrus.FieldLogger

	mu      sync.Mutex
	pending map[string]chan wire.Message
	closed  bool
	done    chan struct{}
}

// Dial opens a client socket that talks to the peer at entry
func Dial(entry string, opts Options) (*Client, error) {
	if entry == "" {
		return nil, fmt.Errorf("entry address is required")
	}
	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = defaults.ListenAddr
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	udp, err := transport.ListenUDP(opts.ListenAddr, opts.Logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		entry:   entry,
		opts:    opts,
		udp:     udp,
		logger:  opts.Logger.WithFields(logrus.Fields{"entry": entry, "local": udp.Addr()}),
		pending: make(map[string]chan wire.Message),
		done:    make(chan struct{}),
	}
	go c.listen()
	return c, nil
}

// Addr returns the local address answers are sent to
func (c *Client) Addr() string {
	return c.udp.Addr()
}

// Close releases the socket and fails outstanding requests
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.udp.Close()
	<-c.done
	return err
}

// Get returns the value stored for key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ans, err := c.do(ctx, wire.Get(key))
	if err != nil {
		return "", err
	}
	return ans.Text, nil
}

// Put stores value under key
func (c *Client) Put(ctx context.Context, key, value string) error {
	_, err := c.do(ctx, wire.Put(key, value))
	return err
}

// State returns the diagnostic state of the entry peer
func (c *Client) State(ctx context.Context) (*wire.StateReport, error) {
	ans, err := c.do(ctx, wire.State())
	if err != nil {
		return nil, err
	}
	if ans.State == nil {
		return nil, fmt.Errorf("%w: state answer without report", wire.ErrMalformed)
	}
	return ans.State, nil
}

// do sends req and waits for the answer carrying its request ID, resending
// the same request after each attempt times out
func (c *Client) do(ctx context.Context, req wire.Message) (wire.Message, error) {
	req.RequestID = uuid.New().String()
	payload, err := wire.Encode(req)
	if err != nil {
		return wire.Message{}, err
	}

	ch := make(chan wire.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Message{}, ErrClosed
	}
	c.pending[req.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	log := c.logger.WithFields(logrus.Fields{"kind": req.Kind, "request_id": req.RequestID})
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			log.WithField("attempt", attempt+1).Debug("resending request")
		}
		if err := c.udp.Send(c.entry, payload); err != nil {
			return wire.Message{}, err
		}

		timer := time.NewTimer(c.opts.Timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return wire.Message{}, ctx.Err()
		case ans, ok := <-ch:
			timer.Stop()
			if !ok {
				return wire.Message{}, ErrClosed
			}
			return ans, answerError(ans)
		case <-timer.C:
		}
	}
	log.Warn("request timed out")
	return wire.Message{}, fmt.Errorf("%w after %d attempts", ErrTimeout, c.opts.Retries+1)
}

func answerError(ans wire.Message) error {
	switch ans.Status {
	case wire.StatusOK:
		return nil
	case wire.StatusNotFound:
		return ErrNotFound
	case wire.StatusNoRoute:
		return ErrNoRoute
	case wire.StatusRejected:
		return fmt.Errorf("%w: %s", ErrRejected, ans.Text)
	default:
		return &RemoteError{Text: ans.Text}
	}
}

// listen completes pending requests until the socket closes
func (c *Client) listen() {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	for dg := range c.udp.Inbound() {
		msg, err := wire.Decode(dg.Payload)
		if err != nil {
			c.logger.WithError(err).WithField("from", dg.From).Warn("dropping message")
			continue
		}
		if msg.Kind != wire.KindAnswer {
			c.logger.WithFields(logrus.Fields{"kind": msg.Kind, "from": dg.From}).Debug("ignoring non-answer")
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.RequestID]
		if ok {
			// Duplicates of a retried request are dropped
			delete(c.pending, msg.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.WithField("request_id", msg.RequestID).Debug("late or unknown answer")
			continue
		}
		ch <- msg
	}
}
