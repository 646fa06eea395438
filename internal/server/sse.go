package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrChannelClosed is returned by Send after Complete.
var ErrChannelClosed = errors.New("channel closed")

// SSEChannel is a fanout.Channel writing Server-Sent Events to one response.
type SSEChannel struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	cbMu         sync.Mutex
	onCompletion func()
	onTimeout    func()
	onError      func(error)
}

// NewSSEChannel prepares w for event streaming. It fails when the writer
// cannot flush.
func NewSSEChannel(w http.ResponseWriter) (*SSEChannel, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEChannel{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}, nil
}

// Send writes one event frame and flushes it.
func (c *SSEChannel) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *SSEChannel) OnCompletion(fn func()) {
	c.cbMu.Lock()
	c.onCompletion = fn
	c.cbMu.Unlock()
}

func (c *SSEChannel) OnTimeout(fn func()) {
	c.cbMu.Lock()
	c.onTimeout = fn
	c.cbMu.Unlock()
}

func (c *SSEChannel) OnError(fn func(error)) {
	c.cbMu.Lock()
	c.onError = fn
	c.cbMu.Unlock()
}

// Complete closes the channel. Later sends fail with ErrChannelClosed.
func (c *SSEChannel) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed once the channel is completed.
func (c *SSEChannel) Done() <-chan struct{} {
	return c.done
}

// finish runs the completion callback after the client went away.
func (c *SSEChannel) finish() {
	c.cbMu.Lock()
	fn := c.onCompletion
	c.cbMu.Unlock()
	if fn != nil {
		fn()
	}
	c.Complete()
}

// expire runs the timeout callback when the stream outlived its lifetime.
func (c *SSEChannel) expire() {
	c.cbMu.Lock()
	fn := c.onTimeout
	c.cbMu.Unlock()
	if fn != nil {
		fn()
	}
	c.Complete()
}
