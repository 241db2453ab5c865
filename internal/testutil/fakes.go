package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/stream"
)

// ErrRefused is returned by a FakeSource that is set to fail.
var ErrRefused = errors.New("connection refused")

// FakeSource is an in-memory stream.Source. Every call to Stream produces a
// Conn that the test drives; handler callbacks run on the Stream goroutine
// just as they do for the real transports.
type FakeSource struct {
	transport stream.Transport

	mu      sync.Mutex
	opens   int
	failing bool

	conns chan *Conn
}

// NewFakeSource returns a FakeSource that accepts every open.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		transport: "fake",
		conns:     make(chan *Conn, 16),
	}
}

// Transport implements stream.Source.
func (f *FakeSource) Transport() stream.Transport {
	return f.transport
}

// FailAll makes every subsequent open fail immediately.
func (f *FakeSource) FailAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = fail
}

// Opens returns how many times Stream was called.
func (f *FakeSource) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Accept returns the next opened Conn.
func (f *FakeSource) Accept(t *testing.T) *Conn {
	t.Helper()
	return WaitFor(t, f.conns, "stream open")
}

// Stream implements stream.Source.
func (f *FakeSource) Stream(ctx context.Context, jobID job.ID, h stream.Handler) error {
	f.mu.Lock()
	f.opens++
	failing := f.failing
	f.mu.Unlock()

	if failing {
		return &job.ConnectionError{Op: "dial", Err: ErrRefused}
	}

	c := &Conn{
		JobID:   jobID,
		handler: h,
		ops:     make(chan func()),
		drop:    make(chan error, 1),
		ended:   make(chan struct{}),
	}
	defer close(c.ended)

	select {
	case f.conns <- c:
	case <-ctx.Done():
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.drop:
			return &job.ConnectionError{Op: "read", Err: err}
		case op := <-c.ops:
			op()
		}
	}
}

// Conn is one open channel of a FakeSource.
type Conn struct {
	JobID job.ID

	handler stream.Handler
	ops     chan func()
	drop    chan error
	ended   chan struct{}
}

// run executes fn on the Stream goroutine and waits for it. It reports
// false if the channel already ended.
func (c *Conn) run(fn func()) bool {
	done := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(done) }:
	case <-c.ended:
		return false
	}
	select {
	case <-done:
		return true
	case <-c.ended:
		return false
	}
}

// Open reports the channel as established.
func (c *Conn) Open() bool {
	return c.run(func() {
		if c.handler.OnOpen != nil {
			c.handler.OnOpen()
		}
	})
}

// Send delivers frames in order.
func (c *Conn) Send(frames ...stream.Frame) bool {
	return c.run(func() {
		for _, f := range frames {
			if f.Kind == stream.FrameAgent && f.Signal != nil {
				if c.handler.OnSignal != nil {
					c.handler.OnSignal(*f.Signal)
				}
				continue
			}
			if c.handler.OnControl != nil {
				c.handler.OnControl(f)
			}
		}
	})
}

// Drop kills the channel with err.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = stream.ErrStreamClosed
	}
	select {
	case c.drop <- err:
	default:
	}
	<-c.ended
}

// Ended is closed once Stream returned.
func (c *Conn) Ended() <-chan struct{} {
	return c.ended
}

// FakePoller is an in-memory fallback source. Frames pushed by the test are
// delivered from the Run goroutine.
type FakePoller struct {
	batches chan []stream.Frame
	nudges  atomic.Int32
	running chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewFakePoller returns an idle FakePoller.
func NewFakePoller() *FakePoller {
	return &FakePoller{
		batches: make(chan []stream.Frame),
		running: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run delivers pushed batches until ctx is canceled.
func (p *FakePoller) Run(ctx context.Context, jobID job.ID, deliver func([]stream.Frame)) error {
	p.once.Do(func() { close(p.running) })
	defer close(p.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-p.batches:
			deliver(b)
		}
	}
}

// Nudge records a request for an early poll.
func (p *FakePoller) Nudge() {
	p.nudges.Add(1)
}

// Nudges returns how many nudges were received.
func (p *FakePoller) Nudges() int {
	return int(p.nudges.Load())
}

// Push delivers frames as one poll result. It reports false if the poller
// stopped or did not pick the batch up within DefaultWait.
func (p *FakePoller) Push(frames ...stream.Frame) bool {
	select {
	case p.batches <- frames:
		return true
	case <-p.stopped:
		return false
	case <-time.After(DefaultWait):
		return false
	}
}

// Running is closed once Run was called.
func (p *FakePoller) Running() <-chan struct{} {
	return p.running
}

// Stopped is closed once Run returned.
func (p *FakePoller) Stopped() <-chan struct{} {
	return p.stopped
}
