// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled channels. Use
// Channel to push inbound events (lifecycle signals and server content) and
// inspect which chunks were sent.
//
// Example:
//
//	ch := mock.NewChannel()
//	p := &mock.Provider{Channel: ch}
//	handle, _ := p.Connect(ctx, cfg)
//	ch.Open()
//	ch.PushAudio(pcmBytes, 24000)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speakflow/pkg/audio/pcm"
	"github.com/MrWong99/speakflow/pkg/provider/live"
)

const eventBuffer = 256

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Channel is returned by Connect. If nil, Connect returns a new Channel.
	Channel *Channel

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until the channel is closed. The
	// context passed to Connect is ignored while waiting so that tests can
	// deliver a late result to an abandoned connect.
	Gate chan struct{}

	// Entered, if non-nil, receives a value (without blocking) each time
	// Connect is entered.
	Entered chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Channel, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Channel, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate, entered := p.Gate, p.Entered
	p.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Channel == nil {
		p.Channel = NewChannel()
	}
	return p.Channel, nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Channel is a mock implementation of live.Channel. Events pushed by the test
// are delivered in order on Events until Close.
type Channel struct {
	mu     sync.Mutex
	events chan live.Event
	closed bool

	// SendErr, if non-nil, is returned by every Send call. The chunk is still
	// recorded.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseGate, if non-nil, makes Close block until it is closed. Set it
	// before the channel is handed out.
	CloseGate chan struct{}

	sent       []pcm.Chunk
	closeCalls int
}

// NewChannel returns a Channel with a buffered event stream.
func NewChannel() *Channel {
	return &Channel{events: make(chan live.Event, eventBuffer)}
}

// Send records the chunk and returns SendErr.
func (c *Channel) Send(chunk pcm.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := chunk
	cp.Data = append([]byte(nil), chunk.Data...)
	c.sent = append(c.sent, cp)
	return c.SendErr
}

// Events returns the inbound event stream.
func (c *Channel) Events() <-chan live.Event { return c.events }

// Close closes the event stream on the first call and returns CloseErr on
// every call. It waits for CloseGate first.
func (c *Channel) Close() error {
	if c.CloseGate != nil {
		<-c.CloseGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return c.CloseErr
}

// Push delivers ev to the consumer. It reports false if the channel is closed
// or the event buffer is full.
func (c *Channel) Push(ev live.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// Open pushes the opened signal.
func (c *Channel) Open() bool { return c.Push(live.Event{Signal: live.SignalOpened}) }

// Fail pushes an errored signal carrying err.
func (c *Channel) Fail(err error) bool {
	return c.Push(live.Event{Signal: live.SignalErrored, Err: err})
}

// RemoteClose pushes a closed signal.
func (c *Channel) RemoteClose() bool { return c.Push(live.Event{Signal: live.SignalClosed}) }

// PushContent pushes a content event.
func (c *Channel) PushContent(sc live.ServerContent) bool {
	return c.Push(live.Event{Content: &sc})
}

// PushAudio pushes a model turn carrying one PCM part at rate.
func (c *Channel) PushAudio(data []byte, rate int) bool {
	return c.PushContent(live.ServerContent{
		ModelTurn: []live.Part{{InlineData: &live.InlineData{MIMEType: pcm.MIMEType(rate), Data: data}}},
	})
}

// Sent returns a copy of every chunk passed to Send. Thread-safe.
func (c *Channel) Sent() []pcm.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pcm.Chunk(nil), c.sent...)
}

// CloseCalls returns the number of Close calls. Thread-safe.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Ensure Channel implements live.Channel at compile time.
var _ live.Channel = (*Channel)(nil)
