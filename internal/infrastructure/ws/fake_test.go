package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/contracts"
	"github.com/hilthontt/relay/internal/infrastructure/events"
	"github.com/hilthontt/relay/internal/infrastructure/registry"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.reads:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]frame, 0, len(c.writes))
	for _, data := range c.writes {
		var f frame
		if err := json.Unmarshal(data, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	AckID *int64          `json:"ackId"`
}

// drain returns the frames queued for a client whose pumps are not running.
func drain(t *testing.T, cl *Client) []frame {
	t.Helper()

	var out []frame
	for {
		select {
		case data := <-cl.send:
			var f frame
			require.NoError(t, json.Unmarshal(data, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func eventsOf(frames []frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func inbound(t *testing.T, event string, data any, ackID int64) *InboundFrame {
	t.Helper()

	f := &InboundFrame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		f.Data = raw
	}
	if ackID != 0 {
		f.AckID = &ackID
	}
	return f
}

// bus routes envelopes between processes the way the broker topology does.
// Delivery is synchronous, so a publish returns only after every bound
// process dispatched the envelope.
type bus struct {
	mu          sync.Mutex
	procs       []*process
	afterRoute  func(env *domain.Envelope)
	failPublish bool
}

type process struct {
	bus  *bus
	id   string
	core *Core

	mu          sync.Mutex
	bindings    map[contracts.Binding]struct{}
	roomBinds   map[string]int
	roomUnbinds map[string]int
}

func newBus() *bus {
	return &bus{}
}

func (b *bus) process(t *testing.T, id string, deps ...func(*Deps)) *process {
	t.Helper()

	p := &process{
		bus:         b,
		id:          id,
		bindings:    make(map[contracts.Binding]struct{}),
		roomBinds:   make(map[string]int),
		roomUnbinds: make(map[string]int),
	}
	d := Deps{
		Publisher: events.NewEnvelopePublisher(p),
		Binder:    p,
		Registry:  registry.New(),
	}
	for _, fn := range deps {
		fn(&d)
	}
	p.core = NewCore(d)

	b.mu.Lock()
	b.procs = append(b.procs, p)
	b.mu.Unlock()
	return p
}

func (b *bus) route(ctx context.Context, exchange, key string, env *domain.Envelope) error {
	b.mu.Lock()
	procs := append([]*process(nil), b.procs...)
	fail := b.failPublish
	hook := b.afterRoute
	b.mu.Unlock()

	if fail {
		return errors.New("channel not initialized")
	}

	// Round-trip through the wire format like a real delivery.
	body, err := env.Encode()
	if err != nil {
		return err
	}

	for _, p := range procs {
		if !p.receives(exchange, key) || p.id == env.ServerID {
			continue
		}
		decoded, err := domain.DecodeEnvelope(body)
		if err != nil {
			return err
		}
		_ = p.core.Dispatch(ctx, decoded)
	}

	if hook != nil {
		hook(env)
	}
	return nil
}

func (p *process) ServerID() string {
	return p.id
}

func (p *process) Publish(ctx context.Context, exchange, routingKey string, env *domain.Envelope) error {
	return p.bus.route(ctx, exchange, routingKey, env)
}

func (p *process) BindUser(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range contracts.UserBindings(userID) {
		p.bindings[b] = struct{}{}
	}
	return nil
}

func (p *process) UnbindUser(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range contracts.UserBindings(userID) {
		delete(p.bindings, b)
	}
	return nil
}

func (p *process) BindRoom(_ context.Context, roomID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings[contracts.RoomBinding(roomID)] = struct{}{}
	p.roomBinds[roomID]++
	return nil
}

func (p *process) UnbindRoom(_ context.Context, roomID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bindings, contracts.RoomBinding(roomID))
	p.roomUnbinds[roomID]++
	return nil
}

func (p *process) bound(b contracts.Binding) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.bindings[b]
	return ok
}

func (p *process) bindCounts(roomID string) (binds, unbinds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomBinds[roomID], p.roomUnbinds[roomID]
}

func (p *process) receives(exchange, key string) bool {
	if exchange == contracts.PresenceExchange {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for b := range p.bindings {
		if b.Exchange != exchange {
			continue
		}
		if exchange == contracts.DirectExchange && b.Key == key {
			return true
		}
		if exchange == contracts.TopicExchange && topicMatch(b.Key, key) {
			return true
		}
	}
	return false
}

func topicMatch(pattern, key string) bool {
	pw := strings.Split(pattern, ".")
	kw := strings.Split(key, ".")
	if len(pw) != len(kw) {
		return false
	}
	for i := range pw {
		if pw[i] != "*" && pw[i] != kw[i] {
			return false
		}
	}
	return true
}

// connect attaches a client without running its pumps.
func (p *process) connect(t *testing.T, userID string) *Client {
	t.Helper()

	cl := NewClient(newFakeConn(), userID, "sess-"+userID, DefaultClientConfig())
	require.NoError(t, p.core.Attach(context.Background(), cl))
	return cl
}

// gatedBinder holds unbind calls until release is closed. entered receives
// one value per gated call.
type gatedBinder struct {
	*process
	entered chan string
	release chan struct{}
}

func newGatedBinder() *gatedBinder {
	return &gatedBinder{
		entered: make(chan string, 4),
		release: make(chan struct{}),
	}
}

func (g *gatedBinder) UnbindUser(ctx context.Context, userID string) error {
	g.wait(userID)
	return g.process.UnbindUser(ctx, userID)
}

func (g *gatedBinder) UnbindRoom(ctx context.Context, roomID string) error {
	g.wait(roomID)
	return g.process.UnbindRoom(ctx, roomID)
}

func (g *gatedBinder) wait(key string) {
	select {
	case g.entered <- key:
	default:
	}
	<-g.release
}

// gatedProcess builds a process whose Binder blocks unbinds on the gate.
func (b *bus) gatedProcess(t *testing.T, id string) (*process, *gatedBinder) {
	t.Helper()

	gate := newGatedBinder()
	p := b.process(t, id, func(d *Deps) { d.Binder = gate })
	gate.process = p
	return p, gate
}
