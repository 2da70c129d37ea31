// Package coretest provides in-memory implementations of the core media
// and signaling interfaces for tests.
package coretest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

var seq atomic.Uint64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

var opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}

// Engine is a router factory that creates in-memory routers. Gate, when
// set, blocks every CreateRouter until it is closed.
type Engine struct {
	Gate chan struct{}

	mu      sync.Mutex
	err     error
	created []*Router
}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) FailRouters(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *Engine) CreateRouter(ctx context.Context, opts core.RouterOptions) (core.Router, error) {
	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	r := NewRouter(0, opts.Room)
	e.created = append(e.created, r)
	return r, nil
}

// Created returns every router handed out so far.
func (e *Engine) Created() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.created...)
}

// Worker is an in-memory core.Worker. Kill simulates process death.
type Worker struct {
	id   int
	died chan error

	mu      sync.Mutex
	routers []*Router
	closed  bool
}

func NewWorker(id int) *Worker {
	return &Worker{id: id, died: make(chan error, 1)}
}

func (w *Worker) ID() int { return w.id }

func (w *Worker) CreateRouter(_ context.Context, opts core.RouterOptions) (core.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, domain.ErrWorkerDied
	}
	r := NewRouter(w.id, opts.Room)
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, r := range w.routers {
		if !r.Closed() {
			n++
		}
	}
	return n
}

func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) Kill(err error) {
	select {
	case w.died <- err:
	default:
	}
}

func (w *Worker) Close() error {
	w.mu.Lock()
	routers := w.routers
	w.closed = true
	w.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
	return nil
}

func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

type Router struct {
	id       string
	workerID int
	Room     domain.RoomName

	mu         sync.Mutex
	transports []*Transport
	err        error
	closed     bool
}

func NewRouter(workerID int, room domain.RoomName) *Router {
	return &Router{id: nextID("router"), workerID: workerID, Room: room}
}

func (r *Router) ID() string    { return r.id }
func (r *Router) WorkerID() int { return r.workerID }

func (r *Router) Capabilities() []webrtc.RTPCodecCapability {
	return []webrtc.RTPCodecCapability{opus}
}

// FailTransports makes every later CreateTransport return err.
func (r *Router) FailTransports(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Router) CreateTransport(_ context.Context, opts core.TransportOptions) (core.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s closed: %w", r.id, domain.ErrTransport)
	}
	if r.err != nil {
		return nil, r.err
	}
	t := &Transport{id: nextID("transport"), Options: opts}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	transports := r.transports
	r.closed = true
	r.mu.Unlock()
	for _, t := range transports {
		t.Close()
	}
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Transports returns every transport created on the router.
func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Transport(nil), r.transports...)
}

type Transport struct {
	id      string
	Options core.TransportOptions

	mu        sync.Mutex
	closed    bool
	consumers []*Consumer
}

func (t *Transport) ID() string                  { return t.id }
func (t *Transport) Direction() domain.Direction { return t.Options.Direction }

func (t *Transport) Connect(_ context.Context, remote webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if t.Closed() {
		return nil, fmt.Errorf("transport %s closed: %w", t.id, domain.ErrTransport)
	}
	if remote.Type == webrtc.SDPTypeOffer {
		return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + t.id}, nil
	}
	return nil, nil
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if t.Closed() {
		return nil, fmt.Errorf("transport %s closed: %w", t.id, domain.ErrTransport)
	}
	if t.Direction() != domain.DirectionSend {
		return nil, fmt.Errorf("produce on %s transport: %w", t.Direction(), domain.ErrBadRequest)
	}
	return &Producer{id: nextID("producer"), kind: opts.Kind}, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, *webrtc.SessionDescription, error) {
	if t.Closed() {
		return nil, nil, fmt.Errorf("transport %s closed: %w", t.id, domain.ErrTransport)
	}
	if t.Direction() != domain.DirectionRecv {
		return nil, nil, fmt.Errorf("consume on %s transport: %w", t.Direction(), domain.ErrBadRequest)
	}
	p, ok := opts.Producer.(*Producer)
	if !ok {
		return nil, nil, errors.New("coretest: foreign producer")
	}
	c := &Consumer{id: nextID("consumer"), producer: p, appData: opts.AppData}
	c.paused.Store(opts.Paused)
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + c.id}
	return c, offer, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Consumers returns every consumer created on the transport.
func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.consumers...)
}

type Producer struct {
	id     string
	kind   domain.MediaKind
	paused atomic.Bool
	closed atomic.Bool
}

func (p *Producer) ID() string                       { return p.id }
func (p *Producer) Kind() domain.MediaKind           { return p.kind }
func (p *Producer) Codec() webrtc.RTPCodecCapability { return opus }
func (p *Producer) Paused() bool                     { return p.paused.Load() }
func (p *Producer) Pause()                           { p.paused.Store(true) }
func (p *Producer) Resume()                          { p.paused.Store(false) }
func (p *Producer) Close()                           { p.closed.Store(true) }
func (p *Producer) Closed() bool                     { return p.closed.Load() }

type Consumer struct {
	id       string
	producer *Producer
	appData  map[string]any
	paused   atomic.Bool
	closed   atomic.Bool
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producer.id }
func (c *Consumer) AppData() map[string]any { return c.appData }
func (c *Consumer) Kind() domain.MediaKind { return c.producer.kind }
func (c *Consumer) Paused() bool           { return c.paused.Load() }
func (c *Consumer) ProducerPaused() bool   { return c.producer.Paused() }
func (c *Consumer) Pause()                 { c.paused.Store(true) }
func (c *Consumer) Resume()                { c.paused.Store(false) }
func (c *Consumer) Close()                 { c.closed.Store(true) }
func (c *Consumer) Closed() bool           { return c.closed.Load() }

// Conn is an in-memory core.SignalConnection that records every frame.
type Conn struct {
	id core.ConnID

	mu     sync.Mutex
	frames []core.Frame
	err    error
	closed bool
}

func NewConn(id string) *Conn { return &Conn{id: core.ConnID(id)} }

func (c *Conn) ID() core.ConnID { return c.id }

// FailSends makes every later TrySend return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events decodes the type of every frame received so far.
func (c *Conn) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var e core.Event
		if err := json.Unmarshal(f, &e); err == nil {
			out = append(out, e.Type)
		}
	}
	return out
}

// Count returns how many frames of the given event type arrived.
func (c *Conn) Count(event string) int {
	n := 0
	for _, e := range c.Events() {
		if e == event {
			n++
		}
	}
	return n
}

// Frames returns a copy of the raw frames.
func (c *Conn) Frames() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.frames...)
}
