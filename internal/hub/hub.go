package hub

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"noticeboard/internal/metrics"
	"noticeboard/internal/registry"
	"noticeboard/pkg/interfaces"
	"noticeboard/pkg/types"
)

// Config holds the settings a hub is constructed with
type Config struct {
	MaxChannelsPerIdentity int
}

// SocketSource lists the transport's open sockets. It outlives the hub's
// in-memory state and is what Restart recovers from.
type SocketSource interface {
	Sockets() []interfaces.Channel
}

// Hub is the registry instance. One goroutine owns the session directory;
// every directory read or write, fan-out and inbound frame is handled there
// as a command, so the directory itself needs no locking.
type Hub struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	maxChannels atomic.Int64
	now         func() time.Time

	mu      sync.RWMutex
	run     *loop
	lifeCtx context.Context
}

// loop is the state of one run. Restart discards it and starts from an
// empty directory.
type loop struct {
	directory *registry.Directory

	registerChannel   chan *registration
	unregisterChannel chan *deregistration
	pushChannel       chan *pushRequest
	inboundChannel    chan *inboundMessage
	recoverChannel    chan *recovery
	queryChannel      chan chan types.Stats
	shutdownChannel   chan struct{}
	done              chan struct{}
	stopOnce          sync.Once
}

type registration struct {
	identity    string
	channel     interfaces.Channel
	acknowledge bool
	reply       chan error
}

type deregistration struct {
	identity string // empty when the attachment could not be read
	channel  interfaces.Channel
	reply    chan bool
}

type pushRequest struct {
	identity string
	payload  []byte
	reply    chan int
}

type inboundMessage struct {
	channel interfaces.Channel
	data    []byte
}

type recovery struct {
	candidates []recoveryCandidate
	reply      chan int
}

type recoveryCandidate struct {
	attachment types.Attachment
	channel    interfaces.Channel
}

// NewHub creates a stopped hub
func NewHub(config Config, logger *zap.Logger, m *metrics.Metrics) *Hub {
	h := &Hub{
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	h.SetMaxChannelsPerIdentity(config.MaxChannelsPerIdentity)
	return h
}

func newLoop() *loop {
	return &loop{
		directory:         registry.NewDirectory(),
		registerChannel:   make(chan *registration, 100),
		unregisterChannel: make(chan *deregistration, 100),
		pushChannel:       make(chan *pushRequest, 100),
		inboundChannel:    make(chan *inboundMessage, 1000),
		recoverChannel:    make(chan *recovery),
		queryChannel:      make(chan chan types.Stats),
		shutdownChannel:   make(chan struct{}),
		done:              make(chan struct{}),
	}
}

func (l *loop) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *loop) stop() {
	l.stopOnce.Do(func() { close(l.shutdownChannel) })
}

// SetMaxChannelsPerIdentity changes the admission cap. It applies from the
// next registration on; nobody is evicted retroactively.
func (h *Hub) SetMaxChannelsPerIdentity(n int) {
	if n == 0 {
		n = registry.DefaultMaxChannelsPerIdentity
	}
	h.maxChannels.Store(int64(n))
}

// MaxChannelsPerIdentity returns the admission cap
func (h *Hub) MaxChannelsPerIdentity() int {
	return int(h.maxChannels.Load())
}

// Start begins processing with an empty directory
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.run != nil && !h.run.stopped() {
		return ErrHubAlreadyRunning
	}

	l := newLoop()
	h.run = l
	h.lifeCtx = ctx
	go h.process(ctx, l)

	h.logger.Info("registry started", zap.Int("max_channels_per_identity", h.MaxChannelsPerIdentity()))
	return nil
}

// Stop ends processing and drops the in-memory directory. Channels are left
// open; they can be recovered by a later Restart.
func (h *Hub) Stop() error {
	h.mu.Lock()
	l := h.run
	h.run = nil
	h.mu.Unlock()

	if l == nil || l.stopped() {
		return ErrHubNotRunning
	}

	l.stop()
	<-l.done

	h.logger.Info("registry stopped")
	return nil
}

// Restart recycles the registry: the directory is discarded, a fresh loop is
// started and every socket still open in src is recovered from its
// attachment. The new loop keeps the context of the last Start; ctx only
// bounds recovery. Returns the number of channels recovered.
func (h *Hub) Restart(ctx context.Context, src SocketSource) (int, error) {
	h.mu.RLock()
	lifeCtx := h.lifeCtx
	h.mu.RUnlock()
	if lifeCtx == nil || lifeCtx.Err() != nil {
		lifeCtx = context.Background()
	}

	if err := h.Stop(); err != nil && !errors.Is(err, ErrHubNotRunning) {
		return 0, err
	}
	if err := h.Start(lifeCtx); err != nil {
		return 0, err
	}
	return h.Recover(ctx, src.Sockets())
}

// Running reports whether the hub accepts commands
func (h *Hub) Running() bool {
	_, err := h.current()
	return err == nil
}

func (h *Hub) current() (*loop, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.run == nil || h.run.stopped() {
		return nil, ErrHubNotRunning
	}
	return h.run, nil
}

// submit hands cmd to the loop
func submit[T any](ctx context.Context, l *loop, ch chan<- T, cmd T) error {
	select {
	case ch <- cmd:
		return nil
	case <-l.done:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await waits for the loop to answer a submitted command
func await[T any](ctx context.Context, l *loop, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-l.done:
		// the loop may have answered right before exiting
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrHubNotRunning
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// process is the loop goroutine
func (h *Hub) process(ctx context.Context, l *loop) {
	defer close(l.done)

	for {
		select {
		case r := <-l.registerChannel:
			r.reply <- h.handleRegister(l.directory, r)

		case d := <-l.unregisterChannel:
			d.reply <- h.handleDeregister(l.directory, d)

		case p := <-l.pushChannel:
			p.reply <- h.handlePush(l.directory, p)

		case m := <-l.inboundChannel:
			h.handleInbound(m)

		case r := <-l.recoverChannel:
			r.reply <- h.handleRecover(l.directory, r)

		case q := <-l.queryChannel:
			q <- l.directory.Stats()

		case <-l.shutdownChannel:
			return

		case <-ctx.Done():
			h.logger.Info("registry context cancelled")
			return
		}
	}
}

// Register adds an accepted channel under identity, enforces the admission
// cap and acknowledges the channel with a connected frame
func (h *Hub) Register(ctx context.Context, identity string, ch interfaces.Channel) error {
	l, err := h.current()
	if err != nil {
		return err
	}

	r := &registration{identity: identity, channel: ch, acknowledge: true, reply: make(chan error, 1)}
	if err := submit(ctx, l, l.registerChannel, r); err != nil {
		return err
	}
	regErr, err := await(ctx, l, r.reply)
	if err != nil {
		return err
	}
	return regErr
}

// Deregister removes ch. An empty identity falls back to whatever identity
// the directory has ch under. Returns false if ch was not registered.
func (h *Hub) Deregister(ctx context.Context, identity string, ch interfaces.Channel) (bool, error) {
	l, err := h.current()
	if err != nil {
		return false, err
	}

	d := &deregistration{identity: identity, channel: ch, reply: make(chan bool, 1)}
	if err := submit(ctx, l, l.unregisterChannel, d); err != nil {
		return false, err
	}
	return await(ctx, l, d.reply)
}

// Push sends payload to every open channel of identity and returns how many
// sends were accepted. An identity with no channels is not an error.
func (h *Hub) Push(ctx context.Context, identity string, payload []byte) (int, error) {
	l, err := h.current()
	if err != nil {
		return 0, err
	}

	p := &pushRequest{identity: identity, payload: payload, reply: make(chan int, 1)}
	if err := submit(ctx, l, l.pushChannel, p); err != nil {
		return 0, err
	}
	return await(ctx, l, p.reply)
}

// Stats returns the size of the directory
func (h *Hub) Stats(ctx context.Context) (types.Stats, error) {
	l, err := h.current()
	if err != nil {
		return types.Stats{}, err
	}

	reply := make(chan types.Stats, 1)
	if err := submit(ctx, l, l.queryChannel, reply); err != nil {
		return types.Stats{}, err
	}
	return await(ctx, l, reply)
}
