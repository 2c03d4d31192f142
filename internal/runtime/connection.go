// Package runtime is the connection engine: the multi-worker scheduler that
// binds a variable environment to a transport and drives the incoming and
// outgoing block cycle.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"varwire/internal/block"
	"varwire/internal/logging"
	"varwire/internal/varenv"
)

// Transport moves block batches between a connection and its peers. Every
// method is called from a single worker: GetUpdates from the input pump,
// SendUpdates from the output pump.
type Transport interface {
	// Init is called once after the connection is constructed.
	Init(con *Connection) error

	// IncomingPeriod bounds how long GetUpdates may block per call.
	IncomingPeriod(con *Connection) time.Duration

	// OutgoingPeriod paces refresh cycles.
	OutgoingPeriod(con *Connection) time.Duration

	// GetUpdates returns the next batch of inbound blocks, or nil when
	// nothing arrived within wait.
	GetUpdates(con *Connection, wait time.Duration) (*block.OrderedMap[*block.Block], error)

	// SendUpdates publishes an outgoing batch; it may block until the
	// transport acknowledges.
	SendUpdates(con *Connection, batch *block.OrderedMap[json.RawMessage]) error
}

// UpdateChecker lets a transport veto ingest of a fetched payload. The
// default check is "payload is non-empty".
type UpdateChecker interface {
	HasUpdates(con *Connection, payload *block.OrderedMap[*block.Block]) bool
}

func (c *Connection) hasUpdates(payload *block.OrderedMap[*block.Block]) bool {
	if checker, ok := c.transport.(UpdateChecker); ok {
		return checker.HasUpdates(c, payload)
	}
	return payload.Len() > 0
}

// Default transport cadences.
const (
	DefaultIncomingPeriod = 2 * time.Second
	DefaultUpdatePeriod   = 100 * time.Millisecond
)

// Stats counts connection activity. Snapshot through Connection.Stats.
type Stats struct {
	BlocksIn      int64
	BlocksOut     int64
	BlockErrors   int64
	RefreshCycles int64
	SendFailures  int64
}

// Options configure a connection.
type Options struct {
	Name          string
	Data          interface{} // opaque transport handle
	Roots         map[string]interface{}
	Transport     Transport
	Evaluator     Evaluator
	DefaultUpdate time.Duration
	Verbosity     int
	IndicateStart bool
	VerboseRefs   bool

	// DefaultStream is the topic outgoing blocks fall back to.
	DefaultStream string

	// SubscriberID identifies this peer for block targeting. Defaults to a
	// fresh uuid.
	SubscriberID string

	// LongRunningThreshold is when the accounting worker warns about a
	// stuck callable.
	LongRunningThreshold time.Duration

	// DieOnFailure terminates the process when a callable submitted
	// through Connection.Async returns an error.
	DieOnFailure bool

	// ReadyWriter receives the READY line; defaults to stdout.
	ReadyWriter io.Writer
}

// Connection binds a variable environment to a transport and coordinates
// the command, refresh, input, output, and accounting workers.
type Connection struct {
	Name string
	Data interface{}

	env       *varenv.Env
	transport Transport
	evaluator Evaluator

	// Owned by the command worker.
	monitors   map[string]*MonitorData
	dataBlocks map[string]*block.Block
	incoming   *block.OrderedMap[*block.Block]
	reducers   map[string]Reducer

	// Owned by the refresh worker.
	outgoing *block.OrderedMap[json.RawMessage]

	command *Worker
	refresh *Worker
	acct    *accountant

	defaultUpdate time.Duration
	defaultStream string
	subscriberID  string
	verbosity     int
	indicateStart bool
	dieOnFailure  bool
	readyWriter   io.Writer

	lastCheck time.Time

	closed    atomic.Bool
	readySent atomic.Bool
	stopCh    chan struct{}
	group     *errgroup.Group

	outMuterOnce sync.Once
	outMuter     *failureMuter

	counters counters
}

// counters are the connection's activity counters; they are bumped from
// several workers, so each is atomic.
type counters struct {
	blocksIn      atomic.Int64
	blocksOut     atomic.Int64
	blockErrors   atomic.Int64
	refreshCycles atomic.Int64
	sendFailures  atomic.Int64
}

// Start constructs a connection around a transport and launches its workers.
func Start(ctx context.Context, opts Options) (*Connection, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("connection %q needs a transport", opts.Name)
	}
	if opts.DefaultUpdate <= 0 {
		opts.DefaultUpdate = DefaultUpdatePeriod
	}
	if opts.SubscriberID == "" {
		opts.SubscriberID = uuid.NewString()
	}
	if opts.ReadyWriter == nil {
		opts.ReadyWriter = os.Stdout
	}

	env := varenv.NewEnv(opts.Roots)
	env.VerboseRefs = opts.VerboseRefs

	acct := newAccountant(opts.LongRunningThreshold)
	c := &Connection{
		Name:          opts.Name,
		Data:          opts.Data,
		env:           env,
		transport:     opts.Transport,
		evaluator:     opts.Evaluator,
		monitors:      make(map[string]*MonitorData),
		dataBlocks:    make(map[string]*block.Block),
		incoming:      block.NewOrderedMap[*block.Block](),
		reducers:      make(map[string]Reducer),
		outgoing:      block.NewOrderedMap[json.RawMessage](),
		command:       newWorker("command", 64, acct),
		refresh:       newWorker("refresh", 64, acct),
		acct:          acct,
		defaultUpdate: opts.DefaultUpdate,
		defaultStream: opts.DefaultStream,
		subscriberID:  opts.SubscriberID,
		verbosity:     opts.Verbosity,
		indicateStart: opts.IndicateStart,
		dieOnFailure:  opts.DieOnFailure,
		readyWriter:   opts.ReadyWriter,
		stopCh:        make(chan struct{}),
	}

	if err := opts.Transport.Init(c); err != nil {
		return nil, fmt.Errorf("transport init failed: %w", err)
	}

	g, gctx := errgroup.WithContext(With(ctx, c))
	c.group = g
	g.Go(func() error { c.command.run(gctx); return nil })
	g.Go(func() error { c.refresh.run(gctx); return nil })
	g.Go(func() error { c.acct.run(); return nil })
	g.Go(func() error { c.inputLoop(gctx); return nil })
	g.Go(func() error { c.outputLoop(gctx); return nil })

	setDefaultConnection(c)
	logging.Runtime("connection %s started (subscriber %s)", c.Name, c.subscriberID)
	return c, nil
}

// Env returns the connection's variable environment. Outside of tests,
// touch it only from callables submitted to the refresh worker.
func (c *Connection) Env() *varenv.Env { return c.env }

// SubscriberID returns this peer's targeting id.
func (c *Connection) SubscriberID() string { return c.subscriberID }

// DefaultStream returns the fallback output topic.
func (c *Connection) DefaultStream() string { return c.defaultStream }

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() Stats {
	return Stats{
		BlocksIn:      c.counters.blocksIn.Load(),
		BlocksOut:     c.counters.blocksOut.Load(),
		BlockErrors:   c.counters.blockErrors.Load(),
		RefreshCycles: c.counters.refreshCycles.Load(),
		SendFailures:  c.counters.sendFailures.Load(),
	}
}

// inputLoop is the INPUT pump: it repeatedly calls the transport's
// GetUpdates and drains the result into the incoming queue.
func (c *Connection) inputLoop(ctx context.Context) {
	muter := newFailureMuter("input pump")
	for !c.closed.Load() {
		wait := c.transport.IncomingPeriod(c)
		if wait <= 0 {
			wait = DefaultIncomingPeriod
		}
		batch, err := c.transport.GetUpdates(c, wait)
		if c.closed.Load() {
			return
		}
		if err != nil {
			muter.fail(err)
			select {
			case <-c.stopCh:
				return
			case <-time.After(wait):
			}
			continue
		}
		muter.ok()
		if !c.hasUpdates(batch) {
			continue
		}
		_ = c.command.Async(func(context.Context) error {
			batch.Each(func(name string, b *block.Block) bool {
				c.incoming.Set(name, b)
				return true
			})
			return nil
		})
	}
}

// outputLoop is the OUTPUT pump: it paces refresh cycles and hands the
// outgoing batch to the transport. The refresh worker is never blocked on
// the transport: the batch is detached first and sent after.
func (c *Connection) outputLoop(ctx context.Context) {
	for !c.closed.Load() {
		c.runCycle(ctx)

		sleep := c.cycleSleep()
		select {
		case <-c.stopCh:
			return
		case <-time.After(sleep):
		}
	}
}

// cycleSleep returns a tenth of the shortest monitor period (or the
// transport's pacing period) so due ticks are not missed.
func (c *Connection) cycleSleep() time.Duration {
	period := c.transport.OutgoingPeriod(c)
	if period <= 0 {
		period = c.defaultUpdate
	}
	_ = c.command.Sync(context.Background(), func(ctx context.Context) error {
		for _, mon := range c.monitors {
			if mon.Update > 0 && mon.Update < period {
				period = mon.Update
			}
		}
		return nil
	})
	sleep := period / 10
	if sleep < time.Millisecond {
		sleep = time.Millisecond
	}
	return sleep
}

// runCycle executes one update cycle: drain incoming, refresh due monitors,
// dispatch the drained blocks, then send the outgoing batch.
func (c *Connection) runCycle(ctx context.Context) {
	// Drain incoming on its owning worker.
	var batch *block.OrderedMap[*block.Block]
	err := c.command.Sync(ctx, func(context.Context) error {
		if c.incoming.Len() == 0 {
			return nil
		}
		batch = c.incoming
		c.incoming = block.NewOrderedMap[*block.Block]()
		return nil
	})
	if err != nil {
		return
	}

	// Refresh pending changes before applying new blocks.
	now := time.Now()
	_ = c.refresh.Sync(ctx, func(context.Context) error {
		c.counters.refreshCycles.Add(1)
		return c.refreshMonitors(now)
	})
	c.lastCheck = now

	// Apply block dispatches; handlers touch the env through refresh.
	if batch != nil && batch.Len() > 0 {
		_ = c.command.Sync(ctx, func(cctx context.Context) error {
			c.dispatchBatch(cctx, batch)
			return nil
		})
		// Ingested blocks may force monitors; refresh them in this cycle so
		// new monitors snapshot immediately.
		_ = c.refresh.Sync(ctx, func(context.Context) error {
			return c.refreshMonitors(time.Now())
		})
	}

	// Detach the outgoing batch under refresh, send without holding it.
	var out *block.OrderedMap[json.RawMessage]
	_ = c.refresh.Sync(ctx, func(context.Context) error {
		if c.outgoing.Len() == 0 {
			return nil
		}
		out = c.outgoing
		c.outgoing = block.NewOrderedMap[json.RawMessage]()
		return nil
	})
	if out == nil {
		return
	}
	if err := c.transport.SendUpdates(c, out); err != nil {
		c.counters.sendFailures.Add(1)
		c.sendMuter().fail(err)
		return
	}
	c.sendMuter().ok()
	if c.indicateStart && !c.readySent.Swap(true) {
		fmt.Fprintln(c.readyWriter, "READY")
	}
}

func (c *Connection) sendMuter() *failureMuter {
	c.outMuterOnce.Do(func() { c.outMuter = newFailureMuter("send updates") })
	return c.outMuter
}

// Send enqueues an outgoing data publish under the given name. Within one
// refresh cycle the last write wins. Sending on a closed connection logs a
// warning and is discarded.
func (c *Connection) Send(name string, value interface{}) {
	if c.closed.Load() {
		logging.Get(logging.CategoryRuntime).Warn("send %q on closed connection %s discarded", name, c.Name)
		return
	}
	b := block.New(block.TypeData, name)
	b.Origin = c.Name
	b.Value = value
	b.HasValue = true
	encoded, err := b.Encode()
	if err != nil {
		logging.Get(logging.CategoryRuntime).Error("send %q: encode failed: %v", name, err)
		return
	}
	submitErr := c.refresh.Async(func(context.Context) error {
		c.outgoing.Set(name, encoded)
		return nil
	})
	if submitErr != nil {
		logging.Get(logging.CategoryRuntime).Warn("send %q on closed connection %s discarded", name, c.Name)
	}
}

// Sync submits fn to the named worker ("command" or "refresh") and blocks
// until it returns, rethrowing its failure. Inline when already there.
func (c *Connection) Sync(ctx context.Context, worker string, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	w, err := c.workerByName(worker)
	if err != nil {
		return err
	}
	return w.Sync(ctx, fn)
}

// Async submits fn to the named worker without waiting. Failures are logged
// with context; with DieOnFailure set they terminate the process.
func (c *Connection) Async(worker string, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	w, err := c.workerByName(worker)
	if err != nil {
		return err
	}
	wrapped := fn
	if c.dieOnFailure {
		wrapped = func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				fatal("varwire: async callable failed on %s: %v", worker, err)
			}
			return nil
		}
	}
	return w.Async(wrapped)
}

func (c *Connection) workerByName(name string) (*Worker, error) {
	switch name {
	case "command":
		return c.command, nil
	case "refresh":
		return c.refresh, nil
	default:
		return nil, fmt.Errorf("no worker %q", name)
	}
}

// Shutdown closes the command queues cooperatively: every worker runs the
// callables already queued and then exits, and all later submissions fail
// with ErrClosed.
func (c *Connection) Shutdown() {
	if c.closed.Swap(true) {
		return
	}
	close(c.stopCh)
	c.command.close()
	c.refresh.close()
	c.command.wait()
	c.refresh.wait()
	c.acct.stop()
	_ = c.group.Wait()
	clearDefaultConnection(c)
	logging.Runtime("connection %s shut down", c.Name)
}

// -----------------------------------------------------------------------------
// Ambient connection
// -----------------------------------------------------------------------------

type connCtxKey struct{}

var (
	defaultConnMu sync.Mutex
	defaultConn   *Connection
)

// With returns a context carrying the connection for ambient access.
func With(ctx context.Context, c *Connection) context.Context {
	return context.WithValue(ctx, connCtxKey{}, c)
}

// Current returns the connection carried by ctx, falling back to the
// process-wide default for the single-connection convenience API.
func Current(ctx context.Context) *Connection {
	if ctx != nil {
		if c, ok := ctx.Value(connCtxKey{}).(*Connection); ok {
			return c
		}
	}
	defaultConnMu.Lock()
	defer defaultConnMu.Unlock()
	return defaultConn
}

func setDefaultConnection(c *Connection) {
	defaultConnMu.Lock()
	defer defaultConnMu.Unlock()
	if defaultConn == nil {
		defaultConn = c
	}
}

func clearDefaultConnection(c *Connection) {
	defaultConnMu.Lock()
	defer defaultConnMu.Unlock()
	if defaultConn == c {
		defaultConn = nil
	}
}
