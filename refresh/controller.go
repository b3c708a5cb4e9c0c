// Package refresh runs the fetch, parse, sort, merge favorites and publish
// cycle for the configured bike network.
//
// Refresh requests are queued and handled one at a time by a single worker
// goroutine, so there is never more than one fetch in flight and publishes
// never race. Results are handed to attached sinks through a Dispatch hook,
// which lets the owner marshal them onto its own event loop.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"go.lepak.sg/bikeshare-backend/citybikes"
	"go.lepak.sg/bikeshare-backend/model"
)

var (
	ErrEmptyNetworkConfig = errors.New("no network configured")
	ErrClosed             = errors.New("refresh controller closed")
)

// Config is read at the start of every refresh.
type Config interface {
	NetworkID(ctx context.Context) (string, error)
	StripID(ctx context.Context) (bool, error)
}

type Fetcher interface {
	FetchNetwork(ctx context.Context, networkID string, stripIDPrefix bool) (*model.BikeNetwork, error)
}

type Favorites interface {
	Reload(ctx context.Context) error
	Filter(l model.Stations) model.Stations
	Toggle(ctx context.Context, id string) (bool, error)
}

type NewParam struct {
	// Cancelling Ctx has the same effect as Close
	Ctx       context.Context
	Config    Config
	Fetcher   Fetcher
	Favorites Favorites

	// Runs publishing work on the consumer's thread. Must run functions in
	// the order they were handed over. Defaults to calling them inline.
	Dispatch func(func())

	Logger *zap.Logger
	// Metrics are not registered when nil
	Registerer prometheus.Registerer
}

type request struct {
	ctx context.Context
	id  string
	out chan model.RefreshResult
}

type sinkEntry struct {
	sink     Sink
	detached atomic.Bool
}

type Controller struct {
	config    Config
	fetcher   Fetcher
	favorites Favorites
	dispatch  func(func())
	logger    *zap.Logger
	metrics   *metrics

	// This is the context for the worker, when it's cancelled any fetch in
	// flight is abandoned and queued requests fail
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queueLock sync.Mutex
	queue     []request
	closed    bool
	wake      chan struct{}

	state      atomic.Int32
	refreshing atomic.Bool

	// guards state transitions and pending, the count of handed over
	// publishes that have not run yet
	stateLock sync.Mutex
	pending   int

	snapshot   atomic.Pointer[Snapshot]

	// held while sinks are being called
	publishLock sync.Mutex

	sinksLock sync.Mutex
	sinks     []*sinkEntry
}

func New(p NewParam) (*Controller, error) {
	if p.Config == nil || p.Fetcher == nil || p.Favorites == nil {
		return nil, errors.New("refresh: Config, Fetcher and Favorites are required")
	}
	if p.Ctx == nil {
		p.Ctx = context.Background()
	}
	if p.Dispatch == nil {
		p.Dispatch = func(f func()) { f() }
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	c := &Controller{
		config:    p.Config,
		fetcher:   p.Fetcher,
		favorites: p.Favorites,
		dispatch:  p.Dispatch,
		logger:    p.Logger.Named("refresh"),
		metrics:   newMetrics(p.Registerer),
		wake:      make(chan struct{}, 1),
	}
	c.ctx, c.cancel = context.WithCancel(p.Ctx)

	c.wg.Add(1)
	go c.work()

	return c, nil
}

func MustNew(p NewParam) *Controller {
	c, err := New(p)
	if err != nil {
		panic(err)
	}
	return c
}

// Close stops the worker. A fetch in flight is abandoned and its result
// discarded; queued requests receive a canceled failure.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Refresh queues a refresh of the configured network and returns right away.
// The channel receives exactly one result, after it has been published.
// If ctx is cancelled before then, nothing is published and the result is a
// ReasonCanceled failure.
func (c *Controller) Refresh(ctx context.Context) <-chan model.RefreshResult {
	if ctx == nil {
		ctx = context.Background()
	}
	req := request{
		ctx: ctx,
		id:  uuid.NewString(),
		out: make(chan model.RefreshResult, 1),
	}

	c.queueLock.Lock()
	if c.closed {
		c.queueLock.Unlock()
		req.out <- model.Failure(model.ReasonCanceled, ErrClosed)
		return req.out
	}
	c.queue = append(c.queue, req)
	c.metrics.Queued.Set(float64(len(c.queue)))
	c.queueLock.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	return req.out
}

// State returns the worker state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Refreshing reports whether a fetch is in flight.
func (c *Controller) Refreshing() bool {
	return c.refreshing.Load()
}

// Snapshot returns the last published snapshot, or nil before the first
// successful refresh.
func (c *Controller) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Search filters the last published station list by name.
func (c *Controller) Search(query string) model.Stations {
	snap := c.snapshot.Load()
	if snap == nil {
		return model.Stations{}
	}
	return snap.All.Search(query)
}

// Attach registers a sink for future events. The returned function detaches
// it; once it returns, the sink receives nothing more unless a publish is
// running concurrently on another goroutine than the caller's.
func (c *Controller) Attach(s Sink) (detach func()) {
	e := &sinkEntry{sink: s}

	c.sinksLock.Lock()
	c.sinks = append(c.sinks, e)
	c.sinksLock.Unlock()

	return func() {
		if e.detached.Swap(true) {
			return
		}
		c.sinksLock.Lock()
		defer c.sinksLock.Unlock()
		for i := range c.sinks {
			if c.sinks[i] == e {
				c.sinks = append(c.sinks[:i:i], c.sinks[i+1:]...)
				break
			}
		}
	}
}

func (c *Controller) attached() []*sinkEntry {
	c.sinksLock.Lock()
	defer c.sinksLock.Unlock()
	out := make([]*sinkEntry, len(c.sinks))
	copy(out, c.sinks)
	return out
}

func (c *Controller) eachSink(f func(Sink)) {
	for _, e := range c.attached() {
		if !e.detached.Load() {
			f(e.sink)
		}
	}
}

// ToggleFavorite flips the favorite state of a station and republishes the
// current snapshot with the new favorites list. It does not fetch.
func (c *Controller) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	on, err := c.favorites.Toggle(ctx, id)
	if err != nil {
		return on, fmt.Errorf("toggling favorite %q: %w", id, err)
	}

	c.logger.Debug("favorite toggled", zap.String("station", id), zap.Bool("favorite", on))

	c.dispatch(func() {
		c.publishLock.Lock()
		defer c.publishLock.Unlock()

		cur := c.snapshot.Load()
		if cur == nil || c.ctx.Err() != nil {
			return
		}
		next := &Snapshot{
			Network:   cur.Network,
			All:       cur.All,
			Favorites: c.favorites.Filter(cur.All),
			UpdatedAt: cur.UpdatedAt,
		}
		c.snapshot.Store(next)
		c.metrics.Favorites.Set(float64(len(next.Favorites)))

		res := model.Success(next.Network, next.All, next.Favorites)
		c.eachSink(func(s Sink) { s.OnRefreshResult(res) })
	})

	return on, nil
}

func (c *Controller) work() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			c.drain()
			c.logger.Debug("exiting refresh worker")
			return
		case <-c.wake:
		}

		for {
			req, ok := c.pop()
			if !ok {
				break
			}
			c.run(req)
		}
	}
}

func (c *Controller) pop() (request, bool) {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()

	if len(c.queue) == 0 || c.ctx.Err() != nil {
		return request{}, false
	}
	req := c.queue[0]
	c.queue = c.queue[1:]
	c.metrics.Queued.Set(float64(len(c.queue)))
	return req, true
}

func (c *Controller) drain() {
	c.queueLock.Lock()
	pending := c.queue
	c.queue = nil
	c.closed = true
	c.metrics.Queued.Set(0)
	c.queueLock.Unlock()

	for _, req := range pending {
		req.out <- model.Failure(model.ReasonCanceled, ErrClosed)
	}
}

func (c *Controller) run(req request) {
	// the fetch is abandoned if either the controller or the requester goes away
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(req.ctx, cancel)
	defer stop()

	log := c.logger.With(zap.String("refresh_id", req.id))

	if err := c.abandoned(req); err != nil {
		req.out <- model.Failure(model.ReasonCanceled, err)
		return
	}

	networkID, err := c.config.NetworkID(ctx)
	if err != nil {
		c.fail(req, log, model.ReasonConfig, fmt.Errorf("reading network id: %w", err))
		return
	}
	if networkID == "" {
		c.fail(req, log, model.ReasonNoNetwork, ErrEmptyNetworkConfig)
		return
	}

	strip, err := c.config.StripID(ctx)
	if err != nil {
		log.Warn("reading strip-id preference, assuming false", zap.Error(err))
		strip = false
	}

	log = log.With(zap.String("network", networkID))
	network, err := c.fetch(ctx, log, networkID, strip)
	if cerr := c.abandoned(req); cerr != nil {
		log.Info("refresh abandoned", zap.Error(cerr))
		c.settle()
		req.out <- model.Failure(model.ReasonCanceled, cerr)
		return
	}
	if err != nil {
		reason := model.ReasonConnection
		if errors.Is(err, citybikes.ErrMalformedPayload) {
			reason = model.ReasonMalformed
		}
		c.fail(req, log, reason, err)
		return
	}

	// the favorite set may have been changed by another process sharing the preferences
	if err := c.favorites.Reload(ctx); err != nil {
		log.Warn("reloading favorites, using cached set", zap.Error(err))
	}

	all := network.Stations.Copy()
	all.Sort()
	network.Stations = all

	log.Info("refresh fetched", zap.Int("stations", len(all)))

	c.enter(StatePublishing)
	c.publish(func() {
		if err := c.abandoned(req); err != nil {
			log.Info("discarding result of abandoned refresh")
			req.out <- model.Failure(model.ReasonCanceled, err)
			return
		}

		// computed here so that a toggle dispatched earlier is never lost
		snap := &Snapshot{
			Network:   network,
			All:       all,
			Favorites: c.favorites.Filter(all),
			UpdatedAt: time.Now(),
		}
		c.snapshot.Store(snap)

		c.metrics.LastUpdated.SetToCurrentTime()
		c.metrics.Stations.Set(float64(len(snap.All)))
		c.metrics.Favorites.Set(float64(len(snap.Favorites)))

		res := model.Success(snap.Network, snap.All, snap.Favorites)
		c.eachSink(func(s Sink) { s.OnRefreshResult(res) })
		req.out <- res
	})
}

// fetch announces the refresh, runs it, and clears the refreshing flag on every path.
func (c *Controller) fetch(ctx context.Context, log *zap.Logger, networkID string, strip bool) (network *model.BikeNetwork, err error) {
	startTime := time.Now()

	c.enter(StateFetching)
	c.refreshing.Store(true)
	c.dispatch(func() {
		c.publishLock.Lock()
		defer c.publishLock.Unlock()
		c.eachSink(func(s Sink) { s.OnRefreshStart() })
	})
	log.Debug("refresh started")

	defer func() {
		c.refreshing.Store(false)
		c.metrics.Latency.Observe(time.Since(startTime).Seconds())
		c.metrics.Requests.Inc()
	}()

	return c.fetcher.FetchNetwork(ctx, networkID, strip)
}

func (c *Controller) fail(req request, log *zap.Logger, reason model.Reason, err error) {
	c.enter(StateFailed)
	c.metrics.Errors.WithLabelValues(string(reason)).Inc()
	log.Warn("refresh failed", zap.String("reason", string(reason)), zap.Error(err))

	res := model.Failure(reason, err)
	c.publish(func() {
		if err := c.abandoned(req); err != nil {
			req.out <- model.Failure(model.ReasonCanceled, err)
			return
		}
		c.eachSink(func(s Sink) { s.OnRefreshResult(res) })
		req.out <- res
	})
}

// publish hands f to the consumer. The worker may move on to the next request
// before f runs; the state only drops back to idle once every handed over
// publish has run.
func (c *Controller) publish(f func()) {
	c.stateLock.Lock()
	c.pending++
	c.stateLock.Unlock()

	c.dispatch(func() {
		c.publishLock.Lock()
		defer c.publishLock.Unlock()
		defer c.published()
		f()
	})
}

func (c *Controller) published() {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	c.pending--
	if c.pending > 0 {
		return
	}
	switch State(c.state.Load()) {
	case StatePublishing, StateFailed:
		c.state.Store(int32(StateIdle))
	}
}

func (c *Controller) enter(s State) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.state.Store(int32(s))
}

// settle ends a refresh that published nothing.
func (c *Controller) settle() {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.pending > 0 {
		c.state.Store(int32(StatePublishing))
	} else {
		c.state.Store(int32(StateIdle))
	}
}

// abandoned returns why the refresh should be dropped, or nil. It only looks
// at the requester and the controller: a publish handed to the consumer stays
// valid after the worker has moved on.
func (c *Controller) abandoned(req request) error {
	if err := req.ctx.Err(); err != nil {
		return err
	}
	return c.ctx.Err()
}
