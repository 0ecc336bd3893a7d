// Package coordinator drives sync cycles between a local replica and the hub.
//
// A cycle runs Pushing, Pulling and RefreshingCache in that order and ends
// in Idle, or in Error and then Idle when a phase fails. Only one cycle runs
// at a time: a trigger that arrives while a cycle is running is skipped, the
// running cycle will not see its changes but the next trigger will.
//
// Triggers are Start (first cycle on startup), SetOnline (offline to online),
// SyncNow (explicit) and a periodic timer. After a failure the timer backs
// off exponentially: 1s, 2s, 4s, ... capped at 5m.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"gonotesync/models"
	"gonotesync/replica"
)

// State is the coordinator's position in a cycle.
type State int

const (
	StateIdle State = iota
	StatePushing
	StatePulling
	StateRefreshingCache
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	case StateRefreshingCache:
		return "refreshing_cache"
	case StateError:
		return "error"
	}
	return "unknown"
}

// EventKind names a lifecycle event.
type EventKind string

const (
	EventSyncStarted   EventKind = "sync_started"
	EventSyncCompleted EventKind = "sync_completed"
	EventSyncError     EventKind = "sync_error"
	EventAuthFailure   EventKind = "auth_failure"
)

// Event is handed to Options.OnEvent. Report is set on sync_completed; Err
// and Message on sync_error and auth_failure.
type Event struct {
	Kind    EventKind
	Message string
	Err     error
	Report  *Report
	At      time.Time
}

// Report summarizes one cycle.
type Report struct {
	Skipped bool

	Created   int
	Updated   int
	Deleted   int
	Conflicts []models.Conflict
	Rejected  []models.Rejection

	Upserted        int
	RemovedByServer int
	OfflineNotes    int
	ServerTime      time.Time
}

// Status is a point-in-time view for UIs.
type Status struct {
	State               State      `json:"-"`
	StateName           string     `json:"state"`
	Online              bool       `json:"online"`
	InProgress          bool       `json:"in_progress"`
	LastSync            *time.Time `json:"last_sync"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// maxBackoff caps the wait between retries after repeated failures.
const maxBackoff = 5 * time.Minute

// DefaultInterval is used when Options.Interval is unset.
const DefaultInterval = 5 * time.Minute

// Options configures a Coordinator.
type Options struct {
	// Interval between periodic cycles. Defaults to 5m.
	Interval time.Duration
	// DeviceID is sent with pulls for the hub's logs.
	DeviceID string
	// StartOffline makes the coordinator wait for SetOnline(true).
	StartOffline bool
	// OnEvent receives lifecycle events synchronously on the cycle's goroutine.
	OnEvent func(Event)
}

// Coordinator runs sync cycles for one session's replica.
type Coordinator struct {
	store  replica.Store
	remote Remote
	queue  *replica.Queue
	opts   Options
	now    func() time.Time

	cycleMu sync.Mutex
	online  atomic.Bool
	wake    chan struct{}

	mu          sync.Mutex
	state       State
	inProgress  bool
	lastSync    time.Time
	lastAttempt time.Time
	lastErr     error
	failures    int

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a coordinator over store and remote. Call Start to run the
// background loop, or SyncNow to run cycles by hand.
func New(store replica.Store, remote Remote, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	c := &Coordinator{
		store:  store,
		remote: remote,
		queue:  replica.NewQueue(store),
		opts:   opts,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	c.online.Store(!opts.StartOffline)
	return c
}

// Start launches the background loop. The first cycle runs immediately.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.loop(ctx)
	logger.Info("Sync coordinator started", "device_id", c.opts.DeviceID,
		"interval", c.opts.Interval.String())
}

// Stop ends the background loop and waits for a running cycle to finish.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	logger.Info("Sync coordinator stopped", "device_id", c.opts.DeviceID)
}

// SetOnline records connectivity. Going from offline to online triggers a
// cycle on the background loop.
func (c *Coordinator) SetOnline(online bool) {
	was := c.online.Swap(online)
	if online && !was {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// SyncNow runs one cycle on the caller's goroutine. If a cycle is already
// running the returned report has Skipped set.
func (c *Coordinator) SyncNow(ctx context.Context) (*Report, error) {
	if !c.online.Load() {
		return nil, models.NewSyncError(models.KindNetwork, 0, "client is offline", nil)
	}
	return c.runCycle(ctx)
}

// Status returns the current state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:               c.state,
		StateName:           c.state.String(),
		Online:              c.online.Load(),
		InProgress:          c.inProgress,
		ConsecutiveFailures: c.failures,
	}
	if !c.lastSync.IsZero() {
		t := c.lastSync
		st.LastSync = &t
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	c.trigger(ctx, "start")

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.trigger(ctx, "online")
		case <-ticker.C:
			if wait := c.backoffRemaining(); wait > 0 {
				continue
			}
			c.trigger(ctx, "periodic")
		}
	}
}

func (c *Coordinator) trigger(ctx context.Context, reason string) {
	if !c.online.Load() {
		return
	}
	rep, err := c.runCycle(ctx)
	if err != nil {
		c.mu.Lock()
		failures := c.failures
		c.mu.Unlock()
		logger.LogErr(err, "sync cycle failed", "trigger", reason,
			"consecutive_failures", failures)
		return
	}
	if rep.Skipped {
		logger.Debug("Sync cycle skipped, another is running", "trigger", reason)
	}
}

// backoffRemaining is how much longer the periodic timer must wait after
// the last failed attempt.
func (c *Coordinator) backoffRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures == 0 {
		return 0
	}
	return calculateBackoff(c.failures) - c.now().Sub(c.lastAttempt)
}

// calculateBackoff returns 1s doubled per consecutive failure, capped at maxBackoff.
func calculateBackoff(failures int) time.Duration {
	backoff := time.Second
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff > maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) emit(e Event) {
	if c.opts.OnEvent == nil {
		return
	}
	e.At = c.now()
	c.opts.OnEvent(e)
}

// runCycle executes push, pull and cache refresh. A phase failure aborts
// the rest; phases already finished stay committed.
func (c *Coordinator) runCycle(ctx context.Context) (rep *Report, err error) {
	if !c.cycleMu.TryLock() {
		return &Report{Skipped: true}, nil
	}
	defer c.cycleMu.Unlock()

	c.mu.Lock()
	c.inProgress = true
	c.lastAttempt = c.now()
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = serr.New(fmt.Sprintf("sync cycle panicked: %v", r))
			rep = nil
		}
		c.finish(rep, err)
	}()

	c.emit(Event{Kind: EventSyncStarted})
	rep = &Report{}

	c.setState(StatePushing)
	if err := c.push(ctx, rep); err != nil {
		return nil, err
	}

	c.setState(StatePulling)
	if err := c.pull(ctx, rep); err != nil {
		return nil, err
	}

	c.setState(StateRefreshingCache)
	if err := c.refreshCache(ctx, rep); err != nil {
		return nil, err
	}

	return rep, nil
}

func (c *Coordinator) finish(rep *Report, err error) {
	c.mu.Lock()
	c.inProgress = false
	if err != nil {
		c.state = StateError
		c.failures++
		c.lastErr = err
	} else {
		c.failures = 0
		c.lastErr = nil
		c.lastSync = c.now()
	}
	c.mu.Unlock()

	if err != nil {
		if models.IsAuthFailure(err) {
			c.emit(Event{Kind: EventAuthFailure, Message: "hub rejected credentials", Err: err})
		} else {
			c.emit(Event{Kind: EventSyncError, Message: describe(err), Err: err})
		}
		c.setState(StateIdle)
		return
	}

	c.setState(StateIdle)
	logger.Info("Sync cycle completed", "device_id", c.opts.DeviceID,
		"created", rep.Created, "updated", rep.Updated,
		"deleted", rep.Deleted, "conflicts", len(rep.Conflicts),
		"rejected", len(rep.Rejected), "upserted", rep.Upserted)
	c.emit(Event{Kind: EventSyncCompleted, Report: rep})
}

// describe renders a cycle error for people.
func describe(err error) string {
	switch models.KindOf(err) {
	case models.KindValidation:
		return "the hub refused the sync request: " + err.Error()
	case models.KindAuth:
		return "authentication with the hub failed"
	}
	return "the hub could not be reached, will retry: " + err.Error()
}

// ============================================================================
// Phases
// ============================================================================

// push sends every pending record in one request and applies each result.
// Pull does not start until all results are applied.
func (c *Coordinator) push(ctx context.Context, rep *Report) error {
	batch, err := c.queue.Build(ctx)
	if err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}

	resp, err := c.remote.Push(ctx, batch.Request)
	if err != nil {
		return err
	}
	res := resp.Results

	for _, fr := range res.Folders {
		if err := c.ack(ctx, batch, fr.LocalID, replica.FromFolder(fr.Server), rep); err != nil {
			return err
		}
	}
	for _, nr := range res.Notes {
		if err := c.ack(ctx, batch, nr.LocalID, replica.FromNote(nr.Server), rep); err != nil {
			return err
		}
	}

	for _, d := range res.Deleted {
		if err := c.store.AckDeleted(ctx, d.LocalID); err != nil {
			return serr.Wrap(err, "failed to acknowledge delete")
		}
		rep.Deleted++
	}

	for _, cf := range res.Conflicts {
		if _, ok := batch.Records[cf.LocalID]; !ok {
			logger.Info("Hub reported a conflict for an unknown record", "local_id", cf.LocalID)
			continue
		}
		if err := c.store.MarkConflict(ctx, cf.LocalID, cf); err != nil {
			return serr.Wrap(err, "failed to record conflict")
		}
		rep.Conflicts = append(rep.Conflicts, cf)
	}

	for _, rj := range res.Rejected {
		logger.Info("Hub rejected push item", "entity_type", string(rj.EntityType),
			"local_id", rj.LocalID, "reason", rj.Reason)
		rep.Rejected = append(rep.Rejected, rj)
	}
	return nil
}

func (c *Coordinator) ack(ctx context.Context, batch *replica.Batch, localID string, server replica.Record, rep *Report) error {
	sent, ok := batch.Records[localID]
	if !ok {
		logger.Info("Hub acknowledged an unknown record", "local_id", localID)
		return nil
	}
	if err := c.store.AckPushed(ctx, localID, batch.Revisions[localID], server); err != nil {
		return serr.Wrap(err, "failed to acknowledge push")
	}
	if sent.ServerID == 0 {
		rep.Created++
	} else {
		rep.Updated++
	}
	return nil
}

// pull applies the delta since the cursor. Upserts go before deletions and
// the cursor moves only once everything is applied.
func (c *Coordinator) pull(ctx context.Context, rep *Report) error {
	since, err := c.store.LastSyncAt(ctx)
	if err != nil {
		return err
	}

	req := models.PullRequest{DeviceID: c.opts.DeviceID}
	if !since.IsZero() {
		req.LastSyncAt = &since
	}

	resp, err := c.remote.Pull(ctx, req)
	if err != nil {
		return err
	}

	upsert := func(r replica.Record) error {
		applied, err := c.store.UpsertFromServer(ctx, r)
		if err != nil {
			return err
		}
		if applied {
			rep.Upserted++
		}
		return nil
	}
	for _, f := range resp.Folders {
		if err := upsert(replica.FromFolder(f)); err != nil {
			return err
		}
	}
	for _, t := range resp.Tags {
		if err := upsert(replica.FromTag(t)); err != nil {
			return err
		}
	}
	for _, n := range resp.Notes {
		if err := upsert(replica.FromNote(n)); err != nil {
			return err
		}
	}

	for _, d := range resp.Deletions {
		removed, err := c.store.ApplyServerDeletion(ctx, d.EntityType, d.EntityID, d.Timestamp)
		if err != nil {
			return err
		}
		if removed {
			rep.RemovedByServer++
		}
	}

	if err := c.store.SetLastSyncAt(ctx, resp.ServerTime); err != nil {
		return err
	}
	rep.ServerTime = resp.ServerTime
	return nil
}

func (c *Coordinator) refreshCache(ctx context.Context, rep *Report) error {
	snap, err := c.remote.Offline(ctx)
	if err != nil {
		return err
	}
	if err := c.store.SaveOfflineSnapshot(ctx, *snap); err != nil {
		return err
	}
	rep.OfflineNotes = len(snap.Notes)
	return nil
}
