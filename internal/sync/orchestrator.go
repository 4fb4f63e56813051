package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meszmate/anchor/internal/archive"
	"github.com/meszmate/anchor/internal/clock"
	"github.com/meszmate/anchor/internal/conversation"
	"github.com/meszmate/anchor/internal/logging"
	"github.com/meszmate/anchor/internal/room"
)

// Cooldown timestamp names in the durable store.
const (
	CooldownRosterDiscovery  = "roster_discovery_last_run"
	CooldownArchivedPreviews = "archived_previews_last_run"
)

// QueryOptions selects what an archive query should fetch. A zero
// StartAfter with an empty BeforeID asks for the latest page backward.
type QueryOptions struct {
	StartAfter time.Time // forward: messages strictly after this instant
	BeforeID   string    // backward: page before this archive id
	Max        int
}

// ArchiveClient is the protocol-side archive surface the orchestrator
// drives. Implementations must honor ctx cancellation; errors caused by
// the transport disconnecting should satisfy the configured disconnect
// predicate so they are not reported as failures.
type ArchiveClient interface {
	QueryConversationArchive(ctx context.Context, jid string, opts QueryOptions) (archive.Page, error)
	QueryRoomArchive(ctx context.Context, roomJID string, opts QueryOptions) (archive.Page, error)
	CatchUpAllConversations(ctx context.Context, concurrency int, exclude string) error
	CatchUpAllRooms(ctx context.Context, concurrency int, exclude string) error
	DiscoverNewConversationsFromRoster(ctx context.Context, concurrency int) error
	RefreshConversationPreviews(ctx context.Context) error
	RefreshArchivedConversationPreviews(ctx context.Context) error
}

// Cache is the durable message store consulted for the newest cached
// message and fed with merged archive results. It also persists each
// target's backward-paging cursor so history fetches resume where they
// left off after a restart.
type Cache interface {
	NewestMessage(target string) (archive.Message, bool, error)
	SaveMessages(msgs []archive.Message) error
	GetSyncCursor(target string) (oldestID string, complete bool, ok bool, err error)
	SaveSyncCursor(target, oldestID string, complete bool) error
}

// CooldownStore persists last-run timestamps for the slow background
// stages. A missing timestamp means never run.
type CooldownStore interface {
	LastRun(name string) (time.Time, bool, error)
	MarkRun(name string, t time.Time) error
}

// Config tunes the orchestrator.
type Config struct {
	SweepConcurrency        int           // concurrent archive queries per sweep
	RoomSweepDelay          time.Duration // delay before the joined-room sweep
	RosterDiscoveryCooldown time.Duration
	ArchivedPreviewCooldown time.Duration
	PageSize                int

	// IsDisconnect classifies a query error as a transport
	// disconnection; such errors are expected during reconnect races
	// and logged at debug level only.
	IsDisconnect func(error) bool
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		SweepConcurrency:        2,
		RoomSweepDelay:          10 * time.Second,
		RosterDiscoveryCooldown: time.Hour,
		ArchivedPreviewCooldown: 24 * time.Hour,
		PageSize:                50,
	}
}

// Orchestrator decides, per catch-up target, whether and how to query
// the server archive after a session comes up. Catch-up runs at most
// once per target per fresh-session epoch; resumed sessions are left
// alone since the server already replayed whatever was missed. The
// cooldown-gated stages (roster discovery, archived previews) are
// governed purely by wall-clock time, independent of epochs.
type Orchestrator struct {
	mu        sync.Mutex
	cfg       Config
	sched     clock.Scheduler
	client    ArchiveClient
	cache     Cache
	cooldowns CooldownStore
	convs     *conversation.Manager
	rooms     *room.Manager

	states         map[string]*archive.QueryState
	online         bool
	fresh          bool
	epoch          uint64
	archiveSupport bool
	fetchInitiated map[string]struct{}
	sweepDone      bool
	roomTimer      clock.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	epochCtx   context.Context
	epochStop  context.CancelFunc

	onState func(target string, st archive.QueryState)
	onMerge func(target string, added int)
}

// New creates a sync orchestrator with all collaborators injected.
func New(cfg Config, sched clock.Scheduler, client ArchiveClient, cache Cache, cooldowns CooldownStore, convs *conversation.Manager, rooms *room.Manager) *Orchestrator {
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 2
	}
	if cfg.RoomSweepDelay <= 0 {
		cfg.RoomSweepDelay = 10 * time.Second
	}
	if cfg.RosterDiscoveryCooldown <= 0 {
		cfg.RosterDiscoveryCooldown = time.Hour
	}
	if cfg.ArchivedPreviewCooldown <= 0 {
		cfg.ArchivedPreviewCooldown = 24 * time.Hour
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}

	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:            cfg,
		sched:          sched,
		client:         client,
		cache:          cache,
		cooldowns:      cooldowns,
		convs:          convs,
		rooms:          rooms,
		states:         make(map[string]*archive.QueryState),
		fetchInitiated: make(map[string]struct{}),
		baseCtx:        base,
		baseCancel:     cancel,
	}
}

// SetStateHandler registers a handler for per-target query state
// changes (pagination UIs).
func (o *Orchestrator) SetStateHandler(fn func(target string, st archive.QueryState)) {
	o.onState = fn
}

// SetMergeHandler registers a handler invoked after archive results are
// merged into a target's sequence.
func (o *Orchestrator) SetMergeHandler(fn func(target string, added int)) {
	o.onMerge = fn
}

// Close cancels all in-flight work and pending timers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.cancelRoomTimerLocked()
	if o.epochStop != nil {
		o.epochStop()
	}
	o.mu.Unlock()
	o.baseCancel()
}

// QueryState returns a snapshot of a target's archive query state.
func (o *Orchestrator) QueryState(target string) archive.QueryState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.states[target]; ok {
		return *st
	}
	return archive.QueryState{}
}

// SessionOnline reports that the session came up. A fresh session
// starts a new catch-up epoch; a resumed session suppresses catch-up
// entirely, since the server replays missed stanzas itself. A repeated
// online signal within an un-disconnected fresh epoch is ignored.
func (o *Orchestrator) SessionOnline(resumed bool) {
	o.mu.Lock()
	if o.online && o.fresh && !resumed {
		o.mu.Unlock()
		return
	}

	o.online = true
	o.epoch++
	o.sweepDone = false
	o.fetchInitiated = make(map[string]struct{})
	o.cancelRoomTimerLocked()
	if o.epochStop != nil {
		o.epochStop()
	}
	o.epochCtx, o.epochStop = context.WithCancel(o.baseCtx)

	if resumed {
		o.fresh = false
		// Whatever was missed has already been replayed on the stream;
		// mark every known target as not needing catch-up this epoch.
		for _, jid := range o.convs.JIDs() {
			o.fetchInitiated[jid] = struct{}{}
		}
		for _, jid := range o.rooms.JoinedJIDs() {
			o.fetchInitiated[jid] = struct{}{}
		}
		logging.Debug("sync: session resumed, catch-up suppressed")
		o.mu.Unlock()
		return
	}

	o.fresh = true
	logging.Debug("sync: fresh session epoch %d", o.epoch)
	if o.archiveSupport {
		o.startFreshSequenceLocked()
	}
	o.mu.Unlock()
}

// Disconnected reports that the session went down. All per-epoch
// guards reset, the pending room sweep is cancelled, and in-flight
// query results will be dropped as stale.
func (o *Orchestrator) Disconnected() {
	o.mu.Lock()
	o.online = false
	o.fresh = false
	o.epoch++
	o.sweepDone = false
	o.fetchInitiated = make(map[string]struct{})
	o.cancelRoomTimerLocked()
	if o.epochStop != nil {
		o.epochStop()
		o.epochStop = nil
		o.epochCtx = nil
	}
	o.mu.Unlock()
}

// ServerInfoUpdated reports the (re-)discovered server feature set.
// Archive support appearing mid-epoch triggers the catch-up work that
// was waiting on it; repeated updates advertising the same support do
// not re-trigger completed work within the epoch.
func (o *Orchestrator) ServerInfoUpdated(archiveSupport bool) {
	o.mu.Lock()
	newlyTrue := archiveSupport && !o.archiveSupport
	o.archiveSupport = archiveSupport
	if !archiveSupport || !o.online || !o.fresh {
		o.mu.Unlock()
		return
	}

	if newlyTrue {
		// Active-target watcher: support flipped true for the targets
		// the user is looking at right now.
		if active := o.convs.Active(); active != "" {
			o.maybeCatchUpConversationLocked(active)
		}
		if active := o.rooms.Active(); active != "" {
			o.maybeCatchUpRoomLocked(active)
		}
	}
	o.startFreshSequenceLocked()
	o.mu.Unlock()
}

// RoomJoined reports that a room finished joining (self-presence
// confirmed). If it is the active room and the archive is already known
// to be supported, it gets its catch-up now.
func (o *Orchestrator) RoomJoined(jid string) {
	o.mu.Lock()
	if o.online && o.fresh && o.archiveSupport && jid == o.rooms.Active() {
		o.maybeCatchUpRoomLocked(jid)
	}
	o.mu.Unlock()
}

// ActiveConversationChanged reports an active-conversation switch. The
// previous target's fetch-initiated membership is dropped.
func (o *Orchestrator) ActiveConversationChanged(oldJID, newJID string) {
	o.mu.Lock()
	if oldJID != "" {
		delete(o.fetchInitiated, oldJID)
	}
	o.mu.Unlock()
}

// ActiveRoomChanged reports an active-room switch.
func (o *Orchestrator) ActiveRoomChanged(oldJID, newJID string) {
	o.mu.Lock()
	if oldJID != "" {
		delete(o.fetchInitiated, oldJID)
	}
	o.mu.Unlock()
}

// FetchOlderConversation issues a user-driven backward pagination query
// for older history. Independent of the catch-up epoch guards.
func (o *Orchestrator) FetchOlderConversation(jid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetchOlderLocked(jid, false)
}

// FetchOlderRoom issues a backward pagination query for a room.
func (o *Orchestrator) FetchOlderRoom(jid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetchOlderLocked(jid, true)
}

func (o *Orchestrator) fetchOlderLocked(jid string, isRoom bool) {
	if !o.online {
		return
	}
	st := o.stateLocked(jid)
	if st.Loading || st.HistoryComplete {
		return
	}
	st.Loading = true
	opts := QueryOptions{BeforeID: st.OldestFetchedID, Max: o.cfg.PageSize}
	epoch := o.epoch
	ctx := o.epochCtx
	go func() {
		var page archive.Page
		var err error
		if isRoom {
			page, err = o.client.QueryRoomArchive(ctx, jid, opts)
		} else {
			page, err = o.client.QueryConversationArchive(ctx, jid, opts)
		}
		o.finishQuery(epoch, jid, page, err, false, isRoom)
	}()
}

// startFreshSequenceLocked launches the one-shot background catch-up
// sequence for the current fresh epoch. Guarded so repeated triggers
// within the epoch are no-ops.
func (o *Orchestrator) startFreshSequenceLocked() {
	if o.sweepDone {
		return
	}
	o.sweepDone = true

	epoch := o.epoch
	ctx := o.epochCtx
	activeConv := o.convs.Active()

	// The active conversation is handled by its own per-target logic;
	// the sweep below excludes it.
	if activeConv != "" {
		o.maybeCatchUpConversationLocked(activeConv)
	}

	go o.runConversationSweep(ctx, activeConv)
	go o.maybeRunCooldownStage(ctx, CooldownRosterDiscovery, o.cfg.RosterDiscoveryCooldown, o.runRosterDiscovery)
	go o.maybeRunCooldownStage(ctx, CooldownArchivedPreviews, o.cfg.ArchivedPreviewCooldown, o.runArchivedRefresh)

	o.roomTimer = o.sched.After(o.cfg.RoomSweepDelay, func() {
		o.roomSweepTimerFired(epoch)
	})
}

func (o *Orchestrator) runConversationSweep(ctx context.Context, exclude string) {
	err := o.client.CatchUpAllConversations(ctx, o.cfg.SweepConcurrency, exclude)
	o.logStageErr("conversation catch-up", err)
}

func (o *Orchestrator) runRosterDiscovery(ctx context.Context) {
	err := o.client.DiscoverNewConversationsFromRoster(ctx, o.cfg.SweepConcurrency)
	o.logStageErr("roster discovery", err)
	if err != nil || ctx.Err() != nil {
		return
	}
	err = o.client.RefreshConversationPreviews(ctx)
	o.logStageErr("conversation preview refresh", err)
}

func (o *Orchestrator) runArchivedRefresh(ctx context.Context) {
	err := o.client.RefreshArchivedConversationPreviews(ctx)
	o.logStageErr("archived preview refresh", err)
}

// maybeRunCooldownStage runs a slow background stage if its persisted
// last-run timestamp is older than the threshold, stamping the run
// first so near-simultaneous epochs do not double-run it.
func (o *Orchestrator) maybeRunCooldownStage(ctx context.Context, name string, threshold time.Duration, run func(ctx context.Context)) {
	last, ok, err := o.cooldowns.LastRun(name)
	if err != nil {
		logging.Warn("sync: reading cooldown %s: %v", name, err)
		return
	}
	now := o.sched.Now()
	if ok && now.Sub(last) < threshold {
		logging.Debug("sync: %s on cooldown (%s since last run)", name, now.Sub(last))
		return
	}
	if err := o.cooldowns.MarkRun(name, now); err != nil {
		logging.Warn("sync: persisting cooldown %s: %v", name, err)
	}
	run(ctx)
}

// roomSweepTimerFired runs the delayed joined-room sweep, unless the
// epoch ended first.
func (o *Orchestrator) roomSweepTimerFired(epoch uint64) {
	o.mu.Lock()
	if epoch != o.epoch || !o.online || !o.fresh {
		o.mu.Unlock()
		return
	}
	o.roomTimer = nil
	ctx := o.epochCtx
	activeRoom := o.rooms.Active()
	if activeRoom != "" {
		o.maybeCatchUpRoomLocked(activeRoom)
	}
	o.mu.Unlock()

	err := o.client.CatchUpAllRooms(ctx, o.cfg.SweepConcurrency, activeRoom)
	o.logStageErr("room catch-up", err)
}

// maybeCatchUpConversationLocked applies the per-target catch-up
// decision for a conversation. Caller holds the lock.
func (o *Orchestrator) maybeCatchUpConversationLocked(jid string) {
	if !o.online || !o.fresh || !o.archiveSupport {
		return
	}
	st := o.stateLocked(jid)
	if st.Loading {
		return
	}
	if _, done := o.fetchInitiated[jid]; done {
		return
	}
	// Both marks happen before any suspension point so a second
	// near-simultaneous trigger cannot pass the guard.
	o.fetchInitiated[jid] = struct{}{}
	st.Loading = true

	epoch := o.epoch
	ctx := o.epochCtx
	go o.runCatchUp(ctx, epoch, jid, false)
}

// maybeCatchUpRoomLocked applies the per-target decision for a room:
// transient rooms keep no archive, and a room must be fully joined
// before its archive can be addressed.
func (o *Orchestrator) maybeCatchUpRoomLocked(jid string) {
	r := o.rooms.Get(jid)
	if r == nil || r.Transient || !r.Joined {
		return
	}
	if !o.online || !o.fresh || !o.archiveSupport {
		return
	}
	st := o.stateLocked(jid)
	if st.Loading {
		return
	}
	if _, done := o.fetchInitiated[jid]; done {
		return
	}
	o.fetchInitiated[jid] = struct{}{}
	st.Loading = true

	epoch := o.epoch
	ctx := o.epochCtx
	go o.runCatchUp(ctx, epoch, jid, true)
}

// runCatchUp loads the newest cached message for the target and issues
// either a forward query from just past it, or a backward latest query
// when nothing is cached yet.
func (o *Orchestrator) runCatchUp(ctx context.Context, epoch uint64, jid string, isRoom bool) {
	var newest archive.Message
	var cached bool
	if isRoom {
		newest, cached = o.rooms.Newest(jid)
	} else {
		newest, cached = o.convs.Newest(jid)
	}
	if !cached {
		var err error
		newest, cached, err = o.cache.NewestMessage(jid)
		if err != nil {
			logging.Warn("sync: reading cache for %s: %v", jid, err)
		}
	}

	// The session may have changed while the cache read was in flight.
	o.mu.Lock()
	if epoch != o.epoch {
		o.stateLocked(jid).Loading = false
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	opts := QueryOptions{Max: o.cfg.PageSize}
	forward := false
	if cached {
		// Start strictly after the newest cached message so the
		// boundary message is not refetched.
		opts.StartAfter = newest.Timestamp.Add(time.Second)
		forward = true
	}

	var page archive.Page
	var err error
	if isRoom {
		page, err = o.client.QueryRoomArchive(ctx, jid, opts)
	} else {
		page, err = o.client.QueryConversationArchive(ctx, jid, opts)
	}
	o.finishQuery(epoch, jid, page, err, forward, isRoom)
}

// finishQuery folds a completed archive query back into state. Results
// from a previous epoch only clear the loading flag; their data is
// stale and dropped.
func (o *Orchestrator) finishQuery(epoch uint64, jid string, page archive.Page, err error, forward, isRoom bool) {
	o.mu.Lock()
	st := o.stateLocked(jid)
	st.Loading = false

	if epoch != o.epoch {
		// The session that issued this query is gone; its outcome,
		// error or data, belongs to that session.
		o.mu.Unlock()
		if err != nil && !o.isDisconnect(err) {
			logging.Debug("sync: dropping stale archive result for %s: %v", jid, err)
		}
		return
	}

	if err != nil {
		if o.isDisconnect(err) {
			// Expected when the session drops mid-query.
			logging.Debug("sync: archive query for %s interrupted: %v", jid, err)
		} else {
			st.Err = err
			logging.Error("sync: archive query for %s failed: %v", jid, err)
		}
		snapshot := *st
		o.mu.Unlock()
		o.notifyState(jid, snapshot)
		return
	}

	if forward {
		st.ApplyForwardPage(page)
	} else {
		st.ApplyBackwardPage(page)
		if cerr := o.cache.SaveSyncCursor(jid, st.OldestFetchedID, st.HistoryComplete); cerr != nil {
			logging.Warn("sync: persisting cursor for %s: %v", jid, cerr)
		}
	}
	snapshot := *st
	o.mu.Unlock()

	var res archive.MergeResult
	switch {
	case isRoom && forward:
		res = o.rooms.MergeForward(jid, page.Messages)
	case isRoom:
		res = o.rooms.MergeBackward(jid, page.Messages)
	case forward:
		res = o.convs.MergeForward(jid, page.Messages)
	default:
		res = o.convs.MergeBackward(jid, page.Messages)
	}

	if res.Added > 0 {
		if err := o.cache.SaveMessages(page.Messages); err != nil {
			logging.Warn("sync: persisting %d messages for %s: %v", res.Added, jid, err)
		}
		if o.onMerge != nil {
			o.onMerge(jid, res.Added)
		}
	}
	o.notifyState(jid, snapshot)
}

func (o *Orchestrator) notifyState(jid string, st archive.QueryState) {
	if o.onState != nil {
		o.onState(jid, st)
	}
}

func (o *Orchestrator) isDisconnect(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return o.cfg.IsDisconnect != nil && o.cfg.IsDisconnect(err)
}

func (o *Orchestrator) logStageErr(stage string, err error) {
	if err == nil {
		return
	}
	if o.isDisconnect(err) {
		logging.Debug("sync: %s interrupted: %v", stage, err)
		return
	}
	logging.Error("sync: %s failed: %v", stage, err)
}

// stateLocked returns the lazily created query state for a target. A
// freshly created state is seeded from the persisted cursor, so paging
// resumes across restarts.
func (o *Orchestrator) stateLocked(target string) *archive.QueryState {
	st, ok := o.states[target]
	if !ok {
		st = &archive.QueryState{}
		if oldest, complete, found, err := o.cache.GetSyncCursor(target); err != nil {
			logging.Warn("sync: reading cursor for %s: %v", target, err)
		} else if found {
			st.OldestFetchedID = oldest
			st.HistoryComplete = complete
		}
		o.states[target] = st
	}
	return st
}

func (o *Orchestrator) cancelRoomTimerLocked() {
	if o.roomTimer != nil {
		o.roomTimer()
		o.roomTimer = nil
	}
}
