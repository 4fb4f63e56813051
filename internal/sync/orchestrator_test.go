package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/meszmate/anchor/internal/archive"
	"github.com/meszmate/anchor/internal/clock"
	"github.com/meszmate/anchor/internal/conversation"
	"github.com/meszmate/anchor/internal/room"
)

type queryCall struct {
	jid  string
	opts QueryOptions
}

type sweepCall struct {
	concurrency int
	exclude     string
}

type fakeClient struct {
	mu         stdsync.Mutex
	convCalls  []queryCall
	roomCalls  []queryCall
	convSweeps []sweepCall
	roomSweeps []sweepCall
	rosterRuns  int
	previewRuns int
	archRuns    int

	convPage archive.Page
	convErr  error
	roomPage archive.Page

	// when non-nil, archive queries block until this channel closes
	block chan struct{}
}

func (f *fakeClient) QueryConversationArchive(ctx context.Context, jid string, opts QueryOptions) (archive.Page, error) {
	f.mu.Lock()
	f.convCalls = append(f.convCalls, queryCall{jid, opts})
	block := f.block
	page, err := f.convPage, f.convErr
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return page, err
}

func (f *fakeClient) QueryRoomArchive(ctx context.Context, jid string, opts QueryOptions) (archive.Page, error) {
	f.mu.Lock()
	f.roomCalls = append(f.roomCalls, queryCall{jid, opts})
	page := f.roomPage
	f.mu.Unlock()
	return page, nil
}

func (f *fakeClient) CatchUpAllConversations(ctx context.Context, concurrency int, exclude string) error {
	f.mu.Lock()
	f.convSweeps = append(f.convSweeps, sweepCall{concurrency, exclude})
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) CatchUpAllRooms(ctx context.Context, concurrency int, exclude string) error {
	f.mu.Lock()
	f.roomSweeps = append(f.roomSweeps, sweepCall{concurrency, exclude})
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) DiscoverNewConversationsFromRoster(ctx context.Context, concurrency int) error {
	f.mu.Lock()
	f.rosterRuns++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) RefreshConversationPreviews(ctx context.Context) error {
	f.mu.Lock()
	f.previewRuns++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) RefreshArchivedConversationPreviews(ctx context.Context) error {
	f.mu.Lock()
	f.archRuns++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) convCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convCalls)
}

func (f *fakeClient) roomCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.roomCalls)
}

func (f *fakeClient) convSweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convSweeps)
}

func (f *fakeClient) roomSweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.roomSweeps)
}

type fakeCursor struct {
	oldest   string
	complete bool
}

type fakeCache struct {
	mu      stdsync.Mutex
	newest  map[string]archive.Message
	saved   []archive.Message
	cursors map[string]fakeCursor
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		newest:  make(map[string]archive.Message),
		cursors: make(map[string]fakeCursor),
	}
}

func (c *fakeCache) NewestMessage(target string) (archive.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.newest[target]
	return msg, ok, nil
}

func (c *fakeCache) SaveMessages(msgs []archive.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, msgs...)
	return nil
}

func (c *fakeCache) GetSyncCursor(target string) (string, bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[target]
	return cur.oldest, cur.complete, ok, nil
}

func (c *fakeCache) SaveSyncCursor(target, oldestID string, complete bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[target] = fakeCursor{oldest: oldestID, complete: complete}
	return nil
}

func (c *fakeCache) savedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.saved)
}

func (c *fakeCache) cursor(target string) (fakeCursor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[target]
	return cur, ok
}

type fakeCooldowns struct {
	mu    stdsync.Mutex
	stamp map[string]time.Time
}

func newFakeCooldowns() *fakeCooldowns {
	return &fakeCooldowns{stamp: make(map[string]time.Time)}
}

func (s *fakeCooldowns) LastRun(name string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.stamp[name]
	return t, ok, nil
}

func (s *fakeCooldowns) MarkRun(name string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp[name] = t
	return nil
}

func (s *fakeCooldowns) get(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.stamp[name]
	return t, ok
}

type fixture struct {
	orch   *Orchestrator
	client *fakeClient
	cache  *fakeCache
	cools  *fakeCooldowns
	fake   *clock.Fake
	convs  *conversation.Manager
	rooms  *room.Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		client: &fakeClient{},
		cache:  newFakeCache(),
		cools:  newFakeCooldowns(),
		fake:   clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		convs:  conversation.NewManager(0, nil),
		rooms:  room.NewManager(0, nil, nil),
	}
	f.orch = New(cfg, f.fake, f.client, f.cache, f.cools, f.convs, f.rooms)
	t.Cleanup(f.orch.Close)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFreshSessionSweepsOnceExcludingActive(t *testing.T) {
	f := newFixture(t, Config{})
	f.convs.Ensure("alice@example.com")
	f.convs.Ensure("bob@example.com")
	f.convs.SetActive("alice@example.com")

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)

	waitFor(t, "conversation sweep", func() bool { return f.client.convSweepCount() == 1 })
	f.client.mu.Lock()
	sweep := f.client.convSweeps[0]
	f.client.mu.Unlock()
	if sweep.concurrency != 2 {
		t.Errorf("sweep concurrency = %d, want 2", sweep.concurrency)
	}
	if sweep.exclude != "alice@example.com" {
		t.Errorf("sweep exclude = %q, want active conversation", sweep.exclude)
	}

	// A second online signal within the same un-disconnected epoch must
	// not re-run the sweep.
	f.orch.SessionOnline(false)
	time.Sleep(20 * time.Millisecond)
	if n := f.client.convSweepCount(); n != 1 {
		t.Fatalf("sweep count after repeated online = %d, want 1", n)
	}
}

func TestResumedSessionIssuesNoQueries(t *testing.T) {
	f := newFixture(t, Config{})
	f.convs.Ensure("alice@example.com")
	f.convs.SetActive("alice@example.com")

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(true)

	time.Sleep(20 * time.Millisecond)
	if n := f.client.convCallCount(); n != 0 {
		t.Errorf("conversation queries = %d, want 0", n)
	}
	if n := f.client.convSweepCount(); n != 0 {
		t.Errorf("conversation sweeps = %d, want 0", n)
	}
	f.fake.Advance(time.Minute)
	if n := f.client.roomSweepCount(); n != 0 {
		t.Errorf("room sweeps = %d, want 0", n)
	}
}

func TestActiveConversationForwardQueryFromNewest(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	newest := time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC)
	f.convs.Ensure(jid)
	f.convs.MergeForward(jid, []archive.Message{
		{ID: "m1", StanzaID: "s1", Target: jid, Timestamp: newest},
	})
	f.convs.SetActive(jid)

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)

	waitFor(t, "archive query", func() bool { return f.client.convCallCount() == 1 })
	f.client.mu.Lock()
	call := f.client.convCalls[0]
	f.client.mu.Unlock()
	if call.jid != jid {
		t.Errorf("query jid = %q, want %q", call.jid, jid)
	}
	want := newest.Add(time.Second)
	if !call.opts.StartAfter.Equal(want) {
		t.Errorf("StartAfter = %v, want %v", call.opts.StartAfter, want)
	}
}

func TestActiveConversationBackwardQueryWhenNothingCached(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	f.convs.Ensure(jid)
	f.convs.SetActive(jid)

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)

	waitFor(t, "archive query", func() bool { return f.client.convCallCount() == 1 })
	f.client.mu.Lock()
	call := f.client.convCalls[0]
	f.client.mu.Unlock()
	if !call.opts.StartAfter.IsZero() || call.opts.BeforeID != "" {
		t.Errorf("expected backward latest query, got %+v", call.opts)
	}
}

func TestCacheNewestUsedWhenMemoryEmpty(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	newest := time.Date(2025, 5, 29, 8, 0, 0, 0, time.UTC)
	f.cache.newest[jid] = archive.Message{ID: "m1", Timestamp: newest}
	f.convs.Ensure(jid)
	f.convs.SetActive(jid)

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)

	waitFor(t, "archive query", func() bool { return f.client.convCallCount() == 1 })
	f.client.mu.Lock()
	call := f.client.convCalls[0]
	f.client.mu.Unlock()
	want := newest.Add(time.Second)
	if !call.opts.StartAfter.Equal(want) {
		t.Errorf("StartAfter = %v, want %v", call.opts.StartAfter, want)
	}
}

func TestRoomSweepFiresAfterDelay(t *testing.T) {
	f := newFixture(t, Config{})
	f.rooms.Add("den@muc.example.com", "me", false)
	f.rooms.SetJoined("den@muc.example.com")
	f.rooms.SetActive("den@muc.example.com")

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	waitFor(t, "conversation sweep", func() bool { return f.client.convSweepCount() == 1 })

	if n := f.client.roomSweepCount(); n != 0 {
		t.Fatalf("room sweep before delay = %d, want 0", n)
	}
	f.fake.Advance(10 * time.Second)
	if n := f.client.roomSweepCount(); n != 1 {
		t.Fatalf("room sweep after delay = %d, want 1", n)
	}
	f.client.mu.Lock()
	sweep := f.client.roomSweeps[0]
	f.client.mu.Unlock()
	if sweep.exclude != "den@muc.example.com" {
		t.Errorf("room sweep exclude = %q, want active room", sweep.exclude)
	}
	// The active joined room gets its own catch-up when the timer fires.
	waitFor(t, "active room query", func() bool { return f.client.roomCallCount() == 1 })
}

func TestRoomSweepCancelledByDisconnect(t *testing.T) {
	f := newFixture(t, Config{})
	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	waitFor(t, "conversation sweep", func() bool { return f.client.convSweepCount() == 1 })

	f.fake.Advance(5 * time.Second)
	f.orch.Disconnected()
	f.fake.Advance(10 * time.Second)
	if n := f.client.roomSweepCount(); n != 0 {
		t.Fatalf("room sweep after disconnect = %d, want 0", n)
	}
}

func TestRosterDiscoveryCooldown(t *testing.T) {
	f := newFixture(t, Config{})
	now := f.fake.Now()
	f.cools.stamp[CooldownRosterDiscovery] = now.Add(-59 * time.Minute)

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	waitFor(t, "conversation sweep", func() bool { return f.client.convSweepCount() == 1 })
	time.Sleep(20 * time.Millisecond)

	f.client.mu.Lock()
	runs := f.client.rosterRuns
	f.client.mu.Unlock()
	if runs != 0 {
		t.Fatalf("roster discovery ran %d times within cooldown, want 0", runs)
	}
}

func TestRosterDiscoveryRunsAfterCooldownExpires(t *testing.T) {
	f := newFixture(t, Config{})
	now := f.fake.Now()
	f.cools.stamp[CooldownRosterDiscovery] = now.Add(-2 * time.Hour)

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)

	waitFor(t, "roster discovery", func() bool {
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return f.client.rosterRuns == 1 && f.client.previewRuns == 1
	})
	stamp, ok := f.cools.get(CooldownRosterDiscovery)
	if !ok || !stamp.Equal(now) {
		t.Errorf("last-run stamp = %v (present=%v), want %v", stamp, ok, now)
	}
}

func TestArchivedPreviewCooldown(t *testing.T) {
	f := newFixture(t, Config{})
	now := f.fake.Now()
	f.cools.stamp[CooldownArchivedPreviews] = now.Add(-23 * time.Hour)

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	waitFor(t, "conversation sweep", func() bool { return f.client.convSweepCount() == 1 })
	time.Sleep(20 * time.Millisecond)

	f.client.mu.Lock()
	runs := f.client.archRuns
	f.client.mu.Unlock()
	if runs != 0 {
		t.Fatalf("archived refresh ran %d times within cooldown, want 0", runs)
	}

	// Next session a day later is past the threshold.
	f.orch.Disconnected()
	f.fake.Advance(25 * time.Hour)
	f.orch.SessionOnline(false)
	waitFor(t, "archived refresh", func() bool {
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return f.client.archRuns == 1
	})
}

func TestRoomJoinTriggersOnceForActiveRoom(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "den@muc.example.com"
	f.rooms.Add(jid, "me", false)
	f.rooms.SetActive(jid)

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)

	f.rooms.SetJoined(jid)
	f.orch.RoomJoined(jid)
	waitFor(t, "room query", func() bool { return f.client.roomCallCount() == 1 })

	f.orch.RoomJoined(jid)
	time.Sleep(20 * time.Millisecond)
	if n := f.client.roomCallCount(); n != 1 {
		t.Fatalf("room queries after repeated join = %d, want 1", n)
	}
}

func TestTransientRoomNeverCaughtUp(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "lobby@muc.example.com"
	f.rooms.Add(jid, "me", true)
	f.rooms.SetActive(jid)

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	f.rooms.SetJoined(jid)
	f.orch.RoomJoined(jid)

	time.Sleep(20 * time.Millisecond)
	if n := f.client.roomCallCount(); n != 0 {
		t.Fatalf("room queries for transient room = %d, want 0", n)
	}
}

func TestUnjoinedRoomNotCaughtUp(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "den@muc.example.com"
	f.rooms.Add(jid, "me", false)
	f.rooms.SetActive(jid)

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	f.orch.RoomJoined(jid)

	time.Sleep(20 * time.Millisecond)
	if n := f.client.roomCallCount(); n != 0 {
		t.Fatalf("room queries for unjoined room = %d, want 0", n)
	}
}

func TestArchiveSupportEdgeTriggersWaitingWork(t *testing.T) {
	f := newFixture(t, Config{})
	f.convs.Ensure("alice@example.com")
	f.convs.SetActive("alice@example.com")

	// Online first, support discovered later.
	f.orch.SessionOnline(false)
	time.Sleep(20 * time.Millisecond)
	if n := f.client.convSweepCount(); n != 0 {
		t.Fatalf("sweep before support known = %d, want 0", n)
	}

	f.orch.ServerInfoUpdated(true)
	waitFor(t, "conversation sweep", func() bool { return f.client.convSweepCount() == 1 })
	waitFor(t, "active query", func() bool { return f.client.convCallCount() == 1 })

	// Repeating the same support state re-triggers nothing.
	f.orch.ServerInfoUpdated(true)
	time.Sleep(20 * time.Millisecond)
	if n := f.client.convSweepCount(); n != 1 {
		t.Fatalf("sweeps after repeated server info = %d, want 1", n)
	}
	if n := f.client.convCallCount(); n != 1 {
		t.Fatalf("queries after repeated server info = %d, want 1", n)
	}
}

func TestStaleEpochResultDropped(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	f.convs.Ensure(jid)
	f.convs.SetActive(jid)
	f.client.block = make(chan struct{})
	f.client.convPage = archive.Page{
		Messages: []archive.Message{{ID: "m1", StanzaID: "s1", Target: jid, Timestamp: f.fake.Now()}},
		FirstID:  "s1", LastID: "s1",
	}

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	waitFor(t, "query in flight", func() bool { return f.client.convCallCount() == 1 })

	f.orch.Disconnected()
	close(f.client.block)

	waitFor(t, "loading cleared", func() bool { return !f.orch.QueryState(jid).Loading })
	if got := len(f.convs.Messages(jid)); got != 0 {
		t.Errorf("stale page merged %d messages, want 0", got)
	}
	if f.orch.QueryState(jid).HasQueried {
		t.Error("stale page updated query state")
	}
	if n := f.cache.savedCount(); n != 0 {
		t.Errorf("stale page persisted %d messages, want 0", n)
	}
}

func TestQuerySuccessMergesAndPersists(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	ts := f.fake.Now()
	f.convs.Ensure(jid)
	f.convs.SetActive(jid)
	f.client.convPage = archive.Page{
		Messages: []archive.Message{
			{ID: "m1", StanzaID: "s1", Target: jid, From: jid, Timestamp: ts},
			{ID: "m2", StanzaID: "s2", Target: jid, From: jid, Timestamp: ts.Add(time.Minute)},
		},
		FirstID:  "s1",
		LastID:   "s2",
		Complete: true,
	}

	var merged struct {
		mu     stdsync.Mutex
		target string
		added  int
	}
	f.orch.SetMergeHandler(func(target string, added int) {
		merged.mu.Lock()
		merged.target, merged.added = target, added
		merged.mu.Unlock()
	})

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)

	waitFor(t, "merge", func() bool { return len(f.convs.Messages(jid)) == 2 })
	waitFor(t, "persist", func() bool { return f.cache.savedCount() == 2 })
	merged.mu.Lock()
	if merged.target != jid || merged.added != 2 {
		t.Errorf("merge handler got (%q, %d), want (%q, 2)", merged.target, merged.added, jid)
	}
	merged.mu.Unlock()

	st := f.orch.QueryState(jid)
	if !st.HasQueried || st.Loading {
		t.Errorf("query state = %+v, want queried and not loading", st)
	}
	if !st.HistoryComplete {
		t.Error("complete backward page did not mark history complete")
	}
}

func TestDisconnectErrorNotRecorded(t *testing.T) {
	errDropped := errors.New("connection reset")
	f := newFixture(t, Config{IsDisconnect: func(err error) bool { return errors.Is(err, errDropped) }})
	jid := "alice@example.com"
	f.convs.Ensure(jid)
	f.convs.SetActive(jid)
	f.client.convErr = errDropped

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)

	waitFor(t, "query finished", func() bool { return f.client.convCallCount() == 1 && !f.orch.QueryState(jid).Loading })
	if err := f.orch.QueryState(jid).Err; err != nil {
		t.Errorf("disconnect error recorded as failure: %v", err)
	}
}

func TestQueryFailureRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	f.convs.Ensure(jid)
	f.convs.SetActive(jid)
	f.client.convErr = errors.New("service-unavailable")

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)

	waitFor(t, "query finished", func() bool { return !f.orch.QueryState(jid).Loading && f.client.convCallCount() == 1 })
	waitFor(t, "error recorded", func() bool { return f.orch.QueryState(jid).Err != nil })
}

func TestFetchOlderUsesCursorAndGuards(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	f.convs.Ensure(jid)
	f.convs.SetActive(jid)
	f.client.convPage = archive.Page{
		Messages: []archive.Message{{ID: "m1", StanzaID: "s1", Target: jid, Timestamp: f.fake.Now()}},
		FirstID:  "s1",
		LastID:   "s1",
	}

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	waitFor(t, "initial query", func() bool { return f.orch.QueryState(jid).OldestFetchedID == "s1" })

	f.orch.FetchOlderConversation(jid)
	waitFor(t, "pagination query", func() bool { return f.client.convCallCount() == 2 })
	f.client.mu.Lock()
	call := f.client.convCalls[1]
	f.client.mu.Unlock()
	if call.opts.BeforeID != "s1" {
		t.Errorf("pagination BeforeID = %q, want s1", call.opts.BeforeID)
	}
}

func TestStaleEpochErrorNotRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	f.convs.Ensure(jid)
	f.convs.SetActive(jid)
	f.client.block = make(chan struct{})
	f.client.convErr = errors.New("service-unavailable")

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	waitFor(t, "query in flight", func() bool { return f.client.convCallCount() == 1 })

	f.orch.Disconnected()
	close(f.client.block)

	waitFor(t, "loading cleared", func() bool { return !f.orch.QueryState(jid).Loading })
	if err := f.orch.QueryState(jid).Err; err != nil {
		t.Errorf("failure from a previous session recorded: %v", err)
	}
}

func TestBackwardPagePersistsCursor(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	f.convs.Ensure(jid)
	f.convs.SetActive(jid)
	f.client.convPage = archive.Page{
		Messages: []archive.Message{{ID: "m1", StanzaID: "s1", Target: jid, Timestamp: f.fake.Now()}},
		FirstID:  "s1",
		LastID:   "s1",
		Complete: true,
	}

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	waitFor(t, "cursor persisted", func() bool {
		cur, ok := f.cache.cursor(jid)
		return ok && cur.oldest == "s1" && cur.complete
	})
}

func TestRestoredCursorResumesPagination(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	f.convs.Ensure(jid)
	f.cache.SaveSyncCursor(jid, "s7", false)

	// Session is up but support unknown, so only the explicit
	// pagination below reaches the client.
	f.orch.SessionOnline(false)

	f.orch.FetchOlderConversation(jid)
	waitFor(t, "pagination query", func() bool { return f.client.convCallCount() == 1 })
	f.client.mu.Lock()
	call := f.client.convCalls[0]
	f.client.mu.Unlock()
	if call.opts.BeforeID != "s7" {
		t.Errorf("pagination BeforeID = %q, want the stored cursor s7", call.opts.BeforeID)
	}
}

func TestRestoredCompleteCursorBlocksPagination(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	f.convs.Ensure(jid)
	f.cache.SaveSyncCursor(jid, "s1", true)

	f.orch.SessionOnline(false)
	f.orch.FetchOlderConversation(jid)
	time.Sleep(20 * time.Millisecond)
	if n := f.client.convCallCount(); n != 0 {
		t.Fatalf("pagination past persisted complete history issued %d queries", n)
	}
}

func TestFetchOlderBlockedWhenHistoryComplete(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	f.convs.Ensure(jid)
	f.convs.SetActive(jid)
	f.client.convPage = archive.Page{Complete: true}

	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)
	waitFor(t, "initial query", func() bool { return f.orch.QueryState(jid).HistoryComplete })

	f.orch.FetchOlderConversation(jid)
	time.Sleep(20 * time.Millisecond)
	if n := f.client.convCallCount(); n != 1 {
		t.Fatalf("pagination past complete history issued %d extra queries", n-1)
	}
}

func TestFetchOlderSingleFlight(t *testing.T) {
	f := newFixture(t, Config{})
	jid := "alice@example.com"
	f.convs.Ensure(jid)

	// Session is up but support unknown, so no automatic query races
	// with the explicit pagination below.
	f.orch.SessionOnline(false)
	f.client.block = make(chan struct{})

	f.orch.FetchOlderConversation(jid)
	waitFor(t, "query in flight", func() bool { return f.client.convCallCount() == 1 })
	f.orch.FetchOlderConversation(jid)
	time.Sleep(20 * time.Millisecond)
	if n := f.client.convCallCount(); n != 1 {
		t.Fatalf("concurrent pagination issued %d queries, want 1", n)
	}
	close(f.client.block)
	waitFor(t, "loading cleared", func() bool { return !f.orch.QueryState(jid).Loading })
}

func TestActiveChangeClearsInitiatedMark(t *testing.T) {
	f := newFixture(t, Config{})
	f.orch.ServerInfoUpdated(true)
	f.orch.SessionOnline(false)

	f.orch.mu.Lock()
	f.orch.fetchInitiated["alice@example.com"] = struct{}{}
	f.orch.mu.Unlock()

	f.orch.ActiveConversationChanged("alice@example.com", "bob@example.com")

	f.orch.mu.Lock()
	_, still := f.orch.fetchInitiated["alice@example.com"]
	f.orch.mu.Unlock()
	if still {
		t.Error("previous active target still marked as fetch-initiated")
	}
}
