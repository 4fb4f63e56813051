package xmpp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/anchor/internal/archive"
	"github.com/meszmate/anchor/internal/logging"
	syncpkg "github.com/meszmate/anchor/internal/sync"
)

// mamCollector accumulates forwarded results for one archive query
// until the terminating fin IQ arrives.
type mamCollector struct {
	target   string
	isRoom   bool
	mu       sync.Mutex
	messages []archive.Message
}

func (col *mamCollector) add(msg archive.Message) {
	col.mu.Lock()
	col.messages = append(col.messages, msg)
	col.mu.Unlock()
}

func (col *mamCollector) drain() []archive.Message {
	col.mu.Lock()
	defer col.mu.Unlock()
	msgs := col.messages
	col.messages = nil
	return msgs
}

// handleMAMResult routes a forwarded archive message to its query's
// collector. Results for unknown query ids are dropped.
func (c *Client) handleMAMResult(result mamResultEl) {
	c.collectMu.Lock()
	col, ok := c.collectors[result.QueryID]
	c.collectMu.Unlock()
	if !ok {
		logging.Debug("xmpp: archive result for unknown query %s", result.QueryID)
		return
	}

	inner := result.Forwarded.Message
	if inner == nil || inner.Body == "" {
		return
	}
	from, err := jid.Parse(inner.From)
	if err != nil {
		return
	}

	msg := archive.Message{
		ID:        inner.ID,
		StanzaID:  result.ID,
		Target:    col.target,
		Body:      inner.Body,
		Delayed:   true,
		Timestamp: time.Now().UTC(),
	}
	if result.Forwarded.Delay != nil {
		if ts, ok := parseDelay(result.Forwarded.Delay.Stamp); ok {
			msg.Timestamp = ts
		}
	}

	bare := from.Bare().String()
	if col.isRoom {
		msg.From = from.String()
	} else {
		msg.From = bare
		msg.Outgoing = bare == c.JID().Bare().String()
	}

	col.add(msg)
}

// QueryConversationArchive runs an archive query against the user's own
// archive, filtered to one correspondent.
func (c *Client) QueryConversationArchive(ctx context.Context, targetJID string, opts syncpkg.QueryOptions) (archive.Page, error) {
	return c.queryArchive(ctx, "", targetJID, opts, false)
}

// QueryRoomArchive runs an archive query against a room's archive.
func (c *Client) QueryRoomArchive(ctx context.Context, roomJID string, opts syncpkg.QueryOptions) (archive.Page, error) {
	return c.queryArchive(ctx, roomJID, roomJID, opts, true)
}

func (c *Client) queryArchive(ctx context.Context, to, target string, opts syncpkg.QueryOptions, isRoom bool) (archive.Page, error) {
	queryID := uuid.NewString()
	col := &mamCollector{target: target, isRoom: isRoom}

	c.collectMu.Lock()
	c.collectors[queryID] = col
	c.collectMu.Unlock()
	defer func() {
		c.collectMu.Lock()
		delete(c.collectors, queryID)
		c.collectMu.Unlock()
	}()

	query := mamQueryEl{QueryID: queryID}

	var fields []formField
	fields = append(fields, formField{Var: "FORM_TYPE", Type: "hidden", Value: "urn:xmpp:mam:2"})
	if !isRoom && target != "" {
		fields = append(fields, formField{Var: "with", Value: target})
	}
	if !opts.StartAfter.IsZero() {
		fields = append(fields, formField{Var: "start", Value: opts.StartAfter.UTC().Format(time.RFC3339)})
	}
	query.Form = &dataForm{Type: "submit", Fields: fields}

	max := opts.Max
	if max <= 0 {
		max = 50
	}
	set := &rsmRequest{Max: max}
	if opts.StartAfter.IsZero() {
		// Backward page: anchor before the cursor, or before the very
		// end of the archive when there is no cursor yet.
		before := opts.BeforeID
		set.Before = &before
	}
	query.Set = set

	id := uuid.NewString()
	req := mamQueryIQ{To: to, ID: id, Type: "set", Query: query}

	resp, err := c.sendIQ(ctx, id, req)
	if err != nil {
		return archive.Page{}, fmt.Errorf("archive query for %s: %w", target, err)
	}

	page := archive.Page{Messages: col.drain()}
	if resp.Fin != nil {
		page.Complete = resp.Fin.Complete
		if resp.Fin.Set != nil {
			page.FirstID = resp.Fin.Set.First
			page.LastID = resp.Fin.Set.Last
		}
	}
	return page, nil
}

// SweepConfig wires the bulk catch-up stages to the application's
// target registries and merge pipeline.
type SweepConfig struct {
	// Conversations lists non-archived conversation JIDs.
	Conversations func() []string
	// ArchivedConversations lists archived conversation JIDs.
	ArchivedConversations func() []string
	// Rooms lists fully joined, non-transient room JIDs.
	Rooms func() []string
	// Newest reports the newest known message timestamp for a target.
	Newest func(target string) (time.Time, bool)
	// Apply folds a fetched page into the target's sequence.
	Apply func(target string, page archive.Page, forward, isRoom bool)
}

// SetSweepConfig installs the sweep wiring.
func (c *Client) SetSweepConfig(cfg SweepConfig) {
	c.sweep = cfg
}

// CatchUpAllConversations fetches missed history for every known
// conversation except the excluded one, bounding concurrency.
func (c *Client) CatchUpAllConversations(ctx context.Context, concurrency int, exclude string) error {
	if c.sweep.Conversations == nil {
		return nil
	}
	targets := withoutTarget(c.sweep.Conversations(), exclude)
	return c.sweepTargets(ctx, targets, concurrency, false)
}

// CatchUpAllRooms fetches missed history for every joined room except
// the excluded one.
func (c *Client) CatchUpAllRooms(ctx context.Context, concurrency int, exclude string) error {
	if c.sweep.Rooms == nil {
		return nil
	}
	targets := withoutTarget(c.sweep.Rooms(), exclude)
	return c.sweepTargets(ctx, targets, concurrency, true)
}

// DiscoverNewConversationsFromRoster fetches the roster and pulls a
// preview page for every roster contact without a known conversation.
func (c *Client) DiscoverNewConversationsFromRoster(ctx context.Context, concurrency int) error {
	items, err := c.RequestRoster(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]bool)
	if c.sweep.Conversations != nil {
		for _, j := range c.sweep.Conversations() {
			known[j] = true
		}
	}
	if c.sweep.ArchivedConversations != nil {
		for _, j := range c.sweep.ArchivedConversations() {
			known[j] = true
		}
	}

	var targets []string
	for _, item := range items {
		if !known[item.JID] {
			targets = append(targets, item.JID)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	logging.Debug("xmpp: probing archive for %d roster contacts", len(targets))
	return c.sweepTargets(ctx, targets, concurrency, false)
}

// RefreshConversationPreviews refetches the latest page for every
// non-archived conversation.
func (c *Client) RefreshConversationPreviews(ctx context.Context) error {
	if c.sweep.Conversations == nil {
		return nil
	}
	return c.sweepTargets(ctx, c.sweep.Conversations(), 2, false)
}

// RefreshArchivedConversationPreviews refetches the latest page for
// every archived conversation.
func (c *Client) RefreshArchivedConversationPreviews(ctx context.Context) error {
	if c.sweep.ArchivedConversations == nil {
		return nil
	}
	return c.sweepTargets(ctx, c.sweep.ArchivedConversations(), 2, false)
}

// sweepTargets catches up a set of targets with at most concurrency
// queries in flight. The first hard failure aborts the sweep; targets
// already dispatched still complete.
func (c *Client) sweepTargets(ctx context.Context, targets []string, concurrency int, isRoom bool) error {
	if len(targets) == 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 2
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	for _, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
			break
		}

		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer sem.Release(1)

			if err := c.catchUpTarget(ctx, target, isRoom); err != nil {
				if IsDisconnect(err) {
					logging.Debug("xmpp: sweep of %s interrupted: %v", target, err)
				} else {
					logging.Warn("xmpp: sweep of %s failed: %v", target, err)
				}
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(target)
	}

	wg.Wait()
	return firstErr
}

// catchUpTarget fetches whatever one target is missing: everything
// since its newest known message, or the latest page when nothing is
// known yet.
func (c *Client) catchUpTarget(ctx context.Context, target string, isRoom bool) error {
	opts := syncpkg.QueryOptions{Max: 50}
	forward := false
	if c.sweep.Newest != nil {
		if ts, ok := c.sweep.Newest(target); ok {
			opts.StartAfter = ts.Add(time.Second)
			forward = true
		}
	}

	var page archive.Page
	var err error
	if isRoom {
		page, err = c.QueryRoomArchive(ctx, target, opts)
	} else {
		page, err = c.QueryConversationArchive(ctx, target, opts)
	}
	if err != nil {
		return err
	}

	if c.sweep.Apply != nil {
		c.sweep.Apply(target, page, forward, isRoom)
	}
	return nil
}

func withoutTarget(targets []string, exclude string) []string {
	if exclude == "" {
		return targets
	}
	out := targets[:0:0]
	for _, t := range targets {
		if t != exclude {
			out = append(out, t)
		}
	}
	return out
}
