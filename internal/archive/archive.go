package archive

import (
	"sort"
	"time"
)

// DefaultRetentionCap is the maximum number of messages kept in a
// target's in-memory sequence. Older messages stay in durable storage.
const DefaultRetentionCap = 1000

// Message is a chat or room message as held in a target's ordered
// sequence. ID is client-assigned; StanzaID is the server/archive
// assigned id when known.
type Message struct {
	ID        string
	StanzaID  string
	Target    string // bare conversation JID or room JID
	From      string
	Body      string
	Timestamp time.Time
	Outgoing  bool
	Delayed   bool
}

// DedupKey returns the identity key of a message. An archive-assigned
// stanza id is the sole key when present; otherwise identity is the
// (sender, client id) pair, which is only unique per sender.
func (m Message) DedupKey() string {
	if m.StanzaID != "" {
		return "s\x00" + m.StanzaID
	}
	return "c\x00" + m.From + "\x00" + m.ID
}

// Page is one batch of archive results plus its pagination markers.
type Page struct {
	Messages []Message
	FirstID  string // archive id of the oldest message in the page
	LastID   string // archive id of the newest message in the page
	Complete bool   // no further pages exist in the queried direction
}

// QueryState tracks per-target archive query progress. Created lazily
// on first query and kept until a full session/cache reset.
type QueryState struct {
	Loading         bool
	Err             error
	HasQueried      bool
	HistoryComplete bool // a backward query reached the start of history
	CaughtUpToLive  bool // a forward query reached the live edge
	OldestFetchedID string
}

// ApplyBackwardPage folds a completed backward (older-history) page
// into the query state: the pagination cursor tracks how far back
// contiguous history has been fetched, and an exhausted page marks
// history permanently complete.
func (q *QueryState) ApplyBackwardPage(p Page) {
	q.Loading = false
	q.Err = nil
	q.HasQueried = true
	if p.FirstID != "" {
		q.OldestFetchedID = p.FirstID
	}
	if p.Complete {
		q.HistoryComplete = true
	}
}

// ApplyForwardPage folds a completed forward (catch-up) page into the
// query state. Forward pages never move the backward cursor; reaching
// the live edge is tracked independently of history completeness.
func (q *QueryState) ApplyForwardPage(p Page) {
	q.Loading = false
	q.Err = nil
	q.HasQueried = true
	if p.Complete {
		q.CaughtUpToLive = true
	}
}

// MergeResult is the outcome of folding a batch into a sequence. When
// Added is zero, Messages is the existing slice unchanged, so consumers
// holding a reference see no spurious replacement.
type MergeResult struct {
	Messages []Message
	Added    int
	Trimmed  int
}

// MergeBackward merges a strictly-older batch into an existing
// sequence. The batch is deduplicated against existing keys and
// prepended as-is; the existing suffix is never re-sorted. If the
// combined sequence exceeds cap, the oldest messages are dropped.
func MergeBackward(existing, batch []Message, cap int) MergeResult {
	fresh := dedup(existing, batch)
	if len(fresh) == 0 {
		return MergeResult{Messages: existing}
	}

	merged := make([]Message, 0, len(fresh)+len(existing))
	merged = append(merged, fresh...)
	merged = append(merged, existing...)
	merged, trimmed := trimFront(merged, cap)

	return MergeResult{Messages: merged, Added: len(fresh), Trimmed: trimmed}
}

// MergeForward merges a batch that may interleave with the existing
// sequence. The batch is deduplicated, concatenated, and the full
// result sorted by timestamp ascending; the oldest messages are dropped
// first when over cap, never the newest.
func MergeForward(existing, batch []Message, cap int) MergeResult {
	fresh := dedup(existing, batch)
	if len(fresh) == 0 {
		return MergeResult{Messages: existing}
	}

	merged := make([]Message, 0, len(existing)+len(fresh))
	merged = append(merged, existing...)
	merged = append(merged, fresh...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	merged, trimmed := trimFront(merged, cap)

	return MergeResult{Messages: merged, Added: len(fresh), Trimmed: trimmed}
}

// dedup returns the batch messages whose keys do not collide with the
// existing sequence or with an earlier batch entry, preserving order.
func dedup(existing, batch []Message) []Message {
	seen := make(map[string]struct{}, len(existing)+len(batch))
	for _, m := range existing {
		seen[m.DedupKey()] = struct{}{}
	}

	var fresh []Message
	for _, m := range batch {
		key := m.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, m)
	}
	return fresh
}

// trimFront drops the oldest messages until the sequence fits cap.
func trimFront(msgs []Message, cap int) ([]Message, int) {
	if cap <= 0 || len(msgs) <= cap {
		return msgs, 0
	}
	trimmed := len(msgs) - cap
	return msgs[trimmed:], trimmed
}
