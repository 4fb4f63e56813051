package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/meszmate/anchor/internal/archive"
	"github.com/meszmate/anchor/internal/clock"
	"github.com/meszmate/anchor/internal/config"
	"github.com/meszmate/anchor/internal/connection"
	"github.com/meszmate/anchor/internal/conversation"
	"github.com/meszmate/anchor/internal/logging"
	"github.com/meszmate/anchor/internal/presence"
	"github.com/meszmate/anchor/internal/room"
	"github.com/meszmate/anchor/internal/storage/cooldown"
	"github.com/meszmate/anchor/internal/storage/sqlite"
	historysync "github.com/meszmate/anchor/internal/sync"
	"github.com/meszmate/anchor/internal/xmpp"
	"github.com/meszmate/anchor/internal/xmpp/disco"
)

// app_state key for the focused conversation, restored on startup.
const appStateActiveConversation = "active_conversation"

// PresenceUpdate is the broadcast presence payload carried on
// EventPresenceChanged.
type PresenceUpdate struct {
	Show   presence.Show
	Status string
}

// HistoryUpdate is carried on EventHistoryMerged.
type HistoryUpdate struct {
	Target string
	Added  int
}

// SyncUpdate is carried on EventSyncStateChanged.
type SyncUpdate struct {
	Target string
	State  archive.QueryState
}

// App owns the session lifecycle: it wires the connection and presence
// state machines, the history sync orchestrator and the protocol client
// together and exposes user-facing actions.
type App struct {
	cfg   *config.Config
	bus   *EventBus
	sched clock.Scheduler

	db        *sqlite.DB
	cooldowns *cooldown.Store

	client *xmpp.Client
	conn   *connection.Machine
	pres   *presence.Machine
	convs  *conversation.Manager
	rooms  *room.Manager
	orch   *historysync.Orchestrator

	mu     sync.Mutex
	status string

	closeOnce sync.Once
	closed    chan struct{}
}

// New assembles the application from its configuration.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := sqlite.New(cfg.General.DataDir)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.VacuumOnStartup {
		if err := db.Vacuum(); err != nil {
			logging.Warn("vacuuming message cache: %v", err)
		}
	}

	cooldowns, err := cooldown.Open(filepath.Join(cfg.General.DataDir, "cooldowns.db"))
	if err != nil {
		db.Close()
		return nil, err
	}

	client, err := xmpp.NewClient(xmpp.ClientConfig{
		JID:      cfg.Account.JID,
		Password: cfg.Account.Password,
		Server:   cfg.Account.Server,
		Port:     cfg.Account.Port,
		Resource: cfg.Account.Resource,
	})
	if err != nil {
		cooldowns.Close()
		db.Close()
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		bus:       NewEventBus(),
		sched:     clock.NewReal(),
		db:        db,
		cooldowns: cooldowns,
		client:    client,
		status:    "disconnected",
		closed:    make(chan struct{}),
	}

	a.convs = conversation.NewManager(0, func(oldJID, newJID string) {
		a.orch.ActiveConversationChanged(oldJID, newJID)
	})
	a.rooms = room.NewManager(0, func(jid string) {
		a.orch.RoomJoined(jid)
	}, func(oldJID, newJID string) {
		a.orch.ActiveRoomChanged(oldJID, newJID)
	})

	a.conn = connection.NewMachine(connection.Config{
		InitialDelay:   cfg.Connection.InitialRetryDelay(),
		Multiplier:     2,
		MaxDelay:       cfg.Connection.MaxRetryDelay(),
		MaxAttempts:    cfg.Connection.MaxRetryAttempts,
		SessionTimeout: cfg.Connection.SessionTimeout(),
	}, a.sched, a.onConnectionState)

	a.pres = presence.NewMachine(presence.AutoAwayConfig{
		Enabled:       cfg.Presence.AutoAwayEnabled,
		IdleThreshold: cfg.Presence.AutoAwayThreshold(),
	}, a.onPresenceState)

	a.orch = historysync.New(historysync.Config{
		SweepConcurrency:        cfg.Sync.SweepConcurrency,
		RoomSweepDelay:          cfg.Sync.RoomSweepDelay(),
		RosterDiscoveryCooldown: cfg.Sync.RosterDiscoveryCooldown(),
		ArchivedPreviewCooldown: cfg.Sync.ArchivedPreviewCooldown(),
		PageSize:                cfg.Sync.PageSize,
		IsDisconnect:            xmpp.IsDisconnect,
	}, a.sched, client, db, cooldowns, a.convs, a.rooms)

	a.orch.SetStateHandler(func(target string, st archive.QueryState) {
		a.bus.Publish(EventMsg{Type: EventSyncStateChanged, Data: SyncUpdate{Target: target, State: st}})
	})
	a.orch.SetMergeHandler(func(target string, added int) {
		a.bus.Publish(EventMsg{Type: EventHistoryMerged, Data: HistoryUpdate{Target: target, Added: added}})
	})

	a.wireClient()
	a.loadState()

	return a, nil
}

// wireClient connects the protocol callbacks to the state machines.
func (a *App) wireClient() {
	a.client.SetOnlineHandler(func(resumed bool) {
		a.conn.ConnectionSuccess()
		a.orch.SessionOnline(resumed)
		a.pres.Connect()
		go a.afterOnline()
	})

	a.client.SetDisconnectHandler(func(err error) {
		if err != nil {
			logging.Warn("connection lost: %v", err)
		}
		a.orch.Disconnected()
		a.pres.Disconnect()
		if err != nil {
			a.conn.SocketDied()
		}
	})

	a.client.SetConflictHandler(func() {
		a.orch.Disconnected()
		a.pres.Disconnect()
		a.conn.Conflict()
	})

	a.client.SetAuthErrorHandler(func(err error) {
		a.bus.Publish(EventMsg{Type: EventError, Data: err})
		a.conn.AuthError()
	})

	a.client.SetServerInfoHandler(func(info *disco.Info) {
		support := false
		for _, f := range info.Features {
			if f == disco.FeatureMAM {
				support = true
			}
		}
		a.orch.ServerInfoUpdated(support)
		a.bus.Publish(EventMsg{Type: EventArchiveSupport, Data: support})
	})

	a.client.SetMessageHandler(a.handleLiveMessage)

	a.client.SetRoomJoinedHandler(func(roomJID string) {
		a.rooms.SetJoined(roomJID)
		a.bus.Publish(EventMsg{Type: EventRoomJoined, Data: roomJID})
	})
	a.client.SetRoomLeftHandler(func(roomJID string) {
		a.rooms.SetLeft(roomJID)
	})

	a.client.SetRosterHandler(func(items []xmpp.RosterItem) {
		a.bus.Publish(EventMsg{Type: EventRosterUpdate})
	})

	a.client.SetSweepConfig(xmpp.SweepConfig{
		Conversations:         func() []string { return a.convs.JIDs() },
		ArchivedConversations: func() []string { return a.convs.ArchivedJIDs() },
		Rooms:                 func() []string { return a.rooms.JoinedJIDs() },
		Newest: func(target string) (time.Time, bool) {
			if msg, ok := a.convs.Newest(target); ok {
				return msg.Timestamp, true
			}
			if msg, ok := a.rooms.Newest(target); ok {
				return msg.Timestamp, true
			}
			if msg, ok, err := a.db.NewestMessage(target); err == nil && ok {
				return msg.Timestamp, true
			}
			return time.Time{}, false
		},
		Apply: a.applySweepPage,
	})
}

// loadState restores conversations, rooms and recent history from the
// durable cache.
func (a *App) loadState() {
	entries, err := a.db.GetConversations()
	if err != nil {
		logging.Warn("loading conversations: %v", err)
	}
	for _, entry := range entries {
		c := a.convs.Ensure(entry.JID)
		c.Name = entry.Name
		a.convs.SetArchived(entry.JID, entry.Archived)
		if msgs, err := a.db.GetMessages(entry.JID, a.cfg.Sync.PageSize); err == nil && len(msgs) > 0 {
			a.convs.MergeForward(entry.JID, msgs)
		}
	}

	bookmarks, err := a.db.GetRooms()
	if err != nil {
		logging.Warn("loading rooms: %v", err)
	}
	for _, b := range bookmarks {
		a.rooms.Add(b.JID, b.Nick, false)
		if msgs, err := a.db.GetMessages(b.JID, a.cfg.Sync.PageSize); err == nil && len(msgs) > 0 {
			a.rooms.MergeForward(b.JID, msgs)
		}
	}

	if jid, err := a.db.GetAppState(appStateActiveConversation); err == nil && jid != "" {
		a.convs.SetActive(jid)
	}
}

// afterOnline runs the post-connect protocol chores: presence
// broadcast, feature discovery, room rejoin.
func (a *App) afterOnline() {
	show, status := a.pres.Show()
	if err := a.client.SendPresence(string(show), status); err != nil {
		logging.Debug("initial presence: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := a.client.DiscoverServerInfo(ctx); err != nil {
		if xmpp.IsDisconnect(err) {
			logging.Debug("server discovery interrupted: %v", err)
		} else {
			logging.Warn("server discovery failed: %v", err)
		}
	}

	for _, b := range a.bookmarkedRooms() {
		if err := a.client.JoinRoom(b.JID, b.Nick); err != nil {
			logging.Warn("joining %s: %v", b.JID, err)
		}
	}
}

func (a *App) bookmarkedRooms() []sqlite.RoomEntry {
	bookmarks, err := a.db.GetRooms()
	if err != nil {
		logging.Warn("loading room bookmarks: %v", err)
		return nil
	}
	var autojoin []sqlite.RoomEntry
	for _, b := range bookmarks {
		if b.Autojoin {
			autojoin = append(autojoin, b)
		}
	}
	return autojoin
}

// onConnectionState reacts to connection machine transitions: it drives
// the actual connect attempts and the wake verification probe, and
// surfaces the status string.
func (a *App) onConnectionState(state connection.State, ctx connection.Context) {
	status := statusFor(state)
	a.mu.Lock()
	changed := status != a.status
	a.status = status
	a.mu.Unlock()
	if changed {
		a.bus.Publish(EventMsg{Type: EventStatusChanged, Data: status})
	}

	switch state {
	case connection.StateConnecting, connection.StateReconnectAttempting:
		go a.attemptConnect()
	case connection.StateConnectedVerifying:
		go a.verifySession()
	}
}

// attemptConnect runs one connect attempt. Success is reported through
// the client's online callback; only failure is reported here.
func (a *App) attemptConnect() {
	if a.client.IsConnected() {
		return
	}
	if err := a.client.Connect(); err != nil {
		logging.Warn("connect failed: %v", err)
		a.conn.ConnectionError(err.Error())
	}
}

// verifySession pings the server after a wake to learn whether the
// stream survived the suspension.
func (a *App) verifySession() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.Ping(ctx); err != nil {
		logging.Info("session verification failed: %v", err)
		a.conn.VerifyFailed()
		return
	}
	a.conn.VerifySuccess()
}

// onPresenceState broadcasts presence changes while connected.
func (a *App) onPresenceState(state presence.State, show presence.Show, status string) {
	a.bus.Publish(EventMsg{Type: EventPresenceChanged, Data: PresenceUpdate{Show: show, Status: status}})

	if state == presence.StateDisconnected || !a.conn.State().IsConnected() {
		return
	}
	if err := a.client.SendPresence(string(show), status); err != nil {
		if xmpp.IsDisconnect(err) {
			logging.Debug("presence broadcast skipped: %v", err)
		} else {
			logging.Warn("presence broadcast failed: %v", err)
		}
	}
}

// handleLiveMessage folds a live (or replayed) message into the right
// target and the durable cache.
func (a *App) handleLiveMessage(msg xmpp.Message) {
	var appended bool
	if msg.Groupchat {
		if a.rooms.Get(msg.Target) == nil {
			a.rooms.Add(msg.Target, a.cfg.Account.Resource, true)
		}
		appended = a.rooms.Append(msg.Target, msg.Message)
	} else {
		a.convs.Ensure(msg.Target)
		appended = a.convs.Append(msg.Target, msg.Message)
	}
	if !appended {
		return
	}

	if a.cfg.Storage.SaveMessages {
		if err := a.db.SaveMessage(msg.Message); err != nil {
			logging.Warn("persisting message: %v", err)
		}
	}
	a.bus.Publish(EventMsg{Type: EventMessage, Data: msg})
}

// applySweepPage merges a page fetched by a bulk sweep into the target.
func (a *App) applySweepPage(target string, page archive.Page, forward, isRoom bool) {
	var res archive.MergeResult
	if isRoom {
		if forward {
			res = a.rooms.MergeForward(target, page.Messages)
		} else {
			res = a.rooms.MergeBackward(target, page.Messages)
		}
	} else {
		a.convs.Ensure(target)
		if forward {
			res = a.convs.MergeForward(target, page.Messages)
		} else {
			res = a.convs.MergeBackward(target, page.Messages)
		}
	}

	if res.Added == 0 {
		return
	}
	if a.cfg.Storage.SaveMessages {
		if err := a.db.SaveMessages(page.Messages); err != nil {
			logging.Warn("persisting %s history: %v", target, err)
		}
	}
	a.bus.Publish(EventMsg{Type: EventHistoryMerged, Data: HistoryUpdate{Target: target, Added: res.Added}})
}

// statusFor maps a connection state to the user-visible status string.
func statusFor(state connection.State) string {
	switch state {
	case connection.StateIdle, connection.StateDisconnected:
		return "disconnected"
	case connection.StateConnecting:
		return "connecting"
	case connection.StateConnectedHealthy:
		return "online"
	case connection.StateConnectedVerifying:
		return "verifying"
	case connection.StateReconnectWaiting, connection.StateReconnectAttempting:
		return "reconnecting"
	default:
		return "error"
	}
}

// Events returns the application's event bus.
func (a *App) Events() *EventBus {
	return a.bus
}

// Status returns the current connection status string.
func (a *App) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Connect starts the connection lifecycle.
func (a *App) Connect() {
	a.conn.Connect()
}

// Disconnect tears the session down on user request.
func (a *App) Disconnect() {
	a.conn.Disconnect()
	a.orch.Disconnected()
	a.pres.Disconnect()
	if err := a.client.Disconnect(); err != nil {
		logging.Warn("disconnect: %v", err)
	}
}

// Reconnect skips a pending backoff wait.
func (a *App) Reconnect() {
	a.conn.TriggerReconnect()
}

// Visible reports that the application regained focus; a pending
// backoff wait is skipped.
func (a *App) Visible() {
	a.conn.Visible()
}

// SendMessage sends a chat message, records the local copy and returns
// its id.
func (a *App) SendMessage(to, body string) (string, error) {
	id, err := a.client.SendMessage(to, body)
	if err != nil {
		return "", err
	}

	msg := archive.Message{
		ID:        id,
		Target:    to,
		From:      a.cfg.Account.JID,
		Body:      body,
		Timestamp: time.Now().UTC(),
		Outgoing:  true,
	}
	a.convs.Ensure(to)
	a.convs.Append(to, msg)
	if a.cfg.Storage.SaveMessages {
		if err := a.db.SaveMessage(msg); err != nil {
			logging.Warn("persisting sent message: %v", err)
		}
	}
	return id, nil
}

// SendRoomMessage sends a groupchat message. The reflected copy from
// the room populates the local sequence.
func (a *App) SendRoomMessage(roomJID, body string) (string, error) {
	return a.client.SendRoomMessage(roomJID, body)
}

// SetPresence records and broadcasts a user presence choice.
func (a *App) SetPresence(pref presence.Preference, status string) {
	a.pres.SetPresence(pref, status)
}

// JoinRoom bookmarks and joins a room.
func (a *App) JoinRoom(roomJID, nick string) error {
	a.rooms.Add(roomJID, nick, false)
	if err := a.db.SaveRoom(sqlite.RoomEntry{JID: roomJID, Nick: nick, Autojoin: true}); err != nil {
		logging.Warn("saving room bookmark: %v", err)
	}
	return a.client.JoinRoom(roomJID, nick)
}

// LeaveRoom leaves a room and drops its bookmark.
func (a *App) LeaveRoom(roomJID string) error {
	r := a.rooms.Get(roomJID)
	if r == nil {
		return fmt.Errorf("unknown room %s", roomJID)
	}
	nick := r.Nick
	a.rooms.SetLeft(roomJID)
	if err := a.db.DeleteRoom(roomJID); err != nil {
		logging.Warn("deleting room bookmark: %v", err)
	}
	return a.client.LeaveRoom(roomJID, nick)
}

// SetActiveConversation switches the focused conversation. The choice
// is persisted and restored on the next start.
func (a *App) SetActiveConversation(jid string) {
	a.convs.SetActive(jid)
	a.convs.MarkRead(jid)
	var err error
	if jid == "" {
		err = a.db.DeleteAppState(appStateActiveConversation)
	} else {
		err = a.db.SetAppState(appStateActiveConversation, jid)
	}
	if err != nil {
		logging.Warn("persisting active conversation: %v", err)
	}
	a.bus.Publish(EventMsg{Type: EventActiveTargetChanged, Data: jid})
}

// SetActiveRoom switches the focused room.
func (a *App) SetActiveRoom(jid string) {
	a.rooms.SetActive(jid)
	a.rooms.MarkRead(jid)
	a.bus.Publish(EventMsg{Type: EventActiveTargetChanged, Data: jid})
}

// DeleteConversation removes a conversation, its stored history and its
// paging cursor.
func (a *App) DeleteConversation(jid string) error {
	a.convs.Delete(jid)
	if err := a.db.DeleteMessages(jid); err != nil {
		return fmt.Errorf("deleting messages for %s: %w", jid, err)
	}
	if err := a.db.DeleteSyncCursor(jid); err != nil {
		return fmt.Errorf("deleting cursor for %s: %w", jid, err)
	}
	if err := a.db.DeleteConversation(jid); err != nil {
		return fmt.Errorf("deleting conversation %s: %w", jid, err)
	}
	return nil
}

// ArchiveConversation moves a conversation in or out of the archived
// list.
func (a *App) ArchiveConversation(jid string, archived bool) {
	a.convs.SetArchived(jid, archived)
	c := a.convs.Get(jid)
	if c == nil {
		return
	}
	entry := sqlite.ConversationEntry{JID: jid, Name: c.Name, Archived: archived, Unread: c.Unread}
	if err := a.db.SaveConversation(entry); err != nil {
		logging.Warn("saving conversation: %v", err)
	}
}

// FetchOlderConversation pages further back into a conversation's
// history.
func (a *App) FetchOlderConversation(jid string) {
	a.orch.FetchOlderConversation(jid)
}

// FetchOlderRoom pages further back into a room's history.
func (a *App) FetchOlderRoom(jid string) {
	a.orch.FetchOlderRoom(jid)
}

// ReportIdle reports that the user has been idle since the given time.
func (a *App) ReportIdle(since time.Time) {
	a.pres.IdleDetected(since)
}

// ReportActivity reports user activity, restoring presence from any
// automatic away state.
func (a *App) ReportActivity() {
	a.pres.ActivityDetected()
}

// ReportSleep reports that the host is about to suspend.
func (a *App) ReportSleep() {
	a.pres.SleepDetected()
}

// ReportWake reports that the host woke after sleeping for the given
// duration.
func (a *App) ReportWake(sleep time.Duration) {
	a.pres.WakeDetected()
	a.conn.Wake(sleep)
}

// Conversations returns the conversation registry.
func (a *App) Conversations() *conversation.Manager {
	return a.convs
}

// Rooms returns the room registry.
func (a *App) Rooms() *room.Manager {
	return a.rooms
}

// SyncState returns a target's archive query state.
func (a *App) SyncState(target string) archive.QueryState {
	return a.orch.QueryState(target)
}

// Close shuts the application down.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.orch.Close()
		a.conn.Disconnect()
		if err := a.client.Close(); err != nil {
			logging.Warn("closing client: %v", err)
		}
		if err := a.cooldowns.Close(); err != nil {
			logging.Warn("closing cooldown store: %v", err)
		}
		if a.cfg.Storage.MessageRetentionDays > 0 {
			if n, err := a.db.DeleteOldMessages(a.cfg.Storage.MessageRetentionDays); err == nil && n > 0 {
				logging.Info("pruned %d old messages", n)
			}
		}
		if err := a.db.Close(); err != nil {
			logging.Warn("closing database: %v", err)
		}
	})
}
