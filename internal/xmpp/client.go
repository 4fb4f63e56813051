package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
	"mellium.im/xmpp/stream"

	"github.com/google/uuid"

	"github.com/meszmate/anchor/internal/archive"
	"github.com/meszmate/anchor/internal/logging"
	"github.com/meszmate/anchor/internal/xmpp/disco"
)

// ErrNotConnected is returned when an operation requires an established
// session and there is none. Reconnect races surface it routinely, so
// callers should treat it as transient.
var ErrNotConnected = errors.New("xmpp: not connected")

// ErrAuthFailed is returned when the server rejects the credentials.
var ErrAuthFailed = errors.New("xmpp: authentication failed")

// IsDisconnect reports whether an error is a consequence of the
// transport going away rather than a protocol-level failure.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed)
}

// Message is a chat message delivered to the application, either live
// or replayed from the server archive.
type Message struct {
	archive.Message
	Groupchat bool
	Nick      string
}

// RosterItem represents a roster entry.
type RosterItem struct {
	JID          string
	Name         string
	Subscription string
	Groups       []string
}

// ClientConfig contains configuration for the XMPP client.
type ClientConfig struct {
	JID      string
	Password string
	Server   string
	Port     int
	Resource string

	// IQTimeout bounds request-response exchanges. Zero means 30s.
	IQTimeout time.Duration
}

// Client wraps a Mellium XMPP session and exposes the protocol surface
// the rest of the application drives: messaging, presence, room
// membership, service discovery and archive queries.
type Client struct {
	mu        sync.RWMutex
	session   *xmpp.Session
	jid       jid.JID
	password  string
	server    string
	port      int
	resource  string
	iqTimeout time.Duration
	connected bool

	ctx    context.Context
	cancel context.CancelFunc

	iqMu    sync.Mutex
	pending map[string]chan iqStanza

	collectMu  sync.Mutex
	collectors map[string]*mamCollector

	discoCache *disco.Cache
	sweep      SweepConfig

	onMessage    func(msg Message)
	onOnline     func(resumed bool)
	onDisconnect func(err error)
	onConflict   func()
	onAuthError  func(err error)
	onServerInfo func(info *disco.Info)
	onRoomJoined func(roomJID string)
	onRoomLeft   func(roomJID string)
	onRoster     func(items []RosterItem)
}

// NewClient creates a new XMPP client.
func NewClient(cfg ClientConfig) (*Client, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid JID: %w", err)
	}

	if cfg.Resource != "" {
		j, err = j.WithResource(cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource: %w", err)
		}
	}

	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	if cfg.IQTimeout == 0 {
		cfg.IQTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		jid:        j,
		password:   cfg.Password,
		server:     cfg.Server,
		port:       cfg.Port,
		resource:   cfg.Resource,
		iqTimeout:  cfg.IQTimeout,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]chan iqStanza),
		collectors: make(map[string]*mamCollector),
		discoCache: disco.NewCache(),
	}, nil
}

// Connect establishes a connection and negotiates a session. Separate
// sessions never resume; the online callback always reports a fresh
// session.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	server := c.server
	if server == "" {
		server = c.jid.Domain().String()
	}

	addr := fmt.Sprintf("%s:%d", server, c.port)

	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: c.jid.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", c.password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(
		c.ctx,
		c.jid.Domain(),
		c.jid,
		conn,
		0,
		negotiator,
	)
	if err != nil {
		conn.Close()
		c.mu.Unlock()
		if isAuthFailure(err) {
			err = fmt.Errorf("%w: %v", ErrAuthFailed, err)
			if c.onAuthError != nil {
				c.onAuthError(err)
			}
		}
		return fmt.Errorf("failed to negotiate session: %w", err)
	}

	c.session = session
	c.connected = true
	c.jid = session.LocalAddr()
	c.mu.Unlock()

	go c.serveLoop(session)

	if c.onOnline != nil {
		c.onOnline(false)
	}

	return nil
}

// Disconnect closes the session cleanly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}

	session := c.session
	c.connected = false
	c.session = nil
	c.mu.Unlock()

	if session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = session.Encode(ctx, stanza.Presence{Type: stanza.UnavailablePresence})
		cancel()
		_ = session.Close()
	}

	c.failPending(ErrNotConnected)

	if c.onDisconnect != nil {
		c.onDisconnect(nil)
	}
	return nil
}

// Close releases the client permanently.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.cancel()
	return err
}

// serveLoop reads and dispatches stanzas until the stream dies.
func (c *Client) serveLoop(session *xmpp.Session) {
	d := xml.NewTokenDecoder(session.TokenReader())

	for {
		tok, err := d.Token()
		if err != nil {
			c.handleStreamEnd(err)
			return
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "message":
			var msg messageStanza
			if err := d.DecodeElement(&msg, &start); err != nil {
				logging.Warn("xmpp: decoding message: %v", err)
				continue
			}
			c.handleMessage(msg)
		case "presence":
			var p presenceStanza
			if err := d.DecodeElement(&p, &start); err != nil {
				logging.Warn("xmpp: decoding presence: %v", err)
				continue
			}
			c.handlePresence(p)
		case "iq":
			var iq iqStanza
			if err := d.DecodeElement(&iq, &start); err != nil {
				logging.Warn("xmpp: decoding iq: %v", err)
				continue
			}
			c.handleIQ(iq)
		default:
			if err := d.Skip(); err != nil {
				c.handleStreamEnd(err)
				return
			}
		}
	}
}

// handleStreamEnd records the dead session and classifies the cause.
func (c *Client) handleStreamEnd(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.session = nil
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	c.failPending(ErrNotConnected)

	if err != nil && errors.Is(err, stream.Conflict) {
		logging.Info("xmpp: session replaced by another resource")
		if c.onConflict != nil {
			c.onConflict()
		}
		return
	}

	if err == io.EOF {
		err = nil
	}
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

// handleMessage converts a wire message into the application's shape
// and routes archive results to their collector.
func (c *Client) handleMessage(msg messageStanza) {
	if msg.Result != nil {
		c.handleMAMResult(*msg.Result)
		return
	}
	if msg.Body == "" {
		return
	}

	from, err := jid.Parse(msg.From)
	if err != nil {
		return
	}

	m := Message{
		Message: archive.Message{
			ID:        msg.ID,
			Body:      msg.Body,
			Timestamp: time.Now().UTC(),
		},
	}
	if msg.StanzaID != nil {
		m.StanzaID = msg.StanzaID.ID
	}
	if msg.Delay != nil {
		if ts, ok := parseDelay(msg.Delay.Stamp); ok {
			m.Timestamp = ts
			m.Delayed = true
		}
	}

	bare := from.Bare().String()
	if msg.Type == "groupchat" {
		m.Groupchat = true
		m.Target = bare
		m.Nick = from.Resourcepart()
		m.From = bare
	} else {
		m.Target = bare
		m.From = bare
		m.Outgoing = bare == c.JID().Bare().String()
	}

	if c.onMessage != nil {
		c.onMessage(m)
	}
}

// handlePresence watches for MUC self-presence to learn join results.
func (c *Client) handlePresence(p presenceStanza) {
	if p.MUCUser == nil {
		return
	}
	from, err := jid.Parse(p.From)
	if err != nil {
		return
	}

	self := false
	for _, status := range p.MUCUser.Statuses {
		if status.Code == 110 {
			self = true
		}
	}
	if !self {
		return
	}

	roomJID := from.Bare().String()
	switch p.Type {
	case "":
		logging.Debug("xmpp: joined room %s", roomJID)
		if c.onRoomJoined != nil {
			c.onRoomJoined(roomJID)
		}
	case "unavailable":
		logging.Debug("xmpp: left room %s", roomJID)
		if c.onRoomLeft != nil {
			c.onRoomLeft(roomJID)
		}
	}
}

// handleIQ completes the pending request waiting on this id, if any.
func (c *Client) handleIQ(iq iqStanza) {
	if iq.Type != "result" && iq.Type != "error" {
		return
	}
	c.iqMu.Lock()
	ch, ok := c.pending[iq.ID]
	if ok {
		delete(c.pending, iq.ID)
	}
	c.iqMu.Unlock()
	if ok {
		ch <- iq
	}
}

// sendIQ encodes a request and waits for the matching response.
func (c *Client) sendIQ(ctx context.Context, id string, req interface{}) (iqStanza, error) {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()
	if !connected || session == nil {
		return iqStanza{}, ErrNotConnected
	}

	ch := make(chan iqStanza, 1)
	c.iqMu.Lock()
	c.pending[id] = ch
	c.iqMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.iqTimeout)
	defer cancel()

	if err := session.Encode(ctx, req); err != nil {
		c.iqMu.Lock()
		delete(c.pending, id)
		c.iqMu.Unlock()
		return iqStanza{}, fmt.Errorf("failed to send iq: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.failure != nil {
			return resp, resp.failure
		}
		if resp.Type == "error" {
			return resp, fmt.Errorf("iq error: %s", resp.errorCondition())
		}
		return resp, nil
	case <-ctx.Done():
		c.iqMu.Lock()
		delete(c.pending, id)
		c.iqMu.Unlock()
		return iqStanza{}, ctx.Err()
	}
}

// failPending unblocks every in-flight request after the stream dies.
func (c *Client) failPending(err error) {
	c.iqMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan iqStanza)
	c.iqMu.Unlock()
	for id, ch := range pending {
		ch <- iqStanza{ID: id, Type: "error", failure: err}
	}

	c.collectMu.Lock()
	c.collectors = make(map[string]*mamCollector)
	c.collectMu.Unlock()

	// Server features are renegotiated per connection.
	c.discoCache.Clear()
}

// SendMessage sends a chat message and returns its generated id.
func (c *Client) SendMessage(to, body string) (string, error) {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()
	if !connected || session == nil {
		return "", ErrNotConnected
	}

	toJID, err := jid.Parse(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}

	id := uuid.NewString()
	msg := outgoingMessage{
		Message: stanza.Message{
			ID:   id,
			To:   toJID,
			Type: stanza.ChatMessage,
		},
		Body: body,
	}
	if err := session.Encode(c.ctx, msg); err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return id, nil
}

// SendRoomMessage sends a groupchat message to a joined room.
func (c *Client) SendRoomMessage(roomJID, body string) (string, error) {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()
	if !connected || session == nil {
		return "", ErrNotConnected
	}

	toJID, err := jid.Parse(roomJID)
	if err != nil {
		return "", fmt.Errorf("invalid room JID: %w", err)
	}

	id := uuid.NewString()
	msg := outgoingMessage{
		Message: stanza.Message{
			ID:   id,
			To:   toJID,
			Type: stanza.GroupChatMessage,
		},
		Body: body,
	}
	if err := session.Encode(c.ctx, msg); err != nil {
		return "", fmt.Errorf("failed to send room message: %w", err)
	}
	return id, nil
}

// SendPresence broadcasts availability with an optional show value
// ("", "away", "dnd", "xa") and status message.
func (c *Client) SendPresence(show, status string) error {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()
	if !connected || session == nil {
		return ErrNotConnected
	}

	p := outgoingPresence{Show: show, Status: status}
	if err := session.Encode(c.ctx, p); err != nil {
		return fmt.Errorf("failed to send presence: %w", err)
	}
	return nil
}

// Ping verifies the session is live with an XEP-0199 ping to the
// server. A timely reply means the stream survived.
func (c *Client) Ping(ctx context.Context) error {
	id := uuid.NewString()
	req := pingIQ{
		baseIQ: baseIQ{ID: id, Type: "get", To: c.JID().Domain().String()},
	}
	_, err := c.sendIQ(ctx, id, req)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// DiscoverServerInfo queries the server's disco#info features, caches
// them and notifies the server-info handler.
func (c *Client) DiscoverServerInfo(ctx context.Context) (*disco.Info, error) {
	domain := c.JID().Domain()
	id := uuid.NewString()
	req := discoInfoIQ{
		baseIQ: baseIQ{ID: id, Type: "get", To: domain.String()},
	}
	resp, err := c.sendIQ(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("disco#info failed: %w", err)
	}
	if resp.DiscoInfo == nil {
		return nil, fmt.Errorf("disco#info response missing query element")
	}

	info := &disco.Info{}
	for _, ident := range resp.DiscoInfo.Identities {
		info.Identities = append(info.Identities, disco.Identity{
			Category: ident.Category,
			Type:     ident.Type,
			Name:     ident.Name,
		})
	}
	for _, f := range resp.DiscoInfo.Features {
		info.Features = append(info.Features, disco.Feature(f.Var))
	}

	c.discoCache.SetInfo(domain, info)
	if c.onServerInfo != nil {
		c.onServerInfo(info)
	}
	return info, nil
}

// SupportsArchive reports whether the server advertised MAM support.
func (c *Client) SupportsArchive() bool {
	return c.discoCache.HasFeature(c.JID().Domain(), disco.FeatureMAM)
}

// RequestRoster fetches the roster and delivers it to the roster
// handler.
func (c *Client) RequestRoster(ctx context.Context) ([]RosterItem, error) {
	id := uuid.NewString()
	req := rosterIQ{
		baseIQ: baseIQ{ID: id, Type: "get"},
	}
	resp, err := c.sendIQ(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("roster request failed: %w", err)
	}
	if resp.Roster == nil {
		return nil, nil
	}

	var items []RosterItem
	for _, item := range resp.Roster.Items {
		items = append(items, RosterItem{
			JID:          item.JID,
			Name:         item.Name,
			Subscription: item.Subscription,
			Groups:       item.Groups,
		})
	}

	if c.onRoster != nil {
		c.onRoster(items)
	}
	return items, nil
}

// IsConnected returns whether the client has an established session.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// JID returns the client's bound JID.
func (c *Client) JID() jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// SetMessageHandler sets the message handler.
func (c *Client) SetMessageHandler(handler func(msg Message)) {
	c.onMessage = handler
}

// SetOnlineHandler sets the handler invoked when a session is
// established. The argument reports whether the session was resumed.
func (c *Client) SetOnlineHandler(handler func(resumed bool)) {
	c.onOnline = handler
}

// SetDisconnectHandler sets the disconnect handler.
func (c *Client) SetDisconnectHandler(handler func(err error)) {
	c.onDisconnect = handler
}

// SetConflictHandler sets the handler for resource conflicts.
func (c *Client) SetConflictHandler(handler func()) {
	c.onConflict = handler
}

// SetAuthErrorHandler sets the handler for authentication failures.
func (c *Client) SetAuthErrorHandler(handler func(err error)) {
	c.onAuthError = handler
}

// SetServerInfoHandler sets the handler for discovered server features.
func (c *Client) SetServerInfoHandler(handler func(info *disco.Info)) {
	c.onServerInfo = handler
}

// SetRoomJoinedHandler sets the handler for confirmed room joins.
func (c *Client) SetRoomJoinedHandler(handler func(roomJID string)) {
	c.onRoomJoined = handler
}

// SetRoomLeftHandler sets the handler for room departures.
func (c *Client) SetRoomLeftHandler(handler func(roomJID string)) {
	c.onRoomLeft = handler
}

// SetRosterHandler sets the roster handler.
func (c *Client) SetRosterHandler(handler func(items []RosterItem)) {
	c.onRoster = handler
}

func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not-authorized") ||
		strings.Contains(msg, "invalid-authzid") ||
		strings.Contains(msg, "credentials")
}

// parseDelay parses a XEP-0203 delay stamp.
func parseDelay(stamp string) (time.Time, bool) {
	if stamp == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700"} {
		if ts, err := time.Parse(layout, stamp); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
