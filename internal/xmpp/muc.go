package xmpp

import (
	"encoding/xml"
	"fmt"

	"mellium.im/xmpp/jid"
)

// mucJoinPresence announces the client in a room. History is requested
// empty; the archive pipeline backfills it instead.
type mucJoinPresence struct {
	XMLName xml.Name `xml:"presence"`
	To      string   `xml:"to,attr"`
	X       struct {
		History struct {
			MaxStanzas int `xml:"maxstanzas,attr"`
		} `xml:"history"`
	} `xml:"http://jabber.org/protocol/muc x"`
}

// JoinRoom requests membership in a room under the given nick. The join
// is confirmed asynchronously through the room-joined handler once the
// reflected self-presence arrives.
func (c *Client) JoinRoom(roomJID, nick string) error {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()
	if !connected || session == nil {
		return ErrNotConnected
	}

	room, err := jid.Parse(roomJID)
	if err != nil {
		return fmt.Errorf("invalid room JID: %w", err)
	}
	occupant, err := room.WithResource(nick)
	if err != nil {
		return fmt.Errorf("invalid nick: %w", err)
	}

	p := mucJoinPresence{To: occupant.String()}
	if err := session.Encode(c.ctx, p); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	return nil
}

// LeaveRoom withdraws from a room.
func (c *Client) LeaveRoom(roomJID, nick string) error {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()
	if !connected || session == nil {
		return ErrNotConnected
	}

	room, err := jid.Parse(roomJID)
	if err != nil {
		return fmt.Errorf("invalid room JID: %w", err)
	}
	occupant, err := room.WithResource(nick)
	if err != nil {
		return fmt.Errorf("invalid nick: %w", err)
	}

	p := outgoingPresence{To: occupant.String(), Type: "unavailable"}
	if err := session.Encode(c.ctx, p); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	return nil
}
