package xmpp

import (
	"encoding/xml"

	"mellium.im/xmpp/stanza"
)

// Incoming wire shapes. These are decoded straight off the stream; only
// the elements the application acts on are mapped.

type messageStanza struct {
	XMLName  xml.Name      `xml:"message"`
	From     string        `xml:"from,attr"`
	To       string        `xml:"to,attr"`
	ID       string        `xml:"id,attr"`
	Type     string        `xml:"type,attr"`
	Body     string        `xml:"body"`
	Delay    *delayEl      `xml:"urn:xmpp:delay delay"`
	StanzaID *stanzaIDEl   `xml:"urn:xmpp:sid:0 stanza-id"`
	Result   *mamResultEl  `xml:"urn:xmpp:mam:2 result"`
}

type delayEl struct {
	Stamp string `xml:"stamp,attr"`
	From  string `xml:"from,attr"`
}

type stanzaIDEl struct {
	ID string `xml:"id,attr"`
	By string `xml:"by,attr"`
}

// mamResultEl is a XEP-0313 archive result wrapping the original
// message in a XEP-0297 forwarded envelope.
type mamResultEl struct {
	QueryID   string `xml:"queryid,attr"`
	ID        string `xml:"id,attr"`
	Forwarded struct {
		Delay   *delayEl        `xml:"urn:xmpp:delay delay"`
		Message *messageStanza  `xml:"jabber:client message"`
	} `xml:"urn:xmpp:forwarded:0 forwarded"`
}

type presenceStanza struct {
	XMLName xml.Name   `xml:"presence"`
	From    string     `xml:"from,attr"`
	To      string     `xml:"to,attr"`
	Type    string     `xml:"type,attr"`
	Show    string     `xml:"show"`
	Status  string     `xml:"status"`
	MUCUser *mucUserEl `xml:"http://jabber.org/protocol/muc#user x"`
}

type mucUserEl struct {
	Statuses []struct {
		Code int `xml:"code,attr"`
	} `xml:"status"`
}

type iqStanza struct {
	XMLName   xml.Name       `xml:"iq"`
	From      string         `xml:"from,attr"`
	ID        string         `xml:"id,attr"`
	Type      string         `xml:"type,attr"`
	Fin       *mamFinEl      `xml:"urn:xmpp:mam:2 fin"`
	DiscoInfo *discoInfoEl   `xml:"http://jabber.org/protocol/disco#info query"`
	Roster    *rosterQueryEl `xml:"jabber:iq:roster query"`
	Error     *stanzaErrEl   `xml:"error"`

	// failure carries a locally generated error (stream death) instead
	// of a server-reported one.
	failure error
}

func (iq iqStanza) errorCondition() string {
	if iq.Error == nil {
		return "unknown"
	}
	if iq.Error.Condition.Local != "" {
		return iq.Error.Condition.Local
	}
	return iq.Error.Type
}

type stanzaErrEl struct {
	Type      string   `xml:"type,attr"`
	Condition xml.Name `xml:",any"`
	Text      string   `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text"`
}

// mamFinEl terminates an archive query, carrying the RSM paging set.
type mamFinEl struct {
	Complete bool      `xml:"complete,attr"`
	Set      *rsmSetEl `xml:"http://jabber.org/protocol/rsm set"`
}

type rsmSetEl struct {
	First string `xml:"first"`
	Last  string `xml:"last"`
	Count int    `xml:"count"`
}

type discoInfoEl struct {
	Identities []struct {
		Category string `xml:"category,attr"`
		Type     string `xml:"type,attr"`
		Name     string `xml:"name,attr"`
	} `xml:"identity"`
	Features []struct {
		Var string `xml:"var,attr"`
	} `xml:"feature"`
}

type rosterQueryEl struct {
	Items []struct {
		JID          string   `xml:"jid,attr"`
		Name         string   `xml:"name,attr"`
		Subscription string   `xml:"subscription,attr"`
		Groups       []string `xml:"group"`
	} `xml:"item"`
}

// Outgoing wire shapes.

type outgoingMessage struct {
	stanza.Message
	Body string `xml:"body"`
}

type outgoingPresence struct {
	XMLName xml.Name `xml:"presence"`
	To      string   `xml:"to,attr,omitempty"`
	Type    string   `xml:"type,attr,omitempty"`
	Show    string   `xml:"show,omitempty"`
	Status  string   `xml:"status,omitempty"`
}

type baseIQ struct {
	XMLName xml.Name `xml:"iq"`
	To      string   `xml:"to,attr,omitempty"`
	ID      string   `xml:"id,attr"`
	Type    string   `xml:"type,attr"`
}

type pingIQ struct {
	baseIQ
	Ping struct{} `xml:"urn:xmpp:ping ping"`
}

type discoInfoIQ struct {
	baseIQ
	Query struct{} `xml:"http://jabber.org/protocol/disco#info query"`
}

type rosterIQ struct {
	baseIQ
	Query struct{} `xml:"jabber:iq:roster query"`
}

// mamQueryIQ issues a XEP-0313 query against the user archive (or a
// room archive when addressed to the room).
type mamQueryIQ struct {
	XMLName xml.Name   `xml:"iq"`
	To      string     `xml:"to,attr,omitempty"`
	ID      string     `xml:"id,attr"`
	Type    string     `xml:"type,attr"`
	Query   mamQueryEl `xml:"urn:xmpp:mam:2 query"`
}

type mamQueryEl struct {
	QueryID string      `xml:"queryid,attr"`
	Form    *dataForm   `xml:"jabber:x:data x,omitempty"`
	Set     *rsmRequest `xml:"http://jabber.org/protocol/rsm set,omitempty"`
}

type dataForm struct {
	Type   string      `xml:"type,attr"`
	Fields []formField `xml:"field"`
}

type formField struct {
	Var   string `xml:"var,attr"`
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:"value"`
}

// rsmRequest pages a result set. A non-nil empty Before requests the
// newest page.
type rsmRequest struct {
	Max    int     `xml:"max,omitempty"`
	Before *string `xml:"before,omitempty"`
	After  string  `xml:"after,omitempty"`
}
