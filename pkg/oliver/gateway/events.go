// Package gateway implements the boundary with the WhatsApp messaging
// gateway (Evolution-API-shaped): the webhook event envelope, the outbound
// HTTP client, and the ingress HTTP server.
//
// Inbound events arrive as a loosely-typed JSON envelope. ParseEvent turns
// that envelope into a tagged union over event kind, rejecting unrecognized
// shapes at the boundary instead of threading optional fields through the
// pipeline.
package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is the tagged union of webhook event kinds. Exactly three shapes
// are accepted: message upserts, contact syncs, and connection updates.
type Event interface {
	// Kind returns the raw gateway event name (e.g. "messages.upsert").
	Kind() string
}

// ContentType identifies which body slot of a message carried the content.
type ContentType string

const (
	ContentText    ContentType = "text"    // conversation / extendedTextMessage
	ContentAudio   ContentType = "audio"   // audioMessage (voice note)
	ContentCaption ContentType = "caption" // image/video caption
	ContentUnknown ContentType = "unknown" // recognized envelope, no usable body
)

// MessageKey identifies a message within the transport.
type MessageKey struct {
	RemoteJid   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// MessageEvent is one inbound (or echoed outbound) message.
type MessageEvent struct {
	Instance  string
	Key       MessageKey
	PushName  string
	Content   string
	Type      ContentType
	Forwarded bool
	Timestamp int64
}

func (MessageEvent) Kind() string { return "messages.upsert" }

// IsVoiceNote reports whether the message carried audio to transcribe.
func (m MessageEvent) IsVoiceNote() bool { return m.Type == ContentAudio }

// ContactEntry is one contact in a contacts.upsert/contacts.update payload
// or in the live directory returned by Client.FetchContacts.
type ContactEntry struct {
	Jid           string `json:"remoteJid"`
	ID            string `json:"id"`
	PushName      string `json:"pushName"`
	ProfilePicURL string `json:"profilePicUrl"`
}

// Handle returns whichever identifier the gateway populated.
func (c ContactEntry) Handle() string {
	if c.Jid != "" {
		return c.Jid
	}
	return c.ID
}

// ContactSyncEvent carries gateway-pushed contact directory updates.
type ContactSyncEvent struct {
	Instance string
	Contacts []ContactEntry
	kind     string
}

func (e ContactSyncEvent) Kind() string { return e.kind }

// ConnectionEvent reports gateway connection state changes.
type ConnectionEvent struct {
	Instance string
	State    string
}

func (ConnectionEvent) Kind() string { return "connection.update" }

// envelope is the raw webhook wire shape shared by all event kinds.
type envelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type messageData struct {
	Key              MessageKey   `json:"key"`
	PushName         string       `json:"pushName"`
	Message          *messageBody `json:"message"`
	ContextInfo      *contextInfo `json:"contextInfo"`
	MessageTimestamp json.Number  `json:"messageTimestamp"`
}

type messageBody struct {
	Conversation string `json:"conversation"`
	Extended     *struct {
		Text        string       `json:"text"`
		ContextInfo *contextInfo `json:"contextInfo"`
	} `json:"extendedTextMessage"`
	Image *struct {
		Caption string `json:"caption"`
	} `json:"imageMessage"`
	Video *struct {
		Caption string `json:"caption"`
	} `json:"videoMessage"`
	Audio *struct {
		Seconds int    `json:"seconds"`
		URL     string `json:"url"`
	} `json:"audioMessage"`
}

type contextInfo struct {
	IsForwarded     bool `json:"isForwarded"`
	ForwardingScore int  `json:"forwardingScore"`
}

type connectionData struct {
	State      string `json:"state"`
	StatusCode int    `json:"statusCode"`
}

// ParseEvent decodes a webhook body into its typed event. Unknown event
// names and malformed payloads are errors; callers ack the webhook anyway
// and drop the event.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("gateway: decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("gateway: envelope missing event name")
	}

	switch env.Event {
	case "messages.upsert":
		return parseMessage(env)
	case "contacts.upsert", "contacts.update":
		return parseContactSync(env)
	case "connection.update":
		var data connectionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("gateway: decode connection.update: %w", err)
		}
		return ConnectionEvent{Instance: env.Instance, State: data.State}, nil
	default:
		return nil, fmt.Errorf("gateway: unsupported event %q", env.Event)
	}
}

func parseMessage(env envelope) (Event, error) {
	var data messageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("gateway: decode messages.upsert: %w", err)
	}
	if data.Key.RemoteJid == "" {
		return nil, fmt.Errorf("gateway: message without remoteJid")
	}

	content, ctype, forwarded := extractContent(data.Message)
	if data.ContextInfo != nil && data.ContextInfo.IsForwarded {
		forwarded = true
	}

	ts, _ := data.MessageTimestamp.Int64()

	return MessageEvent{
		Instance:  env.Instance,
		Key:       data.Key,
		PushName:  strings.TrimSpace(data.PushName),
		Content:   content,
		Type:      ctype,
		Forwarded: forwarded,
		Timestamp: ts,
	}, nil
}

func parseContactSync(env envelope) (Event, error) {
	// contacts.upsert sends an array, contacts.update sometimes a single
	// object. Accept both.
	var list []ContactEntry
	if err := json.Unmarshal(env.Data, &list); err != nil {
		var one ContactEntry
		if err2 := json.Unmarshal(env.Data, &one); err2 != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", env.Event, err)
		}
		list = []ContactEntry{one}
	}
	return ContactSyncEvent{Instance: env.Instance, Contacts: list, kind: env.Event}, nil
}

// extractContent walks the body slots in priority order and returns the
// usable text plus which slot it came from.
func extractContent(body *messageBody) (string, ContentType, bool) {
	if body == nil {
		return "", ContentUnknown, false
	}
	if body.Audio != nil {
		return "", ContentAudio, false
	}
	if t := strings.TrimSpace(body.Conversation); t != "" {
		return t, ContentText, false
	}
	if body.Extended != nil {
		forwarded := body.Extended.ContextInfo != nil && body.Extended.ContextInfo.IsForwarded
		if t := strings.TrimSpace(body.Extended.Text); t != "" {
			return t, ContentText, forwarded
		}
	}
	if body.Image != nil {
		if t := strings.TrimSpace(body.Image.Caption); t != "" {
			return t, ContentCaption, false
		}
	}
	if body.Video != nil {
		if t := strings.TrimSpace(body.Video.Caption); t != "" {
			return t, ContentCaption, false
		}
	}
	return "", ContentUnknown, false
}

const (
	stableSuffix = "@s.whatsapp.net"
	linkedSuffix = "@lid"
	groupSuffix  = "@g.us"
)

// IsStableAddress reports whether the handle is a directly deliverable
// phone-backed address.
func IsStableAddress(handle string) bool {
	return strings.HasSuffix(handle, stableSuffix)
}

// IsLinkedHandle reports whether the handle is an unstable linked
// identifier that needs resolution before delivery.
func IsLinkedHandle(handle string) bool {
	return strings.HasSuffix(handle, linkedSuffix)
}

// IsGroup reports whether the conversation handle is a group chat.
func IsGroup(handle string) bool {
	return strings.HasSuffix(handle, groupSuffix)
}

// SenderHandle returns the handle identifying the actual sender of a
// message. For lid conversations the participant field, when it carries a
// stable address, identifies the sender better than the conversation jid.
func (m MessageEvent) SenderHandle() string {
	if IsLinkedHandle(m.Key.RemoteJid) && IsStableAddress(m.Key.Participant) {
		return m.Key.Participant
	}
	return m.Key.RemoteJid
}

// Digits strips a handle down to its numeric part, e.g.
// "5511999999999@s.whatsapp.net" -> "5511999999999".
func Digits(handle string) string {
	if i := strings.IndexByte(handle, '@'); i >= 0 {
		handle = handle[:i]
	}
	if i := strings.IndexByte(handle, ':'); i >= 0 {
		handle = handle[:i]
	}
	var b strings.Builder
	for _, r := range handle {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
