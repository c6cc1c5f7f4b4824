package gateway

import (
	"testing"
)

func TestParseEvent(t *testing.T) {
	t.Run("text message", func(t *testing.T) {
		body := []byte(`{
			"event": "messages.upsert",
			"instance": "oliver",
			"data": {
				"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "ABC123"},
				"pushName": "Mariana",
				"message": {"conversation": "Qual o horário de vocês?"},
				"messageTimestamp": 1700000000
			}
		}`)
		ev, err := ParseEvent(body)
		if err != nil {
			t.Fatalf("ParseEvent: %v", err)
		}
		msg, ok := ev.(MessageEvent)
		if !ok {
			t.Fatalf("expected MessageEvent, got %T", ev)
		}
		if msg.Content != "Qual o horário de vocês?" {
			t.Errorf("content = %q", msg.Content)
		}
		if msg.Type != ContentText {
			t.Errorf("type = %q, want text", msg.Type)
		}
		if msg.PushName != "Mariana" {
			t.Errorf("pushName = %q", msg.PushName)
		}
		if msg.Key.FromMe {
			t.Error("fromMe should be false")
		}
	})

	t.Run("audio message", func(t *testing.T) {
		body := []byte(`{
			"event": "messages.upsert",
			"instance": "oliver",
			"data": {
				"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "AUD1"},
				"message": {"audioMessage": {"seconds": 7}}
			}
		}`)
		ev, err := ParseEvent(body)
		if err != nil {
			t.Fatalf("ParseEvent: %v", err)
		}
		msg := ev.(MessageEvent)
		if !msg.IsVoiceNote() {
			t.Error("expected voice note")
		}
	})

	t.Run("forwarded extended text", func(t *testing.T) {
		body := []byte(`{
			"event": "messages.upsert",
			"instance": "oliver",
			"data": {
				"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "FWD1"},
				"message": {"extendedTextMessage": {"text": "olha isso", "contextInfo": {"isForwarded": true}}}
			}
		}`)
		ev, err := ParseEvent(body)
		if err != nil {
			t.Fatalf("ParseEvent: %v", err)
		}
		msg := ev.(MessageEvent)
		if !msg.Forwarded {
			t.Error("expected forwarded flag")
		}
		if msg.Content != "olha isso" {
			t.Errorf("content = %q", msg.Content)
		}
	})

	t.Run("contacts upsert array", func(t *testing.T) {
		body := []byte(`{
			"event": "contacts.upsert",
			"instance": "oliver",
			"data": [
				{"remoteJid": "5511988887777@s.whatsapp.net", "pushName": "Carlos", "profilePicUrl": "https://pps.example/1.jpg?x=1"}
			]
		}`)
		ev, err := ParseEvent(body)
		if err != nil {
			t.Fatalf("ParseEvent: %v", err)
		}
		sync, ok := ev.(ContactSyncEvent)
		if !ok {
			t.Fatalf("expected ContactSyncEvent, got %T", ev)
		}
		if len(sync.Contacts) != 1 || sync.Contacts[0].PushName != "Carlos" {
			t.Errorf("contacts = %+v", sync.Contacts)
		}
	})

	t.Run("contacts update single object", func(t *testing.T) {
		body := []byte(`{
			"event": "contacts.update",
			"instance": "oliver",
			"data": {"remoteJid": "5511988887777@s.whatsapp.net", "pushName": "Carlos"}
		}`)
		ev, err := ParseEvent(body)
		if err != nil {
			t.Fatalf("ParseEvent: %v", err)
		}
		if len(ev.(ContactSyncEvent).Contacts) != 1 {
			t.Error("expected one contact")
		}
	})

	t.Run("connection update", func(t *testing.T) {
		body := []byte(`{"event": "connection.update", "instance": "oliver", "data": {"state": "open"}}`)
		ev, err := ParseEvent(body)
		if err != nil {
			t.Fatalf("ParseEvent: %v", err)
		}
		if ev.(ConnectionEvent).State != "open" {
			t.Errorf("state = %q", ev.(ConnectionEvent).State)
		}
	})

	t.Run("unknown event rejected", func(t *testing.T) {
		body := []byte(`{"event": "labels.edit", "data": {}}`)
		if _, err := ParseEvent(body); err == nil {
			t.Error("expected error for unknown event")
		}
	})

	t.Run("missing remoteJid rejected", func(t *testing.T) {
		body := []byte(`{"event": "messages.upsert", "data": {"message": {"conversation": "oi"}}}`)
		if _, err := ParseEvent(body); err == nil {
			t.Error("expected error for message without remoteJid")
		}
	})
}

func TestHandleHelpers(t *testing.T) {
	tests := []struct {
		name   string
		handle string
		stable bool
		linked bool
		digits string
	}{
		{"stable address", "5511999990000@s.whatsapp.net", true, false, "5511999990000"},
		{"lid handle", "236543210987654@lid", false, true, "236543210987654"},
		{"device suffix", "5511999990000:12@s.whatsapp.net", true, false, "5511999990000"},
		{"group", "120363040404@g.us", false, false, "120363040404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStableAddress(tt.handle); got != tt.stable {
				t.Errorf("IsStableAddress = %v, want %v", got, tt.stable)
			}
			if got := IsLinkedHandle(tt.handle); got != tt.linked {
				t.Errorf("IsLinkedHandle = %v, want %v", got, tt.linked)
			}
			if got := Digits(tt.handle); got != tt.digits {
				t.Errorf("Digits = %q, want %q", got, tt.digits)
			}
		})
	}
}

func TestSenderHandle(t *testing.T) {
	t.Run("lid with stable participant", func(t *testing.T) {
		m := MessageEvent{Key: MessageKey{
			RemoteJid:   "236543210987654@lid",
			Participant: "5511999990000@s.whatsapp.net",
		}}
		if got := m.SenderHandle(); got != "5511999990000@s.whatsapp.net" {
			t.Errorf("SenderHandle = %q", got)
		}
	})
	t.Run("lid without participant", func(t *testing.T) {
		m := MessageEvent{Key: MessageKey{RemoteJid: "236543210987654@lid"}}
		if got := m.SenderHandle(); got != "236543210987654@lid" {
			t.Errorf("SenderHandle = %q", got)
		}
	})
}
