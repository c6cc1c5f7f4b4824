package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWebhookAckAndDispatch(t *testing.T) {
	var mu sync.Mutex
	var received []Event

	handler := func(ctx context.Context, ev Event) error {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		return nil
	}

	s := NewServer(":0", handler, nil, WithWorkers(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	body := `{"event":"messages.upsert","instance":"oliver","data":{"key":{"remoteJid":"5511999990000@s.whatsapp.net","id":"M1"},"message":{"conversation":"oi"}}}`
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleWebhook(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var ack struct {
		OK     bool   `json:"ok"`
		Token  string `json:"token"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.OK || ack.Token == "" || ack.Status != "accepted" {
		t.Errorf("ack = %+v", ack)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event never reached handler")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	handler := func(ctx context.Context, ev Event) error {
		t.Error("handler should not be called for unknown events")
		return nil
	}
	s := NewServer(":0", handler, nil)

	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(`{"event":"labels.edit","data":{}}`))
	rec := httptest.NewRecorder()
	s.handleWebhook(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, unknown events still get a 2xx ack", rec.Code)
	}
	var ack struct {
		Status string `json:"status"`
	}
	json.NewDecoder(rec.Body).Decode(&ack)
	if ack.Status != "ignored" {
		t.Errorf("status = %q, want ignored", ack.Status)
	}
}

func TestWebhookHealth(t *testing.T) {
	s := NewServer(":0", func(context.Context, Event) error { return nil }, nil)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("health = %+v", resp)
	}
}
