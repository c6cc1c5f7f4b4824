package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hubautomacao/oliver/pkg/oliver/admin"
	"github.com/hubautomacao/oliver/pkg/oliver/gateway"
	"github.com/hubautomacao/oliver/pkg/oliver/identity"
	"github.com/hubautomacao/oliver/pkg/oliver/responder"
	"github.com/hubautomacao/oliver/pkg/oliver/session"
	"github.com/hubautomacao/oliver/pkg/oliver/speech"
)

const (
	testContact  = "5511988887777@s.whatsapp.net"
	testOperator = "5511999990000@s.whatsapp.net"
	testLid      = "236395221479826@lid"
)

// gatewayRecorder fakes the transport HTTP API and records every delivery.
type gatewayRecorder struct {
	mu        sync.Mutex
	texts     []recordedSend
	audios    []recordedSend
	presences []string
	mediaB64  string
	contacts  []gateway.ContactEntry
	srv       *httptest.Server
}

type recordedSend struct {
	Number string
	Body   string
}

func newGatewayRecorder(t *testing.T) *gatewayRecorder {
	t.Helper()
	rec := &gatewayRecorder{mediaB64: "b2dnLWJ5dGVz"}
	rec.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)

		rec.mu.Lock()
		defer rec.mu.Unlock()
		switch {
		case strings.HasPrefix(r.URL.Path, "/message/sendText/"):
			rec.texts = append(rec.texts, recordedSend{
				Number: payload["number"].(string),
				Body:   payload["text"].(string),
			})
			w.Write([]byte(`{}`))
		case strings.HasPrefix(r.URL.Path, "/message/sendWhatsAppAudio/"):
			rec.audios = append(rec.audios, recordedSend{
				Number: payload["number"].(string),
				Body:   payload["audio"].(string),
			})
			w.Write([]byte(`{}`))
		case strings.HasPrefix(r.URL.Path, "/chat/sendPresence/"):
			rec.presences = append(rec.presences, payload["presence"].(string))
			w.Write([]byte(`{}`))
		case strings.HasPrefix(r.URL.Path, "/chat/getBase64FromMediaMessage/"):
			json.NewEncoder(w).Encode(map[string]string{"base64": rec.mediaB64})
		case strings.HasPrefix(r.URL.Path, "/chat/findContacts/"):
			json.NewEncoder(w).Encode(rec.contacts)
		default:
			t.Errorf("unexpected gateway call: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(rec.srv.Close)
	return rec
}

func (g *gatewayRecorder) sentTexts() []recordedSend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]recordedSend(nil), g.texts...)
}

func (g *gatewayRecorder) sentAudios() []recordedSend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]recordedSend(nil), g.audios...)
}

func (g *gatewayRecorder) sentPresences() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.presences...)
}

// fakeLLMServer mirrors an OpenAI-compatible chat endpoint.
func fakeLLMServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}, "finish_reason": "stop"},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	pipe     *Pipeline
	gw       *gatewayRecorder
	db       *sql.DB
	sessions *session.Store
	pending  *PendingStore
	admin    *admin.State
	resolver *identity.Resolver
}

func newHarness(t *testing.T, llmReply string, synth *speech.Chain) *harness {
	t.Helper()

	db, err := session.OpenDatabase(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rec := newGatewayRecorder(t)
	gw := gateway.NewClient(rec.srv.URL, "test-key", "test", nil)

	sessions := session.NewStore(db, 20, nil)
	pending := NewPendingStore(db, nil)
	resolver := identity.NewResolver(identity.NewStore(db, nil), nil, gw, nil)
	adminState := admin.NewState(testOperator)

	llmSrv := fakeLLMServer(t, llmReply)
	llm := responder.NewLLMClient(llmSrv.URL, "k", "gpt-4o-mini", nil)
	gen := responder.NewGenerator(llm, nil, responder.GeneratorOptions{Name: "Oliver"}, nil)

	transcriberSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": "quero saber os preços"})
	}))
	t.Cleanup(transcriberSrv.Close)
	transcriber := speech.NewTranscriber(transcriberSrv.URL, "k", "", nil)

	pipe := New(gw, sessions, resolver, pending, adminState, gen, transcriber, synth,
		nil, Options{Tenant: "acme", PendingMaxAge: time.Hour}, nil)

	return &harness{
		pipe:     pipe,
		gw:       rec,
		db:       db,
		sessions: sessions,
		pending:  pending,
		admin:    adminState,
		resolver: resolver,
	}
}

func inboundText(content string) gateway.MessageEvent {
	return gateway.MessageEvent{
		Instance: "test",
		Key:      gateway.MessageKey{RemoteJid: testContact, ID: "MSG1"},
		PushName: "Mariana Souza",
		Content:  content,
		Type:     gateway.ContentText,
	}
}

func TestTextTurn(t *testing.T) {
	h := newHarness(t, "Temos planos a partir de R$ 99.", nil)
	ctx := context.Background()

	if err := h.pipe.Handle(ctx, inboundText("Olá, queria saber os planos")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	texts := h.gw.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("sent texts = %d, want 1", len(texts))
	}
	if texts[0].Number != "5511988887777" {
		t.Errorf("destination = %q", texts[0].Number)
	}
	if texts[0].Body != "Temos planos a partir de R$ 99." {
		t.Errorf("reply = %q", texts[0].Body)
	}

	presences := h.gw.sentPresences()
	if len(presences) < 2 || presences[0] != "composing" || presences[len(presences)-1] != "paused" {
		t.Errorf("presences = %v", presences)
	}

	sess, err := h.sessions.Get(ctx, testContact, "acme")
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	history, err := h.sessions.RecentHistory(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].Role != session.RoleUser || history[1].Role != session.RoleAssistant {
		t.Errorf("roles = %s, %s", history[0].Role, history[1].Role)
	}
}

type stubSynth struct {
	name  string
	audio []byte
	err   error
}

func (s *stubSynth) Name() string { return s.name }
func (s *stubSynth) Synthesize(ctx context.Context, req speech.Request) ([]byte, string, error) {
	return s.audio, "audio/ogg", s.err
}

func TestAudioTurn(t *testing.T) {
	voiceNote := func() gateway.MessageEvent {
		ev := inboundText("")
		ev.Type = gateway.ContentAudio
		return ev
	}

	t.Run("audio in audio out", func(t *testing.T) {
		chain := speech.NewChain([]speech.Provider{
			&stubSynth{name: "elevenlabs", audio: []byte("voice")},
		}, nil, nil)
		h := newHarness(t, "Claro! Os preços estão no site.", chain)

		if err := h.pipe.Handle(context.Background(), voiceNote()); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if audios := h.gw.sentAudios(); len(audios) != 1 {
			t.Fatalf("sent audios = %d, want 1", len(audios))
		}
		if texts := h.gw.sentTexts(); len(texts) != 0 {
			t.Errorf("unexpected text delivery: %v", texts)
		}
	})

	t.Run("synthesis failure falls back to text", func(t *testing.T) {
		chain := speech.NewChain([]speech.Provider{
			&stubSynth{name: "elevenlabs", err: errors.New("down")},
			&stubSynth{name: "openai-tts", err: errors.New("down")},
		}, nil, nil)
		h := newHarness(t, "Claro! Os preços estão no site.", chain)

		if err := h.pipe.Handle(context.Background(), voiceNote()); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if audios := h.gw.sentAudios(); len(audios) != 0 {
			t.Errorf("unexpected audio delivery")
		}
		texts := h.gw.sentTexts()
		if len(texts) != 1 || texts[0].Body != "Claro! Os preços estão no site." {
			t.Errorf("texts = %v", texts)
		}
	})

	t.Run("transcription failure sends apology", func(t *testing.T) {
		h := newHarness(t, "nunca gerado", nil)
		h.gw.mu.Lock()
		h.gw.mediaB64 = "" // download yields nothing, transcription unreachable
		h.gw.mu.Unlock()

		if err := h.pipe.Handle(context.Background(), voiceNote()); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		texts := h.gw.sentTexts()
		if len(texts) != 1 {
			t.Fatalf("sent texts = %d, want 1", len(texts))
		}
		if !strings.Contains(texts[0].Body, "não consegui ouvir") {
			t.Errorf("apology = %q", texts[0].Body)
		}
	})
}

func TestOperatorCommands(t *testing.T) {
	selfChat := func(content string) gateway.MessageEvent {
		return gateway.MessageEvent{
			Instance: "test",
			Key:      gateway.MessageKey{RemoteJid: testOperator, FromMe: true, ID: "OP1"},
			Content:  content,
			Type:     gateway.ContentText,
		}
	}
	ctx := context.Background()

	t.Run("pause confirms and mutes replies", func(t *testing.T) {
		h := newHarness(t, "não deveria responder", nil)

		if err := h.pipe.Handle(ctx, selfChat("/pause")); err != nil {
			t.Fatalf("Handle pause: %v", err)
		}
		texts := h.gw.sentTexts()
		if len(texts) != 1 || !strings.Contains(texts[0].Body, "pausado") {
			t.Fatalf("confirmation = %v", texts)
		}
		if !h.admin.IsPaused() {
			t.Fatal("state not paused")
		}

		if err := h.pipe.Handle(ctx, inboundText("oi, tem alguém aí?")); err != nil {
			t.Fatalf("Handle inbound: %v", err)
		}
		if texts := h.gw.sentTexts(); len(texts) != 1 {
			t.Errorf("reply sent while paused: %v", texts[1:])
		}

		// Turn is still recorded for when the operator resumes.
		sess, err := h.sessions.Get(ctx, testContact, "acme")
		if err != nil {
			t.Fatalf("Get session: %v", err)
		}
		history, _ := h.sessions.RecentHistory(ctx, sess.ID, 10)
		if len(history) != 1 || history[0].Role != session.RoleUser {
			t.Errorf("history = %v", history)
		}
	})

	t.Run("ordinary echo only learns", func(t *testing.T) {
		h := newHarness(t, "x", nil)
		ev := gateway.MessageEvent{
			Instance: "test",
			Key:      gateway.MessageKey{RemoteJid: testContact, FromMe: true, ID: "OUT1"},
			Content:  "resposta manual do operador",
			Type:     gateway.ContentText,
		}
		if err := h.pipe.Handle(ctx, ev); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if texts := h.gw.sentTexts(); len(texts) != 0 {
			t.Errorf("echo produced deliveries: %v", texts)
		}
	})
}

func TestUnresolvedHandleParksReply(t *testing.T) {
	h := newHarness(t, "Segura essa resposta.", nil)
	ctx := context.Background()

	ev := inboundText("oi, vi o anúncio de vocês")
	ev.Key.RemoteJid = testLid
	if err := h.pipe.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if texts := h.gw.sentTexts(); len(texts) != 0 {
		t.Fatalf("reply delivered to unresolved handle: %v", texts)
	}
	matched, err := h.pending.Matching(ctx, "acme", testLid)
	if err != nil {
		t.Fatalf("Matching: %v", err)
	}
	if len(matched) != 1 || matched[0].ReplyText != "Segura essa resposta." {
		t.Fatalf("pending = %v", matched)
	}

	// A contact sync linking the handle releases the parked reply.
	sync := gateway.ContactSyncEvent{
		Instance: "test",
		Contacts: []gateway.ContactEntry{
			{Jid: testLid, ID: testContact, PushName: "Mariana Souza"},
		},
	}
	if err := h.pipe.Handle(ctx, sync); err != nil {
		t.Fatalf("Handle sync: %v", err)
	}

	texts := h.gw.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("sent texts after sync = %d, want 1", len(texts))
	}
	if texts[0].Number != "5511988887777" || texts[0].Body != "Segura essa resposta." {
		t.Errorf("delivery = %+v", texts[0])
	}

	matched, _ = h.pending.Matching(ctx, "acme", testLid)
	if len(matched) != 0 {
		t.Errorf("pending not cleared: %v", matched)
	}
}

func TestGroupMessagesIgnored(t *testing.T) {
	h := newHarness(t, "x", nil)
	ev := inboundText("mensagem no grupo")
	ev.Key.RemoteJid = "120363040512@g.us"

	if err := h.pipe.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if texts := h.gw.sentTexts(); len(texts) != 0 {
		t.Errorf("group message answered: %v", texts)
	}
}

func TestResumptionPlan(t *testing.T) {
	now := time.Now().UTC()
	fresh := func(text string) PendingReply {
		return PendingReply{ReplyText: text, PushName: "Mariana Souza", CreatedAt: now.Add(-5 * time.Minute)}
	}

	t.Run("single fresh reply goes as-is", func(t *testing.T) {
		plan := resumptionPlan([]PendingReply{fresh("resposta original")}, time.Hour, now)
		if len(plan) != 1 || plan[0] != "resposta original" {
			t.Errorf("plan = %v", plan)
		}
	})

	t.Run("multiple fresh replies send explanation plus latest", func(t *testing.T) {
		plan := resumptionPlan([]PendingReply{fresh("primeira"), fresh("última")}, time.Hour, now)
		if len(plan) != 2 {
			t.Fatalf("plan = %v", plan)
		}
		if !strings.Contains(plan[0], "Mariana") || !strings.Contains(plan[0], "atraso") {
			t.Errorf("explanation = %q", plan[0])
		}
		if plan[1] != "última" {
			t.Errorf("latest = %q", plan[1])
		}
	})

	t.Run("stale replies become a resumption apology", func(t *testing.T) {
		old := PendingReply{ReplyText: "velha", PushName: "Mariana Souza", CreatedAt: now.Add(-3 * time.Hour)}
		plan := resumptionPlan([]PendingReply{old}, time.Hour, now)
		if len(plan) != 1 {
			t.Fatalf("plan = %v", plan)
		}
		if plan[0] == "velha" || !strings.Contains(plan[0], "Mariana") {
			t.Errorf("plan = %q", plan[0])
		}
	})

	t.Run("generic push name gets anonymous copy", func(t *testing.T) {
		old := PendingReply{ReplyText: "velha", PushName: "WhatsApp User", CreatedAt: now.Add(-3 * time.Hour)}
		plan := resumptionPlan([]PendingReply{old}, time.Hour, now)
		if strings.Contains(plan[0], "WhatsApp") {
			t.Errorf("generic name leaked: %q", plan[0])
		}
	})

	t.Run("empty input yields no plan", func(t *testing.T) {
		if plan := resumptionPlan(nil, time.Hour, now); plan != nil {
			t.Errorf("plan = %v", plan)
		}
	})
}

func TestRetryPendingDelivers(t *testing.T) {
	h := newHarness(t, "x", nil)
	ctx := context.Background()

	if err := h.pending.Park(ctx, "acme", testLid, "resposta parada", "Mariana Souza"); err != nil {
		t.Fatalf("Park: %v", err)
	}

	// Directory now links the handle by shared avatar.
	h.gw.mu.Lock()
	h.gw.contacts = []gateway.ContactEntry{
		{Jid: testLid, ProfilePicURL: "https://pps.example/abc.jpg?oe=1"},
		{Jid: testContact, PushName: "Mariana Souza", ProfilePicURL: "https://pps.example/abc.jpg?oe=2"},
	}
	h.gw.mu.Unlock()

	h.pipe.retryPending(ctx, time.Hour)

	texts := h.gw.sentTexts()
	if len(texts) != 1 || texts[0].Body != "resposta parada" {
		t.Fatalf("texts = %v", texts)
	}
	matched, _ := h.pending.Matching(ctx, "acme", testLid)
	if len(matched) != 0 {
		t.Errorf("pending not cleared: %v", matched)
	}
}

func TestRetryPendingCountsAttempts(t *testing.T) {
	h := newHarness(t, "x", nil)
	ctx := context.Background()

	if err := h.pending.Park(ctx, "acme", testLid, "resposta parada", ""); err != nil {
		t.Fatalf("Park: %v", err)
	}

	h.pipe.retryPending(ctx, time.Hour)

	matched, err := h.pending.Matching(ctx, "acme", testLid)
	if err != nil {
		t.Fatalf("Matching: %v", err)
	}
	if len(matched) != 1 || matched[0].Attempts != 1 {
		t.Fatalf("pending = %+v", matched)
	}
	if texts := h.gw.sentTexts(); len(texts) != 0 {
		t.Errorf("unresolved handle got delivery: %v", texts)
	}
}

func TestPurgeStale(t *testing.T) {
	h := newHarness(t, "x", nil)
	ctx := context.Background()

	if err := h.pending.Park(ctx, "acme", testLid, "antiga", ""); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if _, err := h.db.ExecContext(ctx,
		`UPDATE pending_deliveries SET created_at = ?`,
		time.Now().UTC().Add(-80*time.Hour).Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := h.pending.PurgeStale(ctx, 48*time.Hour)
	if err != nil {
		t.Fatalf("PurgeStale: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
}

func TestReengage(t *testing.T) {
	h := newHarness(t, "x", nil)
	ctx := context.Background()

	sess, err := h.sessions.GetOrCreate(ctx, testContact, "acme")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := h.sessions.AppendTurn(ctx, sess.ID, session.RoleUser, "quero saber mais"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if _, err := h.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen_at = ?`,
		time.Now().UTC().Add(-30*time.Hour).Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	h.pipe.reengage(ctx, 24*time.Hour, 2)

	texts := h.gw.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("texts = %v", texts)
	}
	if !strings.Contains(texts[0].Body, "Oi") {
		t.Errorf("nudge = %q", texts[0].Body)
	}

	after, err := h.sessions.GetByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if after.NudgeCount != 1 {
		t.Errorf("nudge count = %d, want 1", after.NudgeCount)
	}

	// The nudge is recorded as an assistant turn.
	history, _ := h.sessions.RecentHistory(ctx, sess.ID, 10)
	if len(history) != 2 || history[1].Source != "reengagement" {
		t.Errorf("history = %+v", history)
	}
}

func TestNudgeMessage(t *testing.T) {
	tests := []struct {
		name     string
		pushName string
		language string
		attempt  int
		contains string
	}{
		{"portuguese with name", "Mariana Souza", "pt", 0, "Oi Mariana"},
		{"portuguese second attempt", "Mariana Souza", "pt", 1, "disposição"},
		{"english", "John Smith", "en", 0, "Hey John"},
		{"spanish", "Lucía Pérez", "es", 0, "Hola Lucía"},
		{"generic name omitted", "WhatsApp User", "pt", 0, "Oi,"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nudgeMessage(tt.pushName, tt.language, tt.attempt)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("nudgeMessage(%q, %q, %d) = %q, want substring %q",
					tt.pushName, tt.language, tt.attempt, got, tt.contains)
			}
		})
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	h := newHarness(t, "x", nil)
	if _, err := NewScheduler(h.pipe, ScheduleConfig{PendingRetry: "not a cron"}, nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestEnrichmentPool(t *testing.T) {
	pool := NewEnrichmentPool(2, 8, nil)

	var mu sync.Mutex
	ran := 0
	done := make(chan struct{})
	pool.Dispatch(func(ctx context.Context) {
		mu.Lock()
		ran++
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	pool.Close()

	mu.Lock()
	defer mu.Unlock()
	if ran != 1 {
		t.Errorf("ran = %d", ran)
	}
}
