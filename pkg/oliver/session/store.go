// store.go implements the session store on top of oliver.db. All operations
// surface store failures as ErrStoreUnavailable so the pipeline can treat
// them as fatal for the inbound turn and best-effort for enrichment.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors classified at the pipeline boundary.
var (
	ErrStoreUnavailable = errors.New("session store unavailable")
	ErrNotFound         = errors.New("session not found")
)

// Message roles in the history table.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LeadStage is the sales funnel position of a contact.
type LeadStage string

const (
	StageNew         LeadStage = "new"
	StageInterested  LeadStage = "interested"
	StageQualified   LeadStage = "qualified"
	StageNegotiating LeadStage = "negotiating"
	StageWon         LeadStage = "won"
	StageLost        LeadStage = "lost"
)

// LeadTemperature is how warm the contact currently is.
type LeadTemperature string

const (
	TempCold LeadTemperature = "cold"
	TempWarm LeadTemperature = "warm"
	TempHot  LeadTemperature = "hot"
)

// ValidStage reports whether s is a known funnel stage.
func ValidStage(s LeadStage) bool {
	switch s {
	case StageNew, StageInterested, StageQualified, StageNegotiating, StageWon, StageLost:
		return true
	}
	return false
}

// ValidTemperature reports whether t is a known temperature.
func ValidTemperature(t LeadTemperature) bool {
	switch t {
	case TempCold, TempWarm, TempHot:
		return true
	}
	return false
}

// ContactSession is one contact's persistent conversational state within a
// tenant.
type ContactSession struct {
	ID              string
	ContactAddress  string
	Tenant          string
	ShortSummary    string
	DetailedSummary string
	Facts           map[string]string
	LeadStage       LeadStage
	LeadTemperature LeadTemperature
	MessageCount    int
	SummarizedAt    int
	NudgeCount      int
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
}

// HistoryEntry is one message in a session's history. Entries are
// append-only and ordered by insertion.
type HistoryEntry struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Sentiment string
	Source    string
	CreatedAt time.Time
}

// Store persists sessions, history, facts, summaries and leads.
type Store struct {
	db               *sql.DB
	logger           *slog.Logger
	summaryThreshold int
}

// NewStore wraps an open oliver.db handle. threshold is the unsummarized
// turn count that makes NeedsSummarization return true (default 20).
func NewStore(db *sql.DB, threshold int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = 20
	}
	return &Store{
		db:               db,
		logger:           logger.With("component", "session"),
		summaryThreshold: threshold,
	}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("session: %s: %w: %w", op, ErrStoreUnavailable, err)
}

// GetOrCreate returns the session for (address, tenant), creating it with
// zeroed counters and the current time as first/last seen if absent.
// Idempotent: repeated calls return the same session id.
func (s *Store) GetOrCreate(ctx context.Context, address, tenant string) (*ContactSession, error) {
	sess, err := s.Get(ctx, address, tenant)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, contact_address, tenant, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(contact_address, tenant) DO NOTHING`,
		id, address, tenant, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, storeErr("create session", err)
	}

	// Re-read: a concurrent creator may have won the insert.
	sess, err = s.Get(ctx, address, tenant)
	if err != nil {
		return nil, err
	}
	if sess.ID == id {
		s.logger.Info("new session created", "address", address, "tenant", tenant)
	}
	return sess, nil
}

// Get returns the session for (address, tenant) or ErrNotFound.
func (s *Store) Get(ctx context.Context, address, tenant string) (*ContactSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, contact_address, tenant, short_summary, detailed_summary, facts,
		       lead_stage, lead_temperature, message_count, summarized_at_count,
		       nudge_count, first_seen_at, last_seen_at
		FROM sessions WHERE contact_address = ? AND tenant = ?`, address, tenant)
	return scanSession(row)
}

// GetByID returns the session with the given id or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*ContactSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, contact_address, tenant, short_summary, detailed_summary, facts,
		       lead_stage, lead_temperature, message_count, summarized_at_count,
		       nudge_count, first_seen_at, last_seen_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*ContactSession, error) {
	var sess ContactSession
	var facts, firstSeen, lastSeen string
	err := row.Scan(&sess.ID, &sess.ContactAddress, &sess.Tenant,
		&sess.ShortSummary, &sess.DetailedSummary, &facts,
		&sess.LeadStage, &sess.LeadTemperature, &sess.MessageCount,
		&sess.SummarizedAt, &sess.NudgeCount, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("read session", err)
	}

	sess.Facts = map[string]string{}
	if facts != "" {
		if err := json.Unmarshal([]byte(facts), &sess.Facts); err != nil {
			return nil, fmt.Errorf("session: decode facts: %w", err)
		}
	}
	sess.FirstSeenAt, _ = time.Parse(time.RFC3339Nano, firstSeen)
	sess.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &sess, nil
}

// TurnOption annotates an appended turn.
type TurnOption func(*turnMeta)

type turnMeta struct {
	sentiment string
	source    string
}

// WithSentiment tags the turn with a detected sentiment.
func WithSentiment(sentiment string) TurnOption {
	return func(m *turnMeta) { m.sentiment = sentiment }
}

// WithSource tags the turn's origin ("audio", "forwarded", ...).
func WithSource(source string) TurnOption {
	return func(m *turnMeta) { m.source = source }
}

// AppendTurn inserts a history entry and bumps the session's message count
// and last-seen timestamp in one transaction. An inbound user turn also
// resets the re-engagement nudge counter.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string, opts ...TurnOption) error {
	var meta turnMeta
	for _, opt := range opts {
		opt(&meta)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin append", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO history (session_id, role, content, sentiment, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, role, content, meta.sentiment, meta.source, now); err != nil {
		return storeErr("insert history", err)
	}

	nudgeReset := ""
	if role == RoleUser {
		nudgeReset = ", nudge_count = 0"
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = message_count + 1, last_seen_at = ?`+nudgeReset+`
		WHERE id = ?`, now, sessionID)
	if err != nil {
		return storeErr("bump session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session: append turn: %w", ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit append", err)
	}
	return nil
}

// RecentHistory returns the most recent limit entries in chronological
// order (oldest first).
func (s *Store) RecentHistory(ctx context.Context, sessionID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, sentiment, source, created_at
		FROM (
			SELECT * FROM history WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, storeErr("read history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Content, &e.Sentiment, &e.Source, &created); err != nil {
			return nil, storeErr("scan history", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate history", err)
	}
	return entries, nil
}

// MergeFacts shallow-merges patch into the session's facts. Last write wins
// per key; keys absent from the patch are preserved.
func (s *Store) MergeFacts(ctx context.Context, sessionID string, patch map[string]string) error {
	if len(patch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin merge", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT facts FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session: merge facts: %w", ErrNotFound)
	}
	if err != nil {
		return storeErr("read facts", err)
	}

	facts := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &facts); err != nil {
			return fmt.Errorf("session: decode facts: %w", err)
		}
	}
	for k, v := range patch {
		facts[k] = v
	}

	merged, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("session: encode facts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET facts = ? WHERE id = ?`, string(merged), sessionID); err != nil {
		return storeErr("write facts", err)
	}
	return maybeStoreErr("commit merge", tx.Commit())
}

// NeedsSummarization reports whether the unsummarized turn count crossed
// the threshold.
func (s *Store) NeedsSummarization(ctx context.Context, sessionID string) (bool, error) {
	var count, summarizedAt int
	err := s.db.QueryRowContext(ctx, `
		SELECT message_count, summarized_at_count FROM sessions WHERE id = ?`,
		sessionID).Scan(&count, &summarizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, storeErr("read counters", err)
	}
	return count-summarizedAt >= s.summaryThreshold, nil
}

// SaveSummary stores the new running summaries and records the message
// count they cover, resetting the summarization watermark.
func (s *Store) SaveSummary(ctx context.Context, sessionID, short, detailed string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET short_summary = ?, detailed_summary = ?,
		    summarized_at_count = message_count
		WHERE id = ?`, short, detailed, sessionID)
	if err != nil {
		return storeErr("save summary", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session: save summary: %w", ErrNotFound)
	}
	return nil
}

// SetLead updates the session's funnel stage and temperature.
func (s *Store) SetLead(ctx context.Context, sessionID string, stage LeadStage, temp LeadTemperature) error {
	if !ValidStage(stage) {
		return fmt.Errorf("session: invalid lead stage %q", stage)
	}
	if !ValidTemperature(temp) {
		return fmt.Errorf("session: invalid lead temperature %q", temp)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET lead_stage = ?, lead_temperature = ? WHERE id = ?`,
		string(stage), string(temp), sessionID)
	if err != nil {
		return storeErr("set lead", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session: set lead: %w", ErrNotFound)
	}
	return nil
}

// EraseHistory deletes the session and its history for (address, tenant).
// This is the compliance path and the only delete in the store.
func (s *Store) EraseHistory(ctx context.Context, address, tenant string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin erase", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM sessions WHERE contact_address = ? AND tenant = ?`,
		address, tenant).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storeErr("find session", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE session_id = ?`, id); err != nil {
		return storeErr("erase history", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return storeErr("erase session", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit erase", err)
	}

	s.logger.Info("session erased", "address", address, "tenant", tenant)
	return nil
}

// IdleSince returns sessions whose last activity is older than cutoff and
// that received fewer than maxNudges re-engagement nudges.
func (s *Store) IdleSince(ctx context.Context, tenant string, cutoff time.Time, maxNudges int) ([]*ContactSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contact_address, tenant, short_summary, detailed_summary, facts,
		       lead_stage, lead_temperature, message_count, summarized_at_count,
		       nudge_count, first_seen_at, last_seen_at
		FROM sessions
		WHERE tenant = ? AND last_seen_at < ? AND nudge_count < ?`,
		tenant, cutoff.UTC().Format(time.RFC3339Nano), maxNudges)
	if err != nil {
		return nil, storeErr("list idle", err)
	}
	defer rows.Close()

	var out []*ContactSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecordNudge increments the re-engagement nudge counter.
func (s *Store) RecordNudge(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET nudge_count = nudge_count + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return storeErr("record nudge", err)
	}
	return nil
}

func maybeStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return storeErr(op, err)
}
