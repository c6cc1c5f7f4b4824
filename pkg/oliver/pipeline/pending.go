// pending.go guarda respostas cujo destino ainda é um handle "@lid" não
// resolvido. Nada é descartado: a resposta fica na fila até o handle ser
// resolvido (evento de contato ou retry periódico) ou expirar por idade.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hubautomacao/oliver/pkg/oliver/responder"
)

// PendingReply é uma resposta estacionada aguardando resolução do handle.
type PendingReply struct {
	ID        string
	Scope     string
	Handle    string
	ReplyText string
	PushName  string
	Attempts  int
	CreatedAt time.Time
}

// PendingStore persiste respostas estacionadas em oliver.db.
type PendingStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPendingStore embrulha um handle aberto de oliver.db.
func NewPendingStore(db *sql.DB, logger *slog.Logger) *PendingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingStore{db: db, logger: logger.With("component", "pending")}
}

// Park estaciona uma resposta para um handle ainda não resolvido.
func (p *PendingStore) Park(ctx context.Context, scope, handle, replyText, pushName string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_deliveries (id, scope, handle, reply_text, push_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), scope, handle, replyText, pushName,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("pending: park reply: %w", err)
	}
	p.logger.Info("resposta estacionada para handle não resolvido",
		"scope", scope, "handle", handle)
	return nil
}

// Matching retorna as respostas não entregues de um handle, da mais antiga
// para a mais recente.
func (p *PendingStore) Matching(ctx context.Context, scope, handle string) ([]PendingReply, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, scope, handle, reply_text, push_name, attempts, created_at
		FROM pending_deliveries
		WHERE scope = ? AND handle = ? AND delivered_at IS NULL
		ORDER BY created_at ASC`,
		scope, handle,
	)
	if err != nil {
		return nil, fmt.Errorf("pending: query matching: %w", err)
	}
	defer rows.Close()
	return scanPending(rows)
}

// UnresolvedHandles lista os pares (scope, handle) com respostas paradas,
// para o retry periódico tentar resolver de novo.
func (p *PendingStore) UnresolvedHandles(ctx context.Context) ([]PendingReply, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, scope, handle, reply_text, push_name, attempts, created_at
		FROM pending_deliveries
		WHERE delivered_at IS NULL
		GROUP BY scope, handle
		ORDER BY created_at ASC
		LIMIT 50`)
	if err != nil {
		return nil, fmt.Errorf("pending: query unresolved: %w", err)
	}
	defer rows.Close()
	return scanPending(rows)
}

func scanPending(rows *sql.Rows) ([]PendingReply, error) {
	var out []PendingReply
	for rows.Next() {
		var r PendingReply
		var created string
		if err := rows.Scan(&r.ID, &r.Scope, &r.Handle, &r.ReplyText, &r.PushName, &r.Attempts, &created); err != nil {
			return nil, fmt.Errorf("pending: scan row: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkDelivered marca um lote de respostas como entregue.
func (p *PendingStore) MarkDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := p.db.ExecContext(ctx,
			`UPDATE pending_deliveries SET delivered_at = ? WHERE id = ?`, now, id); err != nil {
			return fmt.Errorf("pending: mark delivered: %w", err)
		}
	}
	return nil
}

// BumpAttempts incrementa o contador de tentativas de um handle.
func (p *PendingStore) BumpAttempts(ctx context.Context, scope, handle string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE pending_deliveries SET attempts = attempts + 1
		WHERE scope = ? AND handle = ? AND delivered_at IS NULL`,
		scope, handle,
	)
	if err != nil {
		return fmt.Errorf("pending: bump attempts: %w", err)
	}
	return nil
}

// PurgeStale remove respostas não entregues mais velhas que maxAge.
func (p *PendingStore) PurgeStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM pending_deliveries
		WHERE delivered_at IS NULL AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pending: purge stale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		p.logger.Info("respostas estacionadas expiradas removidas", "count", n)
	}
	return n, nil
}

// resumptionPlan decide o que enviar quando um handle estacionado resolve.
// Respostas recentes vão como estavam; respostas velhas viram um pedido de
// desculpas com retomada, porque a resposta original já perdeu o contexto.
func resumptionPlan(matched []PendingReply, maxAge time.Duration, now time.Time) []string {
	if len(matched) == 0 {
		return nil
	}

	nome := firstRealName(matched[0].PushName)
	age := now.Sub(matched[0].CreatedAt)

	if age > maxAge {
		if nome != "" {
			return []string{fmt.Sprintf("Oi %s! Tive um atraso técnico aqui, desculpa. Já estou de volta, como posso te ajudar?", nome)}
		}
		return []string{"Oi! Desculpa a demora, tive um problema técnico. Já estou de volta, no que posso ajudar?"}
	}

	if len(matched) == 1 {
		return []string{matched[0].ReplyText}
	}

	explanation := "Desculpa o atraso técnico! Já normalizou."
	if nome != "" {
		explanation = fmt.Sprintf("%s, desculpa o atraso técnico! Já normalizou.", nome)
	}
	return []string{explanation, matched[len(matched)-1].ReplyText}
}

// firstRealName extrai o primeiro nome do pushName, se parecer um nome de
// pessoa de verdade.
func firstRealName(pushName string) string {
	if !responder.IsRealName(pushName) {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(pushName))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
