// workers.go mantém o trabalho fora do caminho da resposta: o pool de
// enriquecimento e os jobs de cron (retry de respostas estacionadas, purga
// de filas velhas e reengajamento de contatos parados).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hubautomacao/oliver/pkg/oliver/responder"
	"github.com/hubautomacao/oliver/pkg/oliver/session"
)

// EnrichmentJob roda em segundo plano com um contexto limitado.
type EnrichmentJob func(ctx context.Context)

// EnrichmentPool é um pool limitado de workers para jobs de enriquecimento.
// Fila cheia descarta o job com aviso; enriquecimento perdido não é erro.
type EnrichmentPool struct {
	jobs       chan EnrichmentJob
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	jobTimeout time.Duration
	logger     *slog.Logger
}

// NewEnrichmentPool cria o pool. workers e depth zerados usam 4 e 64.
func NewEnrichmentPool(workers, depth int, logger *slog.Logger) *EnrichmentPool {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &EnrichmentPool{
		jobs:       make(chan EnrichmentJob, depth),
		jobTimeout: 2 * time.Minute,
		logger:     logger.With("component", "enrichment"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *EnrichmentPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
			job(jobCtx)
			cancel()
		}
	}
}

// Dispatch enfileira um job sem bloquear.
func (p *EnrichmentPool) Dispatch(job EnrichmentJob) {
	select {
	case p.jobs <- job:
	default:
		p.logger.Warn("fila de enriquecimento cheia, job descartado")
	}
}

// Close para os workers depois de drenar a fila.
func (p *EnrichmentPool) Close() {
	close(p.jobs)
	p.wg.Wait()
	p.cancel()
}

// ScheduleConfig liga os jobs periódicos do pipeline.
type ScheduleConfig struct {
	// PendingRetry é o cron de retry das respostas estacionadas.
	PendingRetry string

	// PendingMaxAge expira respostas estacionadas mais velhas que isso.
	PendingMaxAge time.Duration

	// Reengagement habilita as cutucadas em contatos parados.
	Reengagement         bool
	ReengagementSchedule string
	ReengagementIdle     time.Duration
	ReengagementMax      int
}

// Scheduler roda os jobs de cron do pipeline.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler registra os jobs no cron e o devolve parado; chame Start.
func NewScheduler(p *Pipeline, cfg ScheduleConfig, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	retrySpec := cfg.PendingRetry
	if retrySpec == "" {
		retrySpec = "* * * * *"
	}
	if _, err := c.AddFunc(retrySpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		p.retryPending(ctx, cfg.PendingMaxAge)
	}); err != nil {
		return nil, fmt.Errorf("pipeline: invalid pending retry schedule %q: %w", retrySpec, err)
	}

	if cfg.Reengagement {
		spec := cfg.ReengagementSchedule
		if spec == "" {
			spec = "0 * * * *"
		}
		if _, err := c.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			p.reengage(ctx, cfg.ReengagementIdle, cfg.ReengagementMax)
		}); err != nil {
			return nil, fmt.Errorf("pipeline: invalid reengagement schedule %q: %w", spec, err)
		}
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start liga o cron.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("jobs periódicos iniciados")
}

// Stop para o cron e espera os jobs em voo.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// retryPending tenta resolver de novo os handles com resposta estacionada
// e expira o que passou da idade máxima.
func (p *Pipeline) retryPending(ctx context.Context, maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = p.opts.PendingMaxAge
	}
	if _, err := p.pending.PurgeStale(ctx, maxAge+24*time.Hour); err != nil {
		p.logger.Error("purga de respostas estacionadas falhou", "error", err)
	}

	entries, err := p.pending.UnresolvedHandles(ctx)
	if err != nil {
		p.logger.Error("falha ao listar handles pendentes", "error", err)
		return
	}
	for _, e := range entries {
		address, resolved := p.resolver.ResolveDestination(ctx, e.Scope, e.Handle)
		if !resolved {
			if err := p.pending.BumpAttempts(ctx, e.Scope, e.Handle); err != nil {
				p.logger.Warn("falha ao contar tentativa", "handle", e.Handle, "error", err)
			}
			continue
		}
		p.DeliverPending(ctx, e.Scope, e.Handle, address)
	}
}

// reengage cutuca contatos parados há mais de idle, no máximo maxNudges
// vezes por sessão. Mensagem nova do contato zera o contador.
func (p *Pipeline) reengage(ctx context.Context, idle time.Duration, maxNudges int) {
	if idle <= 0 {
		idle = 24 * time.Hour
	}
	if maxNudges <= 0 {
		maxNudges = 2
	}
	cutoff := time.Now().UTC().Add(-idle)

	stale, err := p.sessions.IdleSince(ctx, p.opts.Tenant, cutoff, maxNudges)
	if err != nil {
		p.logger.Error("busca de sessões paradas falhou", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	p.logger.Info("sessões paradas encontradas", "count", len(stale))

	for _, sess := range stale {
		if !p.admin.IsOperator(sess.ContactAddress) {
			p.nudge(ctx, sess)
		}
	}
}

func (p *Pipeline) nudge(ctx context.Context, sess *session.ContactSession) {
	language := "pt"
	history, err := p.sessions.RecentHistory(ctx, sess.ID, 3)
	if err == nil {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role == session.RoleUser {
				language = responder.DetectLanguage(history[i].Content)
				break
			}
		}
	}

	msg := nudgeMessage(sess.Facts["nome"], language, sess.NudgeCount)

	if err := p.gw.SetTyping(ctx, sess.ContactAddress, true); err != nil {
		p.logger.Debug("falha ao ligar digitação", "error", err)
	}
	if err := p.gw.SendText(ctx, sess.ContactAddress, msg); err != nil {
		p.logger.Warn("cutucada não enviada", "contact", sess.ContactAddress, "error", err)
		return
	}

	if err := p.sessions.AppendTurn(ctx, sess.ID, session.RoleAssistant, msg,
		session.WithSource("reengagement")); err != nil {
		p.logger.Warn("falha ao registrar cutucada", "error", err)
	}
	if err := p.sessions.RecordNudge(ctx, sess.ID); err != nil {
		p.logger.Warn("falha ao contar cutucada", "error", err)
	}
	p.logger.Info("contato reengajado", "contact", sess.ContactAddress, "nudges", sess.NudgeCount+1)
}

// nudgeMessage varia a cutucada por idioma e pelo número da tentativa.
func nudgeMessage(name, language string, attempt int) string {
	first := firstRealName(name)

	var msgs []string
	switch language {
	case "en":
		msgs = []string{
			"Hey%s, just checking in. Anything I can help you with?",
			"Hi%s! Still around if you have any questions.",
		}
	case "es":
		msgs = []string{
			"Hola%s, ¿quedó alguna duda? Estoy por aquí si necesitas algo.",
			"¡Hola%s! Sigo por aquí si tienes alguna pregunta.",
		}
	default:
		msgs = []string{
			"Oi%s, ficou alguma dúvida? Estou por aqui se precisar.",
			"Oi%s! Seguimos à disposição, é só chamar.",
		}
	}

	suffix := ""
	if first != "" {
		suffix = " " + first
	}
	return fmt.Sprintf(msgs[attempt%len(msgs)], suffix)
}
