// Package pipeline orquestra o atendimento: recebe eventos do gateway,
// resolve identidade, monta contexto, gera a resposta e entrega no canal,
// despachando o enriquecimento da sessão para workers em segundo plano.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/hubautomacao/oliver/pkg/oliver/admin"
	"github.com/hubautomacao/oliver/pkg/oliver/gateway"
	"github.com/hubautomacao/oliver/pkg/oliver/identity"
	"github.com/hubautomacao/oliver/pkg/oliver/responder"
	"github.com/hubautomacao/oliver/pkg/oliver/session"
	"github.com/hubautomacao/oliver/pkg/oliver/speech"
)

// Options ajusta o comportamento do pipeline por tenant.
type Options struct {
	// Tenant escopa sessões e mapeamentos de identidade.
	Tenant string

	// HistoryWindow é quantos turnos recentes entram no contexto do modelo.
	HistoryWindow int

	// LeadEvery reclassifica o lead a cada N mensagens do contato.
	LeadEvery int

	// PendingMaxAge define quando uma resposta estacionada vira pedido de
	// desculpas em vez de ser entregue como estava.
	PendingMaxAge time.Duration

	// SpeechSpeed fixa a velocidade da fala. Zero ou 1.0 deixa o
	// sentimento da mensagem ajustar a velocidade.
	SpeechSpeed float64
}

// Pipeline processa um evento do webhook por vez. Instâncias são seguras
// para uso concorrente; turnos do mesmo contato não são serializados entre
// si, a ordenação fica por conta dos timestamps do histórico.
type Pipeline struct {
	gw          *gateway.Client
	sessions    *session.Store
	resolver    *identity.Resolver
	pending     *PendingStore
	admin       *admin.State
	generator   *responder.Generator
	transcriber *speech.Transcriber
	synth       *speech.Chain
	enrich      *EnrichmentPool
	opts        Options
	logger      *slog.Logger
}

// New monta o pipeline. transcriber e synth podem ser nil quando o tenant
// não configurou voz; o pipeline degrada para texto puro.
func New(
	gw *gateway.Client,
	sessions *session.Store,
	resolver *identity.Resolver,
	pending *PendingStore,
	adminState *admin.State,
	generator *responder.Generator,
	transcriber *speech.Transcriber,
	synth *speech.Chain,
	enrich *EnrichmentPool,
	opts Options,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	if opts.LeadEvery <= 0 {
		opts.LeadEvery = 5
	}
	if opts.PendingMaxAge <= 0 {
		opts.PendingMaxAge = 48 * time.Hour
	}
	return &Pipeline{
		gw:          gw,
		sessions:    sessions,
		resolver:    resolver,
		pending:     pending,
		admin:       adminState,
		generator:   generator,
		transcriber: transcriber,
		synth:       synth,
		enrich:      enrich,
		opts:        opts,
		logger:      logger.With("component", "pipeline"),
	}
}

// Handle é o EventHandler do servidor de webhook.
func (p *Pipeline) Handle(ctx context.Context, ev gateway.Event) error {
	switch e := ev.(type) {
	case gateway.MessageEvent:
		return p.handleMessage(ctx, e)
	case gateway.ContactSyncEvent:
		p.handleContactSync(ctx, e)
		return nil
	case gateway.ConnectionEvent:
		p.logger.Info("estado da conexão mudou", "instance", e.Instance, "state", e.State)
		return nil
	default:
		return fmt.Errorf("pipeline: unhandled event kind %q", ev.Kind())
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, ev gateway.MessageEvent) error {
	if ev.Key.FromMe {
		p.handleEcho(ctx, ev)
		return nil
	}
	if gateway.IsGroup(ev.Key.RemoteJid) {
		p.logger.Debug("mensagem de grupo ignorada", "chat", ev.Key.RemoteJid)
		return nil
	}
	return p.handleInbound(ctx, ev)
}

// handleEcho trata mensagens enviadas pelo próprio número: comandos do
// operador no chat consigo mesmo, e aprendizado de identidade para o resto.
func (p *Pipeline) handleEcho(ctx context.Context, ev gateway.MessageEvent) {
	if p.admin.IsOperator(ev.Key.RemoteJid) {
		if cmd, ok := admin.ParseCommand(ev.Content); ok {
			reply := p.admin.Apply(cmd)
			if err := p.gw.SendText(ctx, ev.Key.RemoteJid, reply); err != nil {
				p.logger.Error("falha ao confirmar comando do operador", "error", err)
			}
			return
		}
	}
	p.resolver.LearnFromSentMessage(ctx, p.opts.Tenant, ev)
}

func (p *Pipeline) handleInbound(ctx context.Context, ev gateway.MessageEvent) error {
	chat := ev.Key.RemoteJid

	// Indicador de digitação é cosmético: loga e segue.
	if err := p.gw.SetTyping(ctx, chat, true); err != nil {
		p.logger.Debug("falha ao ligar digitação", "error", err)
	}
	defer func() {
		if err := p.gw.SetTyping(context.WithoutCancel(ctx), chat, false); err != nil {
			p.logger.Debug("falha ao desligar digitação", "error", err)
		}
	}()

	handle := ev.SenderHandle()
	destination, resolved := p.resolver.ResolveDestination(ctx, p.opts.Tenant, handle)

	sess, err := p.sessions.GetOrCreate(ctx, destination, p.opts.Tenant)
	if err != nil {
		return fmt.Errorf("pipeline: session for %s: %w", destination, err)
	}

	if p.admin.IsPaused() {
		content := ev.Content
		source := "text"
		if ev.IsVoiceNote() {
			content = "[áudio recebido durante pausa]"
			source = "audio"
		}
		if err := p.sessions.AppendTurn(ctx, sess.ID, session.RoleUser, content, session.WithSource(source)); err != nil {
			p.logger.Error("falha ao registrar turno durante pausa", "error", err)
		}
		p.logger.Info("pausado, mensagem registrada sem resposta", "contact", destination)
		return nil
	}

	text := ev.Content
	source := "text"
	if ev.IsVoiceNote() {
		source = "audio"
		text, err = p.transcribe(ctx, ev)
		if err != nil {
			p.logger.Warn("transcrição falhou", "contact", destination, "error", err)
			p.apologizeForAudio(ctx, sess, chat)
			return nil
		}
	}
	if text == "" {
		p.logger.Debug("mensagem sem conteúdo utilizável", "chat", chat, "type", string(ev.Type))
		return nil
	}

	forward := responder.ForwardNone
	if ev.Forwarded {
		forward = responder.ForwardText
		if ev.IsVoiceNote() {
			forward = responder.ForwardAudio
		}
	}

	history, err := p.sessions.RecentHistory(ctx, sess.ID, p.opts.HistoryWindow)
	if err != nil {
		p.logger.Warn("histórico indisponível, seguindo sem", "error", err)
	}
	material := p.generator.BuildContext(sess, history, text, forward)

	if err := p.sessions.AppendTurn(ctx, sess.ID, session.RoleUser, text,
		session.WithSentiment(material.Sentiment), session.WithSource(source)); err != nil {
		p.logger.Error("falha ao registrar turno do contato", "error", err)
	}

	reply, err := p.generator.Generate(ctx, material, text)
	if err != nil {
		return fmt.Errorf("pipeline: generate reply for %s: %w", destination, err)
	}

	if err := p.sessions.AppendTurn(ctx, sess.ID, session.RoleAssistant, reply); err != nil {
		p.logger.Error("falha ao registrar resposta", "error", err)
	}

	if !resolved && gateway.IsLinkedHandle(handle) {
		if err := p.pending.Park(ctx, p.opts.Tenant, handle, reply, ev.PushName); err != nil {
			p.logger.Error("falha ao estacionar resposta", "error", err)
		}
	} else {
		p.deliver(ctx, destination, reply, material.Sentiment, ev.IsVoiceNote())
	}

	p.dispatchEnrichment(sess.ID, text, reply)
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, ev gateway.MessageEvent) (string, error) {
	if p.transcriber == nil {
		return "", fmt.Errorf("pipeline: no transcriber configured: %w", speech.ErrTranscription)
	}
	audio, err := p.gw.DownloadMedia(ctx, ev.Key)
	if err != nil {
		return "", err
	}
	return p.transcriber.Transcribe(ctx, audio)
}

// apologizeForAudio manda a desculpa enlatada quando o áudio não pôde ser
// transcrito, no idioma das últimas mensagens do contato.
func (p *Pipeline) apologizeForAudio(ctx context.Context, sess *session.ContactSession, chat string) {
	language := "pt"
	if history, err := p.sessions.RecentHistory(ctx, sess.ID, 4); err == nil {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role == session.RoleUser {
				language = responder.DetectLanguage(history[i].Content)
				break
			}
		}
	}
	var msg string
	switch language {
	case "en":
		msg = "Sorry, I couldn't make out your voice note. Could you type it or send it again?"
	case "es":
		msg = "Perdona, no pude escuchar bien tu audio. ¿Puedes escribirlo o enviarlo de nuevo?"
	default:
		msg = "Desculpa, não consegui ouvir seu áudio direito. Pode escrever ou mandar de novo?"
	}
	if err := p.gw.SendText(ctx, chat, msg); err != nil {
		p.logger.Error("falha ao enviar desculpa de transcrição", "error", err)
	}
}

// deliver escolhe a modalidade e entrega. Síntese de voz que falha em toda
// a cadeia cai para texto; o contato sempre recebe a resposta.
func (p *Pipeline) deliver(ctx context.Context, destination, reply, sentiment string, inboundWasAudio bool) {
	if p.synth != nil && p.admin.ShouldUseAudio(inboundWasAudio) {
		speed := p.opts.SpeechSpeed
		if speed == 0 || speed == 1.0 {
			speed = speech.SpeedForSentiment(sentiment)
		}
		audio, _, err := p.synth.Synthesize(ctx, reply, speed)
		if err == nil {
			if err := p.gw.SendAudio(ctx, destination, base64.StdEncoding.EncodeToString(audio)); err == nil {
				return
			}
			p.logger.Warn("envio de áudio falhou, caindo para texto", "contact", destination)
		} else {
			p.logger.Warn("síntese de voz falhou, caindo para texto", "contact", destination, "error", err)
		}
	}
	if err := p.gw.SendText(ctx, destination, reply); err != nil {
		p.logger.Error("falha ao entregar resposta", "contact", destination, "error", err)
	}
}

// handleContactSync aprende mapeamentos do evento e entrega qualquer
// resposta que estivesse estacionada nos handles recém-resolvidos.
func (p *Pipeline) handleContactSync(ctx context.Context, ev gateway.ContactSyncEvent) {
	mappings := p.resolver.LearnFromContactEvent(ctx, p.opts.Tenant, ev)
	for _, m := range mappings {
		p.DeliverPending(ctx, m.Scope, m.Handle, m.Address)
	}
}

// DeliverPending entrega as respostas estacionadas de um handle que acabou
// de resolver para address. Chamado pelo sync de contatos e pelo retry.
func (p *Pipeline) DeliverPending(ctx context.Context, scope, handle, address string) {
	matched, err := p.pending.Matching(ctx, scope, handle)
	if err != nil {
		p.logger.Error("falha ao buscar respostas estacionadas", "handle", handle, "error", err)
		return
	}
	if len(matched) == 0 {
		return
	}

	plan := resumptionPlan(matched, p.opts.PendingMaxAge, time.Now().UTC())
	if err := p.gw.SetTyping(ctx, address, true); err != nil {
		p.logger.Debug("falha ao ligar digitação", "error", err)
	}
	for _, msg := range plan {
		if err := p.gw.SendText(ctx, address, msg); err != nil {
			p.logger.Error("falha ao entregar resposta estacionada", "contact", address, "error", err)
			return
		}
	}
	if err := p.gw.SetTyping(ctx, address, false); err != nil {
		p.logger.Debug("falha ao desligar digitação", "error", err)
	}

	ids := make([]string, len(matched))
	for i, m := range matched {
		ids[i] = m.ID
	}
	if err := p.pending.MarkDelivered(ctx, ids); err != nil {
		p.logger.Error("falha ao marcar entregas", "error", err)
		return
	}
	p.logger.Info("respostas estacionadas entregues", "contact", address, "count", len(matched))
}

// dispatchEnrichment agenda extração de fatos, sumarização e
// reclassificação de lead fora do caminho da resposta. Falhas só logam.
func (p *Pipeline) dispatchEnrichment(sessionID, userMessage, reply string) {
	if p.enrich == nil {
		return
	}
	p.enrich.Dispatch(func(ctx context.Context) {
		facts, err := p.generator.ExtractFacts(ctx, userMessage, reply)
		if err != nil {
			p.logger.Warn("extração de fatos falhou", "session", sessionID, "error", err)
		} else if len(facts) > 0 {
			if err := p.sessions.MergeFacts(ctx, sessionID, facts); err != nil {
				p.logger.Warn("falha ao gravar fatos", "session", sessionID, "error", err)
			}
		}

		sess, err := p.sessions.GetByID(ctx, sessionID)
		if err != nil {
			p.logger.Warn("sessão sumiu durante enriquecimento", "session", sessionID, "error", err)
			return
		}

		if need, err := p.sessions.NeedsSummarization(ctx, sessionID); err == nil && need {
			history, err := p.sessions.RecentHistory(ctx, sessionID, 40)
			if err == nil {
				if sums, err := p.generator.Summarize(ctx, sess.DetailedSummary, history); err != nil {
					p.logger.Warn("sumarização falhou", "session", sessionID, "error", err)
				} else if err := p.sessions.SaveSummary(ctx, sessionID, sums.Short, sums.Detailed); err != nil {
					p.logger.Warn("falha ao gravar resumo", "session", sessionID, "error", err)
				}
			}
		}

		if sess.MessageCount%p.opts.LeadEvery == 0 {
			history, err := p.sessions.RecentHistory(ctx, sessionID, p.opts.HistoryWindow)
			if err != nil {
				return
			}
			stage, temp, err := p.generator.ClassifyLead(ctx, sess, history)
			if err != nil {
				p.logger.Warn("classificação de lead falhou", "session", sessionID, "error", err)
				return
			}
			if err := p.sessions.SetLead(ctx, sessionID, stage, temp); err != nil {
				p.logger.Warn("falha ao gravar lead", "session", sessionID, "error", err)
			}
		}
	})
}
