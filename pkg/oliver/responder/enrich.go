// enrich.go runs the post-turn analysis prompts: fact extraction, running
// summaries and lead classification. All of it is background work; callers
// log failures and drop them.
package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/hubautomacao/oliver/pkg/oliver/session"
)

// ExtractFacts pulls durable key→value facts from the latest exchange.
// Returns an empty map when the exchange reveals nothing worth keeping.
func (g *Generator) ExtractFacts(ctx context.Context, userMessage, reply string) (map[string]string, error) {
	prompt := fmt.Sprintf(`Extraia fatos duráveis sobre o contato a partir da troca abaixo.
Responda APENAS um objeto JSON de pares chave-valor em português (ex.: {"nome": "...", "cidade": "..."}).
Só inclua fatos que continuarão verdadeiros daqui a semanas (nome, cidade, profissão, preferências, produto de interesse).
Se não houver nenhum, responda {}.

Contato: %s
Resposta enviada: %s`, userMessage, reply)

	facts := map[string]string{}
	err := g.llm.CompleteJSON(ctx, []Message{{Role: "user", Content: prompt}}, &facts)
	if err != nil {
		return nil, err
	}

	// Drop junk keys and oversized values the model sometimes produces.
	for k, v := range facts {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" || len(v) > 200 {
			delete(facts, k)
		}
	}
	return facts, nil
}

// Summaries holds a new pair of running summaries.
type Summaries struct {
	Short    string `json:"short"`
	Detailed string `json:"detailed"`
}

// Summarize folds recent history into updated running summaries, carrying
// the previous summary forward so nothing already condensed is lost.
func (g *Generator) Summarize(ctx context.Context, previous string, history []session.HistoryEntry) (Summaries, error) {
	var convo strings.Builder
	for _, e := range history {
		convo.WriteString(fmt.Sprintf("[%s] %s\n", e.Role, e.Content))
	}

	prompt := fmt.Sprintf(`Atualize o resumo desta conversa de atendimento.
Resumo anterior: %s

Novas mensagens:
%s

Responda APENAS JSON: {"short": "resumo em até 2 frases", "detailed": "resumo detalhado em até 8 frases"}.`,
		orNone(previous), convo.String())

	var s Summaries
	if err := g.llm.CompleteJSON(ctx, []Message{{Role: "user", Content: prompt}}, &s); err != nil {
		return Summaries{}, err
	}
	return s, nil
}

// LeadClassification is the model's funnel read on a contact.
type LeadClassification struct {
	Stage       string `json:"stage"`
	Temperature string `json:"temperature"`
}

// ClassifyLead reclassifies the contact's funnel position from the recent
// conversation. The result is validated before being persisted.
func (g *Generator) ClassifyLead(ctx context.Context, sess *session.ContactSession, history []session.HistoryEntry) (session.LeadStage, session.LeadTemperature, error) {
	var convo strings.Builder
	for _, e := range history {
		convo.WriteString(fmt.Sprintf("[%s] %s\n", e.Role, e.Content))
	}

	prompt := fmt.Sprintf(`Classifique este lead de atendimento comercial.
Estágio atual: %s. Temperatura atual: %s.

Conversa recente:
%s

Responda APENAS JSON: {"stage": "new|interested|qualified|negotiating|won|lost", "temperature": "cold|warm|hot"}.`,
		sess.LeadStage, sess.LeadTemperature, convo.String())

	var c LeadClassification
	if err := g.llm.CompleteJSON(ctx, []Message{{Role: "user", Content: prompt}}, &c); err != nil {
		return "", "", err
	}

	stage := session.LeadStage(strings.ToLower(strings.TrimSpace(c.Stage)))
	temp := session.LeadTemperature(strings.ToLower(strings.TrimSpace(c.Temperature)))
	if !session.ValidStage(stage) || !session.ValidTemperature(temp) {
		return "", "", fmt.Errorf("responder: model returned invalid lead %q/%q", c.Stage, c.Temperature)
	}
	return stage, temp, nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(nenhum)"
	}
	return s
}
