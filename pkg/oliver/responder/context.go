// context.go assembles model input from session state: identity, temporal
// grounding, fact recap, running summary and the recent turn window.
package responder

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hubautomacao/oliver/pkg/oliver/session"
)

// ForwardTag annotates content the contact forwarded rather than wrote.
type ForwardTag string

const (
	ForwardNone  ForwardTag = ""
	ForwardText  ForwardTag = "text"
	ForwardAudio ForwardTag = "audio"
)

// PromptMaterial is everything Generate needs besides the user message.
type PromptMaterial struct {
	System    string
	History   []Message
	Language  string
	Sentiment string
	Forward   ForwardTag
}

// BuildContext produces prompt material for one turn.
func (g *Generator) BuildContext(sess *session.ContactSession, history []session.HistoryEntry, userMessage string, forward ForwardTag) PromptMaterial {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Você é %s.\n%s\n", g.name, g.instructions))

	b.WriteString("\n## Agora\n")
	now := time.Now()
	for _, zone := range g.timezones {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			continue
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", zone, now.In(loc).Format("Mon, 02 Jan 2006 15:04")))
	}

	b.WriteString("\n## Contato\n")
	if name, ok := sess.Facts["nome"]; ok && IsRealName(name) {
		b.WriteString(fmt.Sprintf("- Nome: %s\n", name))
	}
	b.WriteString(fmt.Sprintf("- Cliente desde: %s\n", sess.FirstSeenAt.Format("02/01/2006")))
	b.WriteString(fmt.Sprintf("- Mensagens trocadas: %d\n", sess.MessageCount))
	b.WriteString(fmt.Sprintf("- Estágio: %s (%s)\n", sess.LeadStage, sess.LeadTemperature))

	if len(sess.Facts) > 0 {
		b.WriteString("\n## O que já sabemos\n")
		keys := make([]string, 0, len(sess.Facts))
		for k := range sess.Facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("- %s: %s\n", k, sess.Facts[k]))
		}
	}

	if sess.ShortSummary != "" {
		b.WriteString("\n## Resumo da conversa até aqui\n")
		b.WriteString(sess.ShortSummary + "\n")
	}

	language := DetectLanguage(userMessage)
	b.WriteString(fmt.Sprintf("\nResponda no idioma do contato (%s). Seja natural, sem jargão técnico.\n", language))

	switch forward {
	case ForwardText:
		b.WriteString("\nObservação: a última mensagem foi ENCAMINHADA pelo contato; o texto não é dele.\n")
	case ForwardAudio:
		b.WriteString("\nObservação: a última mensagem é um áudio ENCAMINHADO; a voz não é do contato.\n")
	}

	msgs := make([]Message, 0, len(history))
	for _, e := range history {
		role := "user"
		if e.Role == session.RoleAssistant {
			role = "assistant"
		}
		msgs = append(msgs, Message{Role: role, Content: e.Content})
	}

	return PromptMaterial{
		System:    b.String(),
		History:   msgs,
		Language:  language,
		Sentiment: DetectSentiment(userMessage),
		Forward:   forward,
	}
}
