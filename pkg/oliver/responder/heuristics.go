// heuristics.go holds the cheap text heuristics used for grounding:
// push-name sanity, language detection and sentiment tagging. All pure
// functions, no model calls.
package responder

import (
	"strings"
	"unicode"
)

// fake push names that should never be treated as the contact's real name.
var genericNames = map[string]bool{
	"user":     true,
	"usuario":  true,
	"usuário":  true,
	"cliente":  true,
	"contato":  true,
	"whatsapp": true,
	"iphone":   true,
	"android":  true,
	"galaxy":   true,
	".":        true,
	"..":       true,
}

// IsRealName reports whether a push name looks like an actual person's
// name rather than a device default, emoji or placeholder.
func IsRealName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) < 2 {
		return false
	}
	if genericNames[strings.ToLower(name)] {
		return false
	}
	allGeneric := true
	for _, w := range strings.Fields(strings.ToLower(name)) {
		if !genericNames[w] {
			allGeneric = false
			break
		}
	}
	if allGeneric {
		return false
	}

	letters := 0
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			// Phone numbers disguised as names.
			return false
		case unicode.IsSpace(r) || r == '-' || r == '\'' || r == '.':
			// Common name punctuation.
		case unicode.IsSymbol(r) || r > 0x1F000:
			// Emoji and pictographs.
			return false
		}
	}
	return letters >= 2
}

// Stopword samples per language. Portuguese wins ties: the deployment
// audience is Brazilian.
var (
	ptWords = []string{"você", "voce", "não", "nao", "está", "sim", "obrigado", "obrigada", "quanto", "preço", "preco", "horário", "horario", "quero", "pode", "bom dia", "boa tarde", "boa noite", "vocês", "tudo bem", "por favor", "qual"}
	enWords = []string{"the", "you", "how", "what", "price", "hello", "thanks", "please", "when", "much", "can you", "i want", "good morning"}
	esWords = []string{"usted", "cuánto", "cuanto", "precio", "hola", "gracias", "por favor", "quiero", "puede", "buenos días", "buenas tardes", "cómo", "qué tal"}
)

// DetectLanguage guesses pt, en or es from stopword hits. Defaults to pt.
func DetectLanguage(text string) string {
	t := " " + strings.ToLower(text) + " "
	score := func(words []string) int {
		n := 0
		for _, w := range words {
			if strings.Contains(t, " "+w+" ") || strings.Contains(t, " "+w+"?") || strings.Contains(t, " "+w+",") {
				n++
			}
		}
		return n
	}

	pt, en, es := score(ptWords), score(enWords), score(esWords)
	if en > pt && en > es {
		return "en"
	}
	if es > pt && es > en {
		return "es"
	}
	return "pt"
}

// Sentiment tags recognized by DetectSentiment.
const (
	SentimentFrustrated = "frustrated"
	SentimentHappy      = "happy"
	SentimentConfused   = "confused"
	SentimentUrgent     = "urgent"
	SentimentNeutral    = "neutral"
)

var sentimentMarkers = []struct {
	tag   string
	words []string
}{
	// Order matters: urgency outranks mood.
	{SentimentUrgent, []string{"urgente", "urgência", "urgencia", "agora", "rápido", "rapido", "imediato", "pra ontem", "asap", "emergência", "emergencia"}},
	{SentimentFrustrated, []string{"absurdo", "péssimo", "pessimo", "horrível", "horrivel", "irritado", "irritada", "cansado de esperar", "cansada de esperar", "ninguém responde", "ninguem responde", "reclamação", "reclamacao", "de novo?", "cancelar"}},
	{SentimentConfused, []string{"não entendi", "nao entendi", "como assim", "confuso", "confusa", "não sei", "nao sei", "pode explicar", "o que significa"}},
	{SentimentHappy, []string{"obrigado", "obrigada", "perfeito", "ótimo", "otimo", "excelente", "maravilha", "adorei", "valeu", "top", "show"}},
}

// DetectSentiment tags the message with a coarse sentiment used for speech
// pacing and history annotation.
func DetectSentiment(text string) string {
	t := strings.ToLower(text)
	for _, m := range sentimentMarkers {
		for _, w := range m.words {
			if strings.Contains(t, w) {
				return m.tag
			}
		}
	}
	return SentimentNeutral
}
