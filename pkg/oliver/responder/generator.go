// generator.go drives one reply: decide whether the question needs live
// web context, splice search snippets into the prompt when it does, and
// invoke the model.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// searchTriggers decide when a question is time-sensitive enough to
// justify a live search: prices, "right now" phrasing, named currencies,
// weather and news.
var searchTriggers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(preço|preco|price|cotação|cotacao|quanto custa|quanto está|quanto esta)\b`),
	regexp.MustCompile(`(?i)\b(hoje|agora|neste momento|today|now|right now)\b`),
	regexp.MustCompile(`(?i)\b(dólar|dolar|euro|bitcoin|btc|real|libra|câmbio|cambio)\b`),
	regexp.MustCompile(`(?i)\b(clima|previsão do tempo|previsao do tempo|weather)\b`),
	regexp.MustCompile(`(?i)\b(notícia|noticia|news|últimas|ultimas)\b`),
}

// NeedsLiveContext reports whether the message matches a search trigger.
func NeedsLiveContext(text string) bool {
	for _, re := range searchTriggers {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Generator produces replies from prompt material.
type Generator struct {
	llm      *LLMClient
	searcher WebSearcher // nil when search is disabled

	name         string
	instructions string
	timezones    []string
	maxResults   int
	logger       *slog.Logger
}

// GeneratorOptions carries the construction knobs.
type GeneratorOptions struct {
	Name         string
	Instructions string
	Timezones    []string
	MaxResults   int
}

// NewGenerator builds a generator. searcher may be nil to disable live
// search entirely.
func NewGenerator(llm *LLMClient, searcher WebSearcher, opts GeneratorOptions, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "Oliver"
	}
	if len(opts.Timezones) == 0 {
		opts.Timezones = []string{"America/Sao_Paulo"}
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 3
	}
	return &Generator{
		llm:          llm,
		searcher:     searcher,
		name:         opts.Name,
		instructions: opts.Instructions,
		timezones:    opts.Timezones,
		maxResults:   opts.MaxResults,
		logger:       logger.With("component", "responder"),
	}
}

// Generate produces the reply text for one turn. Search failures are
// logged and skipped; model failures wrap ErrGenerationFailed.
func (g *Generator) Generate(ctx context.Context, material PromptMaterial, userMessage string) (string, error) {
	system := material.System

	if g.searcher != nil && NeedsLiveContext(userMessage) {
		if block := g.liveContext(ctx, userMessage); block != "" {
			system += block
		}
	}

	messages := make([]Message, 0, len(material.History)+2)
	messages = append(messages, Message{Role: "system", Content: system})
	messages = append(messages, material.History...)
	messages = append(messages, Message{Role: "user", Content: userMessage})

	reply, err := g.llm.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply", ErrGenerationFailed)
	}
	return reply, nil
}

// liveContext fetches search snippets and formats them as a prompt block.
// Returns "" on any failure.
func (g *Generator) liveContext(ctx context.Context, query string) string {
	results, err := g.searcher.Search(ctx, query, g.maxResults)
	if err != nil {
		g.logger.Warn("live search failed, answering without it", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n## Contexto da web (agora)\n")
	for _, r := range results {
		b.WriteString(fmt.Sprintf("- %s: %s\n", r.Title, r.Snippet))
	}
	b.WriteString("Use esse contexto só se for relevante e cite valores com a ressalva de que podem variar.\n")

	g.logger.Debug("live context attached", "results", len(results))
	return b.String()
}
