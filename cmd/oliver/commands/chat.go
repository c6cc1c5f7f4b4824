package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/hubautomacao/oliver/pkg/oliver/config"
	"github.com/hubautomacao/oliver/pkg/oliver/responder"
	"github.com/hubautomacao/oliver/pkg/oliver/session"
)

// newChatCmd cria o comando `oliver chat` para conversar pelo terminal,
// usando o mesmo gerador de respostas do atendimento.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [mensagem]",
		Short: "Conversa com o Oliver pelo terminal",
		Long: `Conversa com o Oliver sem passar pelo WhatsApp, útil para testar o
prompt e as instruções. Sem argumentos entra no modo interativo.

Exemplos:
  oliver chat "qual o horário de atendimento?"
  oliver chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
	cmd.Flags().StringP("model", "m", "", "modelo a usar (sobrepõe a config)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	config.ResolveSecrets(cfg, logger)

	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.AI.Model = model
	}

	db, err := session.OpenDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	sessions := session.NewStore(db, cfg.Enrichment.SummaryThreshold, logger)
	llm := responder.NewLLMClient(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model, logger)
	generator := responder.NewGenerator(llm, nil, responder.GeneratorOptions{
		Name:         cfg.Name,
		Instructions: cfg.Instructions,
		Timezones:    append([]string{cfg.Timezone}, cfg.ExtraTimezones...),
	}, logger)

	ctx := context.Background()
	sess, err := sessions.GetOrCreate(ctx, "terminal@local", cfg.Tenant)
	if err != nil {
		return fmt.Errorf("opening terminal session: %w", err)
	}

	turn := func(text string) error {
		history, err := sessions.RecentHistory(ctx, sess.ID, cfg.Enrichment.HistoryWindow)
		if err != nil {
			return err
		}
		material := generator.BuildContext(sess, history, text, responder.ForwardNone)
		if err := sessions.AppendTurn(ctx, sess.ID, session.RoleUser, text,
			session.WithSource("terminal")); err != nil {
			return err
		}
		reply, err := generator.Generate(ctx, material, text)
		if err != nil {
			return err
		}
		if err := sessions.AppendTurn(ctx, sess.ID, session.RoleAssistant, reply); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", cfg.Name, reply)
		return nil
	}

	if len(args) > 0 {
		return turn(args[0])
	}

	rl, err := readline.New("você> ")
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("Conversando com %s. /sair encerra, /limpar apaga o histórico.\n", cfg.Name)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/sair" || line == "/exit":
			return nil
		case line == "/limpar" || line == "/clear":
			if err := sessions.EraseHistory(ctx, "terminal@local", cfg.Tenant); err != nil {
				fmt.Printf("erro ao limpar: %v\n", err)
				continue
			}
			sess, err = sessions.GetOrCreate(ctx, "terminal@local", cfg.Tenant)
			if err != nil {
				return err
			}
			fmt.Println("Histórico apagado.")
			continue
		}

		if err := turn(line); err != nil {
			fmt.Printf("erro: %v\n", err)
		}
	}
}
