// Package commands implementa os comandos CLI do Oliver usando cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd cria o comando raiz do CLI com todos os subcomandos registrados.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oliver",
		Short: "Oliver - Atendente conversacional para WhatsApp",
		Long: `Oliver é um atendente conversacional que responde contatos do WhatsApp
via gateway HTTP, com sessões persistentes, voz e qualificação de leads.

Exemplos:
  oliver serve
  oliver setup
  oliver chat "qual o horário de atendimento?"
  oliver config show`,
		Version: version,
	}

	// Registra subcomandos.
	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newChatCmd(),
	)

	// Flags globais.
	rootCmd.PersistentFlags().StringP("config", "c", "", "caminho para o arquivo de configuração")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "habilita logs detalhados")

	return rootCmd
}
