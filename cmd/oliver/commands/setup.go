package commands

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/hubautomacao/oliver/pkg/oliver/config"
)

// newSetupCmd creates the `oliver setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Assistente interativo de configuração",
		Long: `Inicia um assistente interativo que cria o config.yaml inicial.
Pergunta nome, gateway, número do operador, modelo e voz. Chaves de API vão
para um vault criptografado (AES-256-GCM) ou para o keyring do sistema,
nunca em texto plano no arquivo.

Exemplos:
  oliver setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()

	var (
		aiKey      string
		gatewayKey string
		useVoice   bool
		elevenKey  string
		keyStorage string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Nome do atendente").
				Description("Aparece nos prompts e nas confirmações.").
				Value(&cfg.Name),
			huh.NewInput().
				Title("Tenant").
				Description("Identificador do cliente desta instalação.").
				Value(&cfg.Tenant),
			huh.NewInput().
				Title("Número do operador").
				Description("Com DDI, só dígitos (ex: 5511999998888). Comandos no chat consigo mesmo controlam o Oliver.").
				Value(&cfg.Gateway.Operator),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("URL do gateway").
				Description("Raiz da API Evolution (ex: http://localhost:8080).").
				Value(&cfg.Gateway.BaseURL),
			huh.NewInput().
				Title("Instância do gateway").
				Value(&cfg.Gateway.Instance),
			huh.NewInput().
				Title("Chave do gateway").
				EchoMode(huh.EchoModePassword).
				Value(&gatewayKey),
			huh.NewInput().
				Title("Endereço do webhook").
				Description("Onde o Oliver escuta os eventos (ex: :8089).").
				Value(&cfg.Gateway.ListenAddr),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Modelo de chat").
				Options(
					huh.NewOption("gpt-4o-mini (rápido e barato)", "gpt-4o-mini"),
					huh.NewOption("gpt-4o", "gpt-4o"),
				).
				Value(&cfg.AI.Model),
			huh.NewInput().
				Title("Chave da API de IA").
				EchoMode(huh.EchoModePassword).
				Value(&aiKey),
			huh.NewConfirm().
				Title("Habilitar respostas em voz?").
				Value(&useVoice),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelado: %w", err)
	}

	if useVoice {
		voiceForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Chave da ElevenLabs (vazio usa só OpenAI TTS)").
				EchoMode(huh.EchoModePassword).
				Value(&elevenKey),
			huh.NewInput().
				Title("Voz da ElevenLabs (voice id)").
				Value(&cfg.Speech.ElevenLabsVoice),
		))
		if err := voiceForm.Run(); err != nil {
			return fmt.Errorf("setup cancelado: %w", err)
		}
	}

	storageOptions := []huh.Option[string]{
		huh.NewOption("Vault criptografado (.oliver.vault)", "vault"),
		huh.NewOption("Variáveis de ambiente (você define depois)", "env"),
	}
	if config.KeyringAvailable() {
		storageOptions = append([]huh.Option[string]{
			huh.NewOption("Keyring do sistema operacional", "keyring"),
		}, storageOptions...)
	}
	storageForm := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Onde guardar as chaves?").
			Options(storageOptions...).
			Value(&keyStorage),
	))
	if err := storageForm.Run(); err != nil {
		return fmt.Errorf("setup cancelado: %w", err)
	}

	if err := storeSecrets(keyStorage, aiKey, gatewayKey, elevenKey, cfg); err != nil {
		return err
	}

	path := "config.yaml"
	if err := config.SaveToFile(cfg, path); err != nil {
		return fmt.Errorf("salvando configuração: %w", err)
	}

	fmt.Println()
	fmt.Printf("Configuração salva em %s.\n", path)
	fmt.Println("Aponte o webhook do gateway para este servidor e rode: oliver serve")
	return nil
}

// storeSecrets grava as chaves no destino escolhido e deixa no config só
// referências, nunca o valor.
func storeSecrets(storage, aiKey, gatewayKey, elevenKey string, cfg *config.Config) error {
	secrets := []struct {
		name  string
		value string
		slot  *string
		env   string
	}{
		{config.SecretAIKey, aiKey, &cfg.AI.APIKey, "${OPENAI_API_KEY}"},
		{config.SecretGatewayKey, gatewayKey, &cfg.Gateway.APIKey, "${EVOLUTION_API_KEY}"},
		{config.SecretElevenLabsKey, elevenKey, &cfg.Speech.ElevenLabsAPIKey, "${ELEVENLABS_API_KEY}"},
	}

	switch storage {
	case "vault":
		password, err := config.ReadPassword("Senha do vault: ")
		if err != nil {
			return fmt.Errorf("lendo senha: %w", err)
		}
		vault := config.NewVault(config.VaultFile)
		if vault.Exists() {
			if err := vault.Unlock(password); err != nil {
				return fmt.Errorf("abrindo vault existente: %w", err)
			}
		} else if err := vault.Create(password); err != nil {
			return fmt.Errorf("criando vault: %w", err)
		}
		defer vault.Lock()
		for _, s := range secrets {
			if s.value == "" {
				continue
			}
			if err := vault.Set(s.name, s.value); err != nil {
				return fmt.Errorf("gravando %s no vault: %w", s.name, err)
			}
			*s.slot = ""
		}
		fmt.Println("Chaves gravadas no vault criptografado.")

	case "keyring":
		for _, s := range secrets {
			if s.value == "" {
				continue
			}
			if err := config.StoreKeyring(s.name, s.value); err != nil {
				return fmt.Errorf("gravando %s no keyring: %w", s.name, err)
			}
			*s.slot = ""
		}
		fmt.Println("Chaves gravadas no keyring do sistema.")

	default:
		// Deixa placeholders de ambiente no arquivo.
		for _, s := range secrets {
			*s.slot = s.env
		}
		fmt.Fprintln(os.Stderr, "Defina as variáveis de ambiente antes de rodar o serve.")
	}
	return nil
}
