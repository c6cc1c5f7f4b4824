package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hubautomacao/oliver/pkg/oliver/config"
)

// newConfigCmd cria o comando `oliver config` e seus subcomandos.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Gerencia a configuração e as credenciais",
	}
	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
		newConfigVaultSetCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Escreve um config.yaml com os padrões",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := "config.yaml"
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s já existe, não vou sobrescrever", path)
			}
			if err := config.SaveToFile(config.DefaultConfig(), path); err != nil {
				return fmt.Errorf("salvando configuração: %w", err)
			}
			fmt.Printf("Configuração padrão escrita em %s.\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Mostra a configuração carregada, com segredos mascarados",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			cfg.AI.APIKey = maskSecret(cfg.AI.APIKey)
			cfg.Gateway.APIKey = maskSecret(cfg.Gateway.APIKey)
			cfg.Speech.ElevenLabsAPIKey = maskSecret(cfg.Speech.ElevenLabsAPIKey)

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("serializando configuração: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

// secretNames mapeia os apelidos aceitos na linha de comando.
var secretNames = map[string]string{
	"ai":         config.SecretAIKey,
	"gateway":    config.SecretGatewayKey,
	"elevenlabs": config.SecretElevenLabsKey,
}

func resolveSecretName(arg string) (string, error) {
	name, ok := secretNames[strings.ToLower(arg)]
	if !ok {
		return "", fmt.Errorf("segredo desconhecido %q (use: ai, gateway, elevenlabs)", arg)
	}
	return name, nil
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <ai|gateway|elevenlabs>",
		Short: "Guarda uma chave de API no keyring do sistema",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name, err := resolveSecretName(args[0])
			if err != nil {
				return err
			}
			if !config.KeyringAvailable() {
				return fmt.Errorf("keyring do sistema indisponível; use `oliver config vault-set`")
			}
			value, err := config.ReadPassword(fmt.Sprintf("Valor de %s: ", name))
			if err != nil {
				return fmt.Errorf("lendo chave: %w", err)
			}
			if err := config.StoreKeyring(name, value); err != nil {
				return fmt.Errorf("gravando no keyring: %w", err)
			}
			fmt.Printf("Chave %s gravada no keyring.\n", name)
			return nil
		},
	}
}

func newConfigVaultSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vault-set <ai|gateway|elevenlabs>",
		Short: "Guarda uma chave de API no vault criptografado",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name, err := resolveSecretName(args[0])
			if err != nil {
				return err
			}

			password, err := config.ReadPassword("Senha do vault: ")
			if err != nil {
				return fmt.Errorf("lendo senha: %w", err)
			}
			vault := config.NewVault(config.VaultFile)
			if vault.Exists() {
				if err := vault.Unlock(password); err != nil {
					return fmt.Errorf("abrindo vault: %w", err)
				}
			} else if err := vault.Create(password); err != nil {
				return fmt.Errorf("criando vault: %w", err)
			}
			defer vault.Lock()

			value, err := config.ReadPassword(fmt.Sprintf("Valor de %s: ", name))
			if err != nil {
				return fmt.Errorf("lendo chave: %w", err)
			}
			if err := vault.Set(name, value); err != nil {
				return fmt.Errorf("gravando no vault: %w", err)
			}
			fmt.Printf("Chave %s gravada no vault.\n", name)
			return nil
		},
	}
}

// maskSecret esconde o valor mantendo só um sufixo para identificação.
func maskSecret(s string) string {
	if s == "" || config.IsEnvReference(s) {
		return s
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
