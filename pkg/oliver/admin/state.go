// Package admin implementa os controles do operador: pausa/retomada do
// bot, modo de resposta (áudio/texto/auto) e flag de debug. O estado é um
// registro único injetado na construção do pipeline, sem singleton global.
//
// Comandos chegam pelo self-chat do operador, com prefixo "/" ou em
// linguagem natural, sempre case-insensitive.
package admin

import (
	"fmt"
	"strings"
	"sync"
)

// Mode define como as respostas são entregues.
type Mode string

const (
	ModeAudio Mode = "audio" // sempre voz
	ModeText  Mode = "text"  // sempre texto
	ModeAuto  Mode = "auto"  // espelha a modalidade recebida
)

// Command é um comando do operador já interpretado.
type Command struct {
	Name string // "mode", "pause", "resume", "status", "help", "debug"
	Arg  string // argumento opcional ("audio", "on", ...)
}

// State guarda as preferências do operador pelo tempo de vida do processo.
// Não persiste: reinício volta ao padrão. O mutex existe porque handlers
// HTTP rodam em múltiplas goroutines.
type State struct {
	mu       sync.RWMutex
	operator string // endereço do operador, só dígitos
	mode     Mode
	paused   bool
	debug    bool
}

// NewState cria o estado com o endereço do operador configurado.
func NewState(operatorAddress string) *State {
	return &State{
		operator: digitsOnly(operatorAddress),
		mode:     ModeAuto,
	}
}

// IsOperator compara endereços normalizados para só dígitos.
func (s *State) IsOperator(address string) bool {
	d := digitsOnly(address)
	return d != "" && d == s.operator
}

// IsPaused informa se o atendimento automático está pausado.
func (s *State) IsPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// Debug informa se o modo debug está ligado.
func (s *State) Debug() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.debug
}

// Mode retorna o modo de resposta atual.
func (s *State) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// ShouldUseAudio decide a modalidade da resposta: áudio sempre no modo
// audio, nunca no modo text, e espelha a entrada no modo auto.
func (s *State) ShouldUseAudio(wasInboundAudio bool) bool {
	switch s.Mode() {
	case ModeAudio:
		return true
	case ModeText:
		return false
	default:
		return wasInboundAudio
	}
}

// comandos em linguagem natural, já normalizados.
var naturalIntents = map[string]Command{
	"pausa":              {Name: "pause"},
	"pausar":             {Name: "pause"},
	"pausar oliver":      {Name: "pause"},
	"para":               {Name: "pause"},
	"voltar":             {Name: "resume"},
	"retomar":            {Name: "resume"},
	"volta oliver":       {Name: "resume"},
	"modo audio":         {Name: "mode", Arg: "audio"},
	"responder em audio": {Name: "mode", Arg: "audio"},
	"so audio":           {Name: "mode", Arg: "audio"},
	"modo texto":         {Name: "mode", Arg: "text"},
	"responder em texto": {Name: "mode", Arg: "text"},
	"so texto":           {Name: "mode", Arg: "text"},
	"modo auto":          {Name: "mode", Arg: "auto"},
	"modo automatico":    {Name: "mode", Arg: "auto"},
	"status":             {Name: "status"},
	"ajuda":              {Name: "help"},
}

// ParseCommand interpreta o texto do operador. Retorna false quando o
// texto não é um comando (e deve seguir como conversa normal).
func ParseCommand(text string) (Command, bool) {
	norm := normalize(text)
	if norm == "" {
		return Command{}, false
	}

	if strings.HasPrefix(norm, "/") {
		fields := strings.Fields(strings.TrimPrefix(norm, "/"))
		if len(fields) == 0 {
			return Command{}, false
		}
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}
		switch fields[0] {
		case "pause", "pausa", "pausar":
			return Command{Name: "pause"}, true
		case "resume", "retomar", "voltar":
			return Command{Name: "resume"}, true
		case "mode", "modo":
			return Command{Name: "mode", Arg: canonicalMode(arg)}, true
		case "audio":
			return Command{Name: "mode", Arg: "audio"}, true
		case "texto", "text":
			return Command{Name: "mode", Arg: "text"}, true
		case "auto":
			return Command{Name: "mode", Arg: "auto"}, true
		case "status":
			return Command{Name: "status"}, true
		case "help", "ajuda":
			return Command{Name: "help"}, true
		case "debug":
			return Command{Name: "debug", Arg: arg}, true
		}
		return Command{}, false
	}

	if cmd, ok := naturalIntents[norm]; ok {
		return cmd, true
	}
	return Command{}, false
}

// Apply executa o comando e devolve a confirmação para o operador.
func (s *State) Apply(cmd Command) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Name {
	case "pause":
		s.paused = true
		return "⏸️ Oliver pausado. As mensagens continuam sendo registradas, mas ninguém recebe resposta automática. Mande /resume para retomar."
	case "resume":
		s.paused = false
		return "▶️ Oliver ativo novamente. Respostas automáticas retomadas."
	case "mode":
		switch canonicalMode(cmd.Arg) {
		case "audio":
			s.mode = ModeAudio
			return "🔊 Modo de resposta: áudio. Todas as respostas saem como mensagem de voz."
		case "text":
			s.mode = ModeText
			return "💬 Modo de resposta: texto. Todas as respostas saem como texto."
		case "auto":
			s.mode = ModeAuto
			return "🔁 Modo de resposta: automático. Áudio responde áudio, texto responde texto."
		default:
			return "Modo não reconhecido. Use /modo audio, /modo texto ou /modo auto."
		}
	case "debug":
		s.debug = cmd.Arg == "on" || cmd.Arg == "1"
		if s.debug {
			return "🐞 Debug ligado."
		}
		return "Debug desligado."
	case "status":
		return s.statusLocked()
	case "help":
		return "Comandos: /pause, /resume, /modo audio|texto|auto, /status, /debug on|off, /ajuda"
	}
	return "Comando não reconhecido. Mande /ajuda para ver as opções."
}

func (s *State) statusLocked() string {
	estado := "ativo ▶️"
	if s.paused {
		estado = "pausado ⏸️"
	}
	modo := map[Mode]string{
		ModeAudio: "áudio",
		ModeText:  "texto",
		ModeAuto:  "automático",
	}[s.mode]
	return fmt.Sprintf("Oliver está %s | modo de resposta: %s | debug: %v", estado, modo, s.debug)
}

// normalize baixa caixa, tira espaços e remove acentos comuns para casar
// "áudio"/"audio" e "automático"/"automatico".
func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	r := strings.NewReplacer(
		"á", "a", "à", "a", "ã", "a", "â", "a",
		"é", "e", "ê", "e",
		"í", "i",
		"ó", "o", "õ", "o", "ô", "o",
		"ú", "u", "ü", "u",
		"ç", "c",
	)
	return r.Replace(text)
}

func canonicalMode(arg string) string {
	switch normalize(arg) {
	case "audio", "voz":
		return "audio"
	case "texto", "text":
		return "text"
	case "auto", "automatico":
		return "auto"
	}
	return arg
}

func digitsOnly(address string) string {
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
