package responder

import "testing"

func TestIsRealName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Mariana Souza", true},
		{"José", true},
		{"Ana-Clara D'Ávila", true},
		{"", false},
		{".", false},
		{"iPhone", false},
		{"Usuário", false},
		{"WhatsApp User", false},
		{"5511999990000", false},
		{"João 11 98888-7777", false},
		{"🔥🔥🔥", false},
		{"M", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRealName(tt.name); got != tt.want {
				t.Errorf("IsRealName(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Bom dia, qual o horário de vocês?", "pt"},
		{"Quanto custa o plano? Obrigado", "pt"},
		{"Hello, how much is the monthly plan? Thanks", "en"},
		{"Hola, cuánto cuesta el plan? Gracias", "es"},
		{"ok", "pt"}, // no signal defaults to pt
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := DetectLanguage(tt.text); got != tt.want {
				t.Errorf("DetectLanguage(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestDetectSentiment(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"isso é um absurdo, ninguém responde", SentimentFrustrated},
		{"perfeito, muito obrigado!", SentimentHappy},
		{"não entendi, pode explicar?", SentimentConfused},
		{"preciso disso urgente", SentimentUrgent},
		{"qual o horário de vocês?", SentimentNeutral},
		// Urgency outranks mood when both appear.
		{"obrigado, mas preciso urgente", SentimentUrgent},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := DetectSentiment(tt.text); got != tt.want {
				t.Errorf("DetectSentiment(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestNeedsLiveContext(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"quanto custa o dólar hoje?", true},
		{"qual a cotação do bitcoin agora?", true},
		{"como está o clima em Campinas?", true},
		{"qual o horário de atendimento?", false},
		{"quero saber mais sobre o plano anual", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := NeedsLiveContext(tt.text); got != tt.want {
				t.Errorf("NeedsLiveContext(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
