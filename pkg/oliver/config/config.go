// Package config defines Oliver's configuration structures and the secure
// credential chain (vault, OS keyring, environment, config file).
package config

// Config holds all Oliver configuration.
type Config struct {
	// Name is the assistant name used in prompts and confirmations.
	Name string `yaml:"name"`

	// Tenant scopes sessions; a deployment serves one tenant.
	Tenant string `yaml:"tenant"`

	// Timezone is the primary reference zone (e.g. "America/Sao_Paulo").
	Timezone string `yaml:"timezone"`

	// ExtraTimezones are additional zones included in temporal grounding.
	ExtraTimezones []string `yaml:"extra_timezones"`

	// Language is the default response language (e.g. "pt-BR").
	Language string `yaml:"language"`

	// Instructions are the base system prompt instructions.
	Instructions string `yaml:"instructions"`

	// Database is the path to oliver.db.
	Database string `yaml:"database"`

	Gateway    GatewayConfig    `yaml:"gateway"`
	AI         AIConfig         `yaml:"ai"`
	Speech     SpeechConfig     `yaml:"speech"`
	Search     SearchConfig     `yaml:"search"`
	Redis      RedisConfig      `yaml:"redis"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Workers    WorkersConfig    `yaml:"workers"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// GatewayConfig configures the messaging gateway connection.
type GatewayConfig struct {
	// BaseURL is the gateway API root (e.g. "http://localhost:8080").
	BaseURL string `yaml:"base_url"`

	// APIKey is the shared secret sent in the apikey header.
	APIKey string `yaml:"api_key"`

	// Instance is the gateway instance name.
	Instance string `yaml:"instance"`

	// ListenAddr is the webhook listen address (e.g. ":8089").
	ListenAddr string `yaml:"listen_addr"`

	// Operator is the operator's address; self-chat messages from it are
	// interpreted as control commands.
	Operator string `yaml:"operator"`
}

// AIConfig configures the chat completion provider.
type AIConfig struct {
	// BaseURL is an OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// SpeechConfig configures transcription and voice synthesis.
type SpeechConfig struct {
	// Transcription (Whisper-compatible endpoint).
	TranscriptionBaseURL string `yaml:"transcription_base_url"`
	TranscriptionModel   string `yaml:"transcription_model"`

	// ElevenLabs is the primary synthesis provider.
	ElevenLabsAPIKey string `yaml:"elevenlabs_api_key"`
	ElevenLabsVoice  string `yaml:"elevenlabs_voice"`

	// OpenAI TTS is the fallback synthesis provider.
	OpenAIVoice string `yaml:"openai_voice"`
	OpenAIModel string `yaml:"openai_model"`

	// Speed is the speech rate; 0 means sentiment-adjusted default.
	Speed float64 `yaml:"speed"`
}

// SearchConfig configures live web search for time-sensitive queries.
type SearchConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxResults int  `yaml:"max_results"`
}

// RedisConfig configures the optional shared identity store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EnrichmentConfig tunes the background analysis cadence.
type EnrichmentConfig struct {
	// SummaryThreshold is the unsummarized turn count that triggers a new
	// running summary.
	SummaryThreshold int `yaml:"summary_threshold"`

	// LeadEvery reclassifies the lead every N inbound turns.
	LeadEvery int `yaml:"lead_every"`

	// HistoryWindow is how many turns go into the model context.
	HistoryWindow int `yaml:"history_window"`
}

// WorkersConfig configures the worker pool and scheduled jobs.
type WorkersConfig struct {
	// PoolSize is the number of webhook/enrichment workers.
	PoolSize int `yaml:"pool_size"`

	// QueueDepth is the buffered job capacity before load shedding.
	QueueDepth int `yaml:"queue_depth"`

	// PendingRetrySchedule is the cron spec for retrying parked replies.
	PendingRetrySchedule string `yaml:"pending_retry_schedule"`

	// PendingMaxAgeHours purges parked replies older than this.
	PendingMaxAgeHours int `yaml:"pending_max_age_hours"`

	// Reengagement nudges idle contacts when enabled.
	ReengagementEnabled  bool   `yaml:"reengagement_enabled"`
	ReengagementSchedule string `yaml:"reengagement_schedule"`
	ReengagementIdleHrs  int    `yaml:"reengagement_idle_hours"`
	ReengagementMax      int    `yaml:"reengagement_max_nudges"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:         "Oliver",
		Tenant:       "default",
		Timezone:     "America/Sao_Paulo",
		Language:     "pt-BR",
		Instructions: "Você é o Oliver, assistente de atendimento da empresa. Seja cordial, direto e útil.",
		Database:     "./data/oliver.db",
		Gateway: GatewayConfig{
			BaseURL:    "http://localhost:8080",
			Instance:   "oliver",
			ListenAddr: ":8089",
		},
		AI: AIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Speech: SpeechConfig{
			TranscriptionBaseURL: "https://api.openai.com/v1",
			TranscriptionModel:   "whisper-1",
			ElevenLabsVoice:      "",
			OpenAIVoice:          "nova",
			OpenAIModel:          "tts-1",
		},
		Search: SearchConfig{
			Enabled:    true,
			MaxResults: 3,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Enrichment: EnrichmentConfig{
			SummaryThreshold: 20,
			LeadEvery:        5,
			HistoryWindow:    10,
		},
		Workers: WorkersConfig{
			PoolSize:             8,
			QueueDepth:           256,
			PendingRetrySchedule: "* * * * *",
			PendingMaxAgeHours:   48,
			ReengagementSchedule: "0 * * * *",
			ReengagementIdleHrs:  24,
			ReengagementMax:      2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
