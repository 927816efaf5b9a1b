package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			DefaultProvider:       "ollama",
			MaxConcurrentMessages: 5,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Channels: ChannelsConfig{
			Web: WebConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8080,
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		WhatsApp: WhatsAppConfig{
			Enabled:     true,
			ProfileDir:  "~/.companion/chrome-profiles/whatsapp",
			Headless:    true,
			AutoConnect: false,
		},
		Speech: SpeechConfig{
			Transcription: TranscriptionConfig{
				Enabled: false,
				Model:   "whisper-large-v3",
			},
			Synthesis: SynthesisConfig{
				Enabled:  false,
				Provider: "openai",
				Model:    "tts-1",
				Voice:    "nova",
				Speed:    1.0,
			},
		},
		Persona: PersonaConfig{},
		Session: SessionConfig{
			DBPath:        "~/.companion/session.db",
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
