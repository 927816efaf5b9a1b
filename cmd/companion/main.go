package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"companion/internal/agent"
	"companion/internal/bus"
	"companion/internal/channel"
	"companion/internal/command"
	"companion/internal/config"
	"companion/internal/domain"
	"companion/internal/persona"
	"companion/internal/provider"
	"companion/internal/session"
	"companion/internal/whatsapp"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "companion",
		Short: "Companion: a voice assistant that runs your WhatsApp",
		Long:  "Companion listens to natural-language requests, handles WhatsApp commands directly, and chats through a local or remote LLM for everything else.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.companion/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(connectCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// applyLogConfig rebuilds the process logger from general.logLevel/logFile.
func applyLogConfig(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := io.Writer(os.Stderr)
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			out = f
		}
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func loadConfigOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

// runtime bundles the wired core shared by serve and chat.
type runtime struct {
	cfg          *config.Config
	bus          *bus.InMemoryBus
	events       *bus.EventBus
	journal      *session.Journal
	adapter      *whatsapp.Adapter
	orchestrator *agent.Orchestrator
	transcriber  *provider.WhisperProvider
	synthesizer  *provider.TTSProvider
}

// buildRuntime wires the session journal, the WhatsApp adapter, the provider
// cascade and the orchestrator. Callers own shutdown via rt.close().
func buildRuntime(cfg *config.Config) (*runtime, error) {
	rt := &runtime{
		cfg:    cfg,
		bus:    bus.New(100, logger),
		events: bus.NewEventBus(logger),
	}

	journal, err := session.NewJournal(cfg.Session.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("session journal: %w", err)
	}
	rt.journal = journal

	if cfg.WhatsApp.Enabled {
		rt.adapter = whatsapp.NewAdapter(whatsapp.AdapterConfig{
			Factory: func() domain.MessagingClient {
				return whatsapp.NewWebClient(whatsapp.WebClientConfig{
					ProfileDir: cfg.WhatsApp.ProfileDir,
					Headless:   cfg.WhatsApp.Headless,
					Logger:     logger,
				})
			},
			Logger: logger,
			Sink:   journal,
		})
	}

	provFactory := provider.NewFactory(cfg, logger)
	prov, err := provFactory.Cascade()
	if err != nil {
		logger.Warn("no usable provider, conversation disabled", "err", err)
		prov = nil
	}

	p, err := persona.Load(cfg.Persona.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("persona: %w", err)
	}

	var bridge command.Bridge
	if rt.adapter != nil {
		bridge = rt.adapter
	}
	rt.orchestrator = agent.NewOrchestrator(agent.OrchestratorConfig{
		Executor:    command.NewExecutor(command.ExecutorConfig{Bridge: bridge, Logger: logger}),
		Provider:    prov,
		Persona:     p,
		Bus:         rt.bus,
		Events:      rt.events,
		Logger:      logger,
		Concurrency: cfg.General.MaxConcurrentMessages,
	})

	if cfg.Speech.Transcription.Enabled {
		rt.transcriber = provider.NewWhisperProvider(provider.WhisperConfig{
			APIBase:  cfg.Speech.Transcription.APIBase,
			APIKey:   cfg.Speech.Transcription.APIKey,
			Model:    cfg.Speech.Transcription.Model,
			Language: cfg.Speech.Transcription.Language,
			Logger:   logger,
		})
	}
	if cfg.Speech.Synthesis.Enabled {
		rt.synthesizer = provider.NewTTSProvider(provider.TTSConfig{
			Provider: cfg.Speech.Synthesis.Provider,
			APIBase:  cfg.Speech.Synthesis.APIBase,
			APIKey:   cfg.Speech.Synthesis.APIKey,
			Model:    cfg.Speech.Synthesis.Model,
			Voice:    cfg.Speech.Synthesis.Voice,
			Speed:    cfg.Speech.Synthesis.Speed,
			Logger:   logger,
		})
	}

	return rt, nil
}

func (rt *runtime) close() {
	rt.bus.Close()
	if rt.journal != nil {
		rt.journal.Close()
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat (CLI)",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfigOrDefaults()
	applyLogConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	go rt.orchestrator.Run(ctx)

	cliCh := channel.NewCLI(channel.CLIConfig{Logger: logger})
	return cliCh.Start(ctx, rt.bus)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the companion service (Web API + Telegram + orchestrator)",
		Long:  "Starts all enabled channels and the conversation orchestrator. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	go rt.orchestrator.Run(ctx)

	if rt.adapter != nil && cfg.WhatsApp.AutoConnect {
		go func() {
			st, err := rt.adapter.Connect(ctx)
			if err != nil {
				logger.Error("whatsapp auto-connect failed", "err", err)
				return
			}
			logger.Info("whatsapp auto-connect", "status", st.Phase)
		}()
	}

	var telegramCh *channel.Telegram
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		telegramCh = channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Bridge:    bridgeOrNil(rt.adapter),
			Logger:    logger,
		})
		go func() {
			if err := telegramCh.Start(ctx, rt.bus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	var webCh *channel.Web
	if cfg.Channels.Web.Enabled {
		webCh = channel.NewWeb(channel.WebChannelConfig{
			Host:        cfg.Channels.Web.Host,
			Port:        cfg.Channels.Web.Port,
			Logger:      logger,
			Bridge:      bridgeOrNil(rt.adapter),
			Transcriber: transcriberOrNil(rt.transcriber),
			Synthesizer: synthesizerOrNil(rt.synthesizer),
			Journal:     rt.journal,
			Config:      cfg,
			ConfigPath:  cfgPath,
			Version:     version,
		})
		go func() {
			if err := webCh.Start(ctx, rt.bus); err != nil {
				logger.Error("web channel error", "err", err)
			}
		}()
	}

	logger.Info("companion started. Press Ctrl+C to stop.")

	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if telegramCh != nil {
			telegramCh.Stop()
		}
		if webCh != nil {
			webCh.Stop()
		}
		if rt.adapter != nil {
			rt.adapter.Logout(context.Background())
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// bridgeOrNil keeps a typed-nil *Adapter from sneaking into the interface.
func bridgeOrNil(a *whatsapp.Adapter) channel.WhatsAppBridge {
	if a == nil {
		return nil
	}
	return a
}

func transcriberOrNil(w *provider.WhisperProvider) channel.Transcriber {
	if w == nil {
		return nil
	}
	return w
}

func synthesizerOrNil(t *provider.TTSProvider) channel.Synthesizer {
	if t == nil {
		return nil
	}
	return t
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect WhatsApp and print the QR code flow",
		Long:  "Initializes the WhatsApp session. If the saved session is gone you'll be asked to scan a QR code from the opened browser window.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			if !cfg.WhatsApp.Enabled {
				return fmt.Errorf("whatsapp is disabled in config")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			journal, err := session.NewJournal(cfg.Session.DBPath, logger)
			if err != nil {
				return err
			}
			defer journal.Close()

			adapter := whatsapp.NewAdapter(whatsapp.AdapterConfig{
				Factory: func() domain.MessagingClient {
					return whatsapp.NewWebClient(whatsapp.WebClientConfig{
						ProfileDir: cfg.WhatsApp.ProfileDir,
						// Force a visible window so the QR can be scanned.
						Headless: false,
						Logger:   logger,
					})
				},
				Logger: logger,
				Sink:   journal,
			})

			st, err := adapter.Connect(ctx)
			if err != nil {
				return err
			}
			switch st.Phase {
			case domain.PhaseQRPending:
				fmt.Println("Scan the QR code in the opened browser window with your phone.")
				fmt.Println("Waiting for authentication (Ctrl+C to abort)...")
				for !adapter.Connected() {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(2 * time.Second):
					}
				}
				fmt.Println("Connected!")
			case domain.PhaseReady, domain.PhaseAuthenticated:
				fmt.Println("Already connected.")
			default:
				fmt.Printf("Connection state: %s\n", st.Phase)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			ctx := context.Background()
			factory := provider.NewFactory(cfg, logger)
			prov := factory.HealthyProvider(ctx)
			if prov != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			} else {
				logger.Info("provider", "healthy", false)
			}

			journal, err := session.NewJournal(cfg.Session.DBPath, logger)
			if err != nil {
				return err
			}
			defer journal.Close()
			phase, err := journal.LastPhase(ctx)
			if err != nil {
				return err
			}
			logger.Info("whatsapp", "last_recorded_phase", phase)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.defaultProvider)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. whatsapp.headless false)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
