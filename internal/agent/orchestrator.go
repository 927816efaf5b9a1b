// Package agent routes every utterance: direct commands go straight to the
// messaging executor, everything else falls through to the language model
// cascade. The parse attempt always runs first so "send hello to John" never
// burns an LLM round-trip.
package agent

import (
	"context"
	"log/slog"
	"sync"

	"companion/internal/bus"
	"companion/internal/command"
	"companion/internal/domain"
	"companion/internal/metrics"
	"companion/internal/persona"
)

const (
	defaultConcurrency  = 3
	defaultHistoryLimit = 20
	defaultMaxTokens    = 512
	defaultTemperature  = 0.7
)

// Orchestrator is the conversation engine shared by all channels.
type Orchestrator struct {
	executor *command.Executor
	provider domain.Provider
	persona  *persona.Persona
	msgBus   domain.MessageBus
	events   *bus.EventBus
	logger   *slog.Logger

	concurrency  int
	historyLimit int

	mu      sync.Mutex
	history map[string][]domain.ChatMessage // per-chat rolling window, memory only
}

type OrchestratorConfig struct {
	Executor    *command.Executor
	Provider    domain.Provider // reply cascade for non-command utterances
	Persona     *persona.Persona
	Bus         domain.MessageBus
	Events      *bus.EventBus
	Logger      *slog.Logger
	Concurrency int
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Persona == nil {
		cfg.Persona = persona.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Orchestrator{
		executor:     cfg.Executor,
		provider:     cfg.Provider,
		persona:      cfg.Persona,
		msgBus:       cfg.Bus,
		events:       cfg.Events,
		logger:       cfg.Logger,
		concurrency:  cfg.Concurrency,
		historyLimit: defaultHistoryLimit,
		history:      make(map[string][]domain.ChatMessage),
	}
}

// Run consumes inbound messages from the bus with bounded concurrency.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("orchestrator started", "concurrency", o.concurrency)

	sem := make(chan struct{}, o.concurrency)
	inbound := o.msgBus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				o.logger.Info("inbound channel closed, orchestrator stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				out := o.HandleUtterance(ctx, m.ChatID, m.Content)
				out.Channel = m.Channel
				out.ChatID = m.ChatID
				o.msgBus.SendOutbound(out)
			}(msg)
		}
	}
}

// HandleUtterance processes one utterance end to end and returns the spoken
// reply with its emotion tag.
func (o *Orchestrator) HandleUtterance(ctx context.Context, chatID, text string) domain.OutboundMessage {
	metrics.UtterancesTotal.Inc()
	o.emit(bus.EventUtteranceReceived, map[string]any{"chatId": chatID})

	if text == "/clear" {
		o.Reset(chatID)
		return domain.OutboundMessage{Content: "Okay, fresh start!", Emotion: domain.EmotionNeutral}
	}

	if cmd := command.Parse(text); cmd != nil {
		metrics.CommandsTotal.Inc()
		o.emit(bus.EventCommandParsed, map[string]any{
			"domain": string(cmd.Domain),
			"action": string(cmd.Action),
		})
		res := o.executor.Execute(ctx, cmd)
		o.emit(bus.EventCommandExecuted, map[string]any{"action": string(cmd.Action)})
		o.remember(chatID, text, res.Response)
		return domain.OutboundMessage{Content: res.Response, Emotion: domain.Emotion(res.Emotion)}
	}

	return o.converse(ctx, chatID, text)
}

// converse is the LLM fall-through for utterances that are not commands.
func (o *Orchestrator) converse(ctx context.Context, chatID, text string) domain.OutboundMessage {
	if o.provider == nil {
		return domain.OutboundMessage{
			Content: "I can only help with your messages right now.",
			Emotion: domain.EmotionNeutral,
		}
	}

	msgs := []domain.ChatMessage{{Role: "system", Content: o.persona.SystemPrompt}}
	msgs = append(msgs, o.recall(chatID)...)
	msgs = append(msgs, domain.ChatMessage{Role: "user", Content: text})

	resp, err := o.provider.Chat(ctx, domain.ChatRequest{
		Messages:    msgs,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	})
	if err != nil {
		o.logger.Error("reply cascade failed", "err", err)
		o.emit(bus.EventProviderError, map[string]any{"error": err.Error()})
		return domain.OutboundMessage{
			Content: "Sorry, I'm having trouble thinking right now. Give me a moment and try again.",
			Emotion: domain.EmotionConcerned,
		}
	}

	o.remember(chatID, text, resp.Content)
	return domain.OutboundMessage{
		Content: resp.Content,
		Emotion: o.persona.Classify(resp.Content),
	}
}

// remember appends one exchange to the per-chat rolling window.
func (o *Orchestrator) remember(chatID, user, assistant string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := append(o.history[chatID],
		domain.ChatMessage{Role: "user", Content: user},
		domain.ChatMessage{Role: "assistant", Content: assistant},
	)
	if len(h) > o.historyLimit {
		h = h[len(h)-o.historyLimit:]
	}
	o.history[chatID] = h
}

func (o *Orchestrator) recall(chatID string) []domain.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.history[chatID]
	out := make([]domain.ChatMessage, len(h))
	copy(out, h)
	return out
}

// Reset drops the conversation window for one chat.
func (o *Orchestrator) Reset(chatID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.history, chatID)
}

// Greeting returns the persona's opening line, tagged happy.
func (o *Orchestrator) Greeting() domain.OutboundMessage {
	return domain.OutboundMessage{
		Content: o.persona.Greeting(),
		Emotion: domain.EmotionHappy,
	}
}

func (o *Orchestrator) emit(eventType string, payload map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Emit(bus.Event{Type: eventType, Source: "orchestrator", Payload: payload})
}
