package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"companion/internal/bus"
	"companion/internal/command"
	"companion/internal/domain"
)

type fakeBridge struct {
	sentTarget string
	sentBody   string
	sendName   string
	sendErr    error
	unread     []domain.Message
}

func (f *fakeBridge) Connected() bool { return true }

func (f *fakeBridge) ListUnread(ctx context.Context) ([]domain.Message, error) {
	return f.unread, nil
}

func (f *fakeBridge) ListFromContact(ctx context.Context, contact string, limit int) ([]domain.Message, error) {
	return nil, nil
}

func (f *fakeBridge) Send(ctx context.Context, target, body string) (string, error) {
	f.sentTarget, f.sentBody = target, body
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if f.sendName != "" {
		return f.sendName, nil
	}
	return target, nil
}

func (f *fakeBridge) Reply(ctx context.Context, messageID, body string) error { return nil }

type scriptedProvider struct {
	reply string
	err   error
	calls int
}

func (s *scriptedProvider) Name() string                          { return "scripted" }
func (s *scriptedProvider) Healthy(ctx context.Context) error     { return nil }
func (s *scriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ChatResponse{Content: s.reply, FinishReason: "stop"}, nil
}

func newTestOrchestrator(bridge *fakeBridge, provider domain.Provider) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		Executor: command.NewExecutor(command.ExecutorConfig{Bridge: bridge}),
		Provider: provider,
	})
}

func TestHandleUtterance_CommandBypassesLLM(t *testing.T) {
	bridge := &fakeBridge{sendName: "John Smith"}
	provider := &scriptedProvider{reply: "should not be used"}
	o := newTestOrchestrator(bridge, provider)

	out := o.HandleUtterance(context.Background(), "c1", "send hello to John")

	if provider.calls != 0 {
		t.Fatal("direct command must not reach the LLM")
	}
	if bridge.sentTarget != "John" || bridge.sentBody != "hello" {
		t.Fatalf("bridge got (%q, %q)", bridge.sentTarget, bridge.sentBody)
	}
	if !strings.Contains(out.Content, "John Smith") || out.Emotion != domain.EmotionHappy {
		t.Fatalf("out = %+v", out)
	}
}

func TestHandleUtterance_FallsThroughToLLM(t *testing.T) {
	provider := &scriptedProvider{reply: "The sky is blue because of Rayleigh scattering."}
	o := newTestOrchestrator(&fakeBridge{}, provider)

	out := o.HandleUtterance(context.Background(), "c1", "why is the sky blue?")

	if provider.calls != 1 {
		t.Fatalf("provider called %d times, want 1", provider.calls)
	}
	if out.Content != provider.reply {
		t.Fatalf("content = %q", out.Content)
	}
	if out.Emotion != domain.EmotionNeutral {
		t.Fatalf("emotion = %s, want neutral", out.Emotion)
	}
}

func TestHandleUtterance_ProviderFailureIsSpoken(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("all providers in failover chain failed")}
	o := newTestOrchestrator(&fakeBridge{}, provider)

	out := o.HandleUtterance(context.Background(), "c1", "tell me a story")

	if out.Emotion != domain.EmotionConcerned {
		t.Fatalf("emotion = %s, want concerned", out.Emotion)
	}
	if strings.Contains(out.Content, "failover") {
		t.Fatalf("raw error leaked to the user: %q", out.Content)
	}
}

func TestHandleUtterance_NoProviderConfigured(t *testing.T) {
	o := newTestOrchestrator(&fakeBridge{}, nil)

	out := o.HandleUtterance(context.Background(), "c1", "how are you?")
	if out.Content == "" || out.Emotion != domain.EmotionNeutral {
		t.Fatalf("out = %+v", out)
	}
}

func TestHistoryWindowIsBounded(t *testing.T) {
	provider := &scriptedProvider{reply: "ok"}
	o := newTestOrchestrator(&fakeBridge{}, provider)
	o.historyLimit = 4

	for i := 0; i < 10; i++ {
		o.HandleUtterance(context.Background(), "c1", "tell me something nice")
	}

	if got := len(o.recall("c1")); got != 4 {
		t.Fatalf("history length = %d, want 4", got)
	}
}

func TestHistoryIsPerChat(t *testing.T) {
	provider := &scriptedProvider{reply: "ok"}
	o := newTestOrchestrator(&fakeBridge{}, provider)

	o.HandleUtterance(context.Background(), "c1", "hello there")
	o.HandleUtterance(context.Background(), "c2", "hi")

	if len(o.recall("c1")) != 2 || len(o.recall("c2")) != 2 {
		t.Fatalf("history lengths: c1=%d c2=%d", len(o.recall("c1")), len(o.recall("c2")))
	}

	o.Reset("c1")
	if len(o.recall("c1")) != 0 {
		t.Fatal("reset did not clear c1")
	}
	if len(o.recall("c2")) != 2 {
		t.Fatal("reset cleared the wrong chat")
	}
}

func TestRun_RoutesThroughBus(t *testing.T) {
	bridge := &fakeBridge{sendName: "Sarah Connor"}
	o := newTestOrchestrator(bridge, &scriptedProvider{reply: "ok"})

	b := bus.New(10, nil)
	o.msgBus = b

	got := make(chan domain.OutboundMessage, 1)
	b.OnOutbound("web", func(m domain.OutboundMessage) { got <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	b.Publish(domain.InboundMessage{Channel: "web", ChatID: "c1", Content: "send hi to Sarah"})

	out := <-got
	if out.Channel != "web" || out.ChatID != "c1" {
		t.Fatalf("routing lost: %+v", out)
	}
	if !strings.Contains(out.Content, "Sarah Connor") {
		t.Fatalf("content = %q", out.Content)
	}
}

func TestGreeting(t *testing.T) {
	o := newTestOrchestrator(&fakeBridge{}, nil)
	g := o.Greeting()
	if g.Content == "" || g.Emotion != domain.EmotionHappy {
		t.Fatalf("greeting = %+v", g)
	}
}
