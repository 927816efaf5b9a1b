package provider

import (
	"context"
	"errors"
	"testing"

	"companion/internal/domain"
)

// stubProvider is a scriptable in-memory provider.
type stubProvider struct {
	name      string
	reply     string
	chatErr   error
	healthErr error
	calls     int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Healthy(ctx context.Context) error { return s.healthErr }

func (s *stubProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	s.calls++
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	return &domain.ChatResponse{Content: s.reply, FinishReason: "stop"}, nil
}

func TestFailover_FirstProviderWins(t *testing.T) {
	first := &stubProvider{name: "a", reply: "from a"}
	second := &stubProvider{name: "b", reply: "from b"}
	fp := NewFailoverProvider([]domain.Provider{first, second}, nil)

	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "from a" {
		t.Fatalf("content = %q, want from a", resp.Content)
	}
	if second.calls != 0 {
		t.Fatal("second provider must not be called when the first succeeds")
	}
}

func TestFailover_FallsThroughInOrder(t *testing.T) {
	first := &stubProvider{name: "a", chatErr: errors.New("down")}
	second := &stubProvider{name: "b", chatErr: errors.New("also down")}
	third := &stubProvider{name: "c", reply: "from c"}
	fp := NewFailoverProvider([]domain.Provider{first, second, third}, nil)

	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "from c" {
		t.Fatalf("content = %q, want from c", resp.Content)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("earlier providers tried %d/%d times, want 1/1", first.calls, second.calls)
	}
}

func TestFailover_AllFail(t *testing.T) {
	last := errors.New("quota exceeded")
	fp := NewFailoverProvider([]domain.Provider{
		&stubProvider{name: "a", chatErr: errors.New("down")},
		&stubProvider{name: "b", chatErr: last},
	}, nil)

	_, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	if !errors.Is(err, last) {
		t.Fatalf("err = %v, want wrapped last error", err)
	}
}

func TestFailover_HealthyIfAnyHealthy(t *testing.T) {
	fp := NewFailoverProvider([]domain.Provider{
		&stubProvider{name: "a", healthErr: errors.New("down")},
		&stubProvider{name: "b"},
	}, nil)

	if err := fp.Healthy(context.Background()); err != nil {
		t.Fatalf("healthy: %v", err)
	}

	fp = NewFailoverProvider([]domain.Provider{
		&stubProvider{name: "a", healthErr: errors.New("down")},
	}, nil)
	if err := fp.Healthy(context.Background()); err == nil {
		t.Fatal("expected unhealthy chain to report an error")
	}
}

func TestFailover_Name(t *testing.T) {
	fp := NewFailoverProvider([]domain.Provider{
		&stubProvider{name: "openai"},
		&stubProvider{name: "ollama"},
	}, nil)
	if got := fp.Name(); got != "failover(openai,ollama)" {
		t.Fatalf("name = %q", got)
	}
}
