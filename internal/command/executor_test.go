package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"companion/internal/domain"
)

// fakeBridge implements Bridge for executor tests.
type fakeBridge struct {
	connected bool
	unread    []domain.Message
	byContact map[string][]domain.Message
	sendErr   error
	replyErr  error

	sentTo   string
	sentBody string
	repliedTo string
	replyBody string

	fromContactCalls int
}

func (f *fakeBridge) Connected() bool { return f.connected }

func (f *fakeBridge) ListUnread(ctx context.Context) ([]domain.Message, error) {
	if !f.connected {
		return nil, domain.ErrNotConnected
	}
	return f.unread, nil
}

func (f *fakeBridge) ListFromContact(ctx context.Context, contact string, limit int) ([]domain.Message, error) {
	f.fromContactCalls++
	if !f.connected {
		return nil, domain.ErrNotConnected
	}
	msgs, ok := f.byContact[contact]
	if !ok {
		return nil, domain.ErrContactNotFound
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeBridge) Send(ctx context.Context, target, body string) (string, error) {
	if !f.connected {
		return "", domain.ErrNotConnected
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentTo, f.sentBody = target, body
	return target, nil
}

func (f *fakeBridge) Reply(ctx context.Context, messageID, body string) error {
	if !f.connected {
		return domain.ErrNotConnected
	}
	if f.replyErr != nil {
		return f.replyErr
	}
	f.repliedTo, f.replyBody = messageID, body
	return nil
}

func newTestExecutor(b Bridge) *Executor {
	return NewExecutor(ExecutorConfig{Bridge: b, Logger: slog.Default()})
}

func msgAt(id, sender, body string, age time.Duration) domain.Message {
	return domain.Message{ID: id, Sender: sender, Body: body, Timestamp: time.Now().Add(-age)}
}

func TestExecute_CheckEmpty(t *testing.T) {
	e := newTestExecutor(&fakeBridge{connected: true})
	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionCheck,
		Filters: domain.MessageFilter{UnreadOnly: true},
	})
	if !strings.Contains(res.Response, "Nothing new") {
		t.Fatalf("response = %q, want nothing-new message", res.Response)
	}
}

func TestExecute_CheckFormatsAndTruncates(t *testing.T) {
	var unread []domain.Message
	for i := 0; i < 7; i++ {
		unread = append(unread, msgAt(fmt.Sprintf("m%d", i), "Alice", fmt.Sprintf("msg %d", i), time.Duration(i)*time.Minute))
	}
	e := newTestExecutor(&fakeBridge{connected: true, unread: unread})

	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionCheck,
		Filters: domain.MessageFilter{UnreadOnly: true},
	})

	if got := strings.Count(res.Response, "From Alice:"); got != 5 {
		t.Fatalf("shown %d messages, want 5\n%s", got, res.Response)
	}
	if !strings.Contains(res.Response, "(and 2 more)") {
		t.Fatalf("missing truncation tail:\n%s", res.Response)
	}
	if !strings.Contains(res.Response, `"msg 0"`) {
		t.Fatalf("body not quoted:\n%s", res.Response)
	}
}

func TestExecute_CheckWithContactNarrowsUnread(t *testing.T) {
	b := &fakeBridge{
		connected: true,
		unread: []domain.Message{
			msgAt("a1", "Alice", "lunch?", time.Minute),
			msgAt("b1", "Bob", "ping", 2*time.Minute),
		},
		byContact: map[string][]domain.Message{
			"Alice": {
				msgAt("a1", "Alice", "lunch?", time.Minute),
				msgAt("a0", "Alice", "old news", 48*time.Hour),
			},
		},
	}
	e := newTestExecutor(b)

	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionCheck,
		Target:  "Alice",
		Filters: domain.MessageFilter{UnreadOnly: true, Contact: "Alice"},
	})

	if !strings.Contains(res.Response, "lunch?") {
		t.Fatalf("unread message from Alice missing:\n%s", res.Response)
	}
	if strings.Contains(res.Response, "old news") {
		t.Fatalf("read history leaked into an unread check:\n%s", res.Response)
	}
	if strings.Contains(res.Response, "Bob") {
		t.Fatalf("other contacts leaked into a narrowed check:\n%s", res.Response)
	}
	if b.fromContactCalls != 0 {
		t.Fatalf("narrowed check hit the history listing %d times", b.fromContactCalls)
	}
}

func TestExecute_CheckWithContactEmpty(t *testing.T) {
	b := &fakeBridge{
		connected: true,
		unread:    []domain.Message{msgAt("b1", "Bob", "ping", time.Minute)},
	}
	e := newTestExecutor(b)

	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionCheck,
		Target:  "Alice",
		Filters: domain.MessageFilter{UnreadOnly: true, Contact: "Alice"},
	})

	if !strings.Contains(res.Response, "Nothing new from Alice") {
		t.Fatalf("response = %q, want nothing-new-from-Alice", res.Response)
	}
}

func TestExecute_SendHappyPath(t *testing.T) {
	b := &fakeBridge{connected: true}
	e := newTestExecutor(b)

	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionSend,
		Target: "John", Message: "hello",
	})

	if b.sentTo != "John" || b.sentBody != "hello" {
		t.Fatalf("sent (%q, %q), want (John, hello)", b.sentTo, b.sentBody)
	}
	if res.Emotion != "happy" {
		t.Fatalf("emotion = %q, want happy", res.Emotion)
	}
}

func TestExecute_SendWithoutBodyAsksToClarify(t *testing.T) {
	b := &fakeBridge{connected: true}
	e := newTestExecutor(b)

	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionSend, Target: "John",
	})

	if b.sentTo != "" {
		t.Fatal("nothing should have been sent")
	}
	if !strings.Contains(res.Response, "John") || res.Emotion != "thinking" {
		t.Fatalf("expected clarification prompt, got %+v", res)
	}
}

func TestExecute_NotConnectedRewritten(t *testing.T) {
	e := newTestExecutor(&fakeBridge{connected: false})

	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionSend,
		Target: "John", Message: "hi",
	})

	if !strings.Contains(res.Response, "isn't connected") {
		t.Fatalf("response = %q, want connect instruction", res.Response)
	}
	if strings.Contains(res.Response, "ErrNotConnected") {
		t.Fatalf("raw error leaked: %q", res.Response)
	}
}

func TestExecute_ReplyUsesMostRecentMessage(t *testing.T) {
	b := &fakeBridge{
		connected: true,
		byContact: map[string][]domain.Message{
			"Sarah": {
				msgAt("newest", "Sarah", "see you soon", time.Minute),
				msgAt("older", "Sarah", "hi", time.Hour),
			},
		},
	}
	e := newTestExecutor(b)

	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionReply,
		Target: "Sarah", Message: "Thanks!",
	})

	if b.repliedTo != "newest" || b.replyBody != "Thanks!" {
		t.Fatalf("replied (%q, %q), want (newest, Thanks!)", b.repliedTo, b.replyBody)
	}
	if res.Emotion != "happy" {
		t.Fatalf("emotion = %q, want happy", res.Emotion)
	}
}

func TestExecute_ReplyNothingToReplyTo(t *testing.T) {
	b := &fakeBridge{connected: true, byContact: map[string][]domain.Message{"Sarah": {}}}
	e := newTestExecutor(b)

	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionReply,
		Target: "Sarah", Message: "ok",
	})

	if !strings.Contains(res.Response, "couldn't find anything from Sarah") {
		t.Fatalf("response = %q", res.Response)
	}
}

func TestExecute_ReadEmptyIsNotAnError(t *testing.T) {
	b := &fakeBridge{connected: true, byContact: map[string][]domain.Message{"Mike": {}}}
	e := newTestExecutor(b)

	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionRead, Target: "Mike",
	})

	if !strings.Contains(res.Response, "No messages found") {
		t.Fatalf("response = %q", res.Response)
	}
	if res.Emotion == "concerned" {
		t.Fatal("empty read must not look like a failure")
	}
}

func TestExecute_ContactNotFound(t *testing.T) {
	b := &fakeBridge{connected: true, byContact: map[string][]domain.Message{}}
	e := newTestExecutor(b)

	res := e.Execute(context.Background(), &domain.ParsedCommand{
		Domain: domain.DomainMessaging, Action: domain.ActionRead, Target: "Nobody",
	})

	if !strings.Contains(res.Response, "couldn't find that contact") {
		t.Fatalf("response = %q", res.Response)
	}
}

func TestExecute_EmailPlaceholder(t *testing.T) {
	e := newTestExecutor(&fakeBridge{})
	res := e.Execute(context.Background(), &domain.ParsedCommand{Domain: domain.DomainEmail})
	if !strings.Contains(res.Response, "email") {
		t.Fatalf("response = %q", res.Response)
	}
}

func TestRelativeTime(t *testing.T) {
	cases := []struct {
		age  time.Duration
		want string
	}{
		{30 * time.Second, "just now"},
		{90 * time.Second, "a minute ago"},
		{10 * time.Minute, "10 minutes ago"},
		{90 * time.Minute, "an hour ago"},
		{5 * time.Hour, "5 hours ago"},
		{30 * time.Hour, "yesterday"},
		{72 * time.Hour, "3 days ago"},
	}
	for _, c := range cases {
		if got := relativeTime(time.Now().Add(-c.age)); got != c.want {
			t.Fatalf("relativeTime(-%v) = %q, want %q", c.age, got, c.want)
		}
	}
}
