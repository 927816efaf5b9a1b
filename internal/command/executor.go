package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"companion/internal/domain"
)

const maxShownMessages = 5

// Bridge is the slice of the WhatsApp adapter the executor needs.
type Bridge interface {
	Connected() bool
	ListUnread(ctx context.Context) ([]domain.Message, error)
	ListFromContact(ctx context.Context, contact string, limit int) ([]domain.Message, error)
	Send(ctx context.Context, target, body string) (string, error)
	Reply(ctx context.Context, messageID, body string) error
}

// Result is what the orchestrator speaks back: a sentence suitable for speech
// synthesis plus a face-animation emotion tag.
type Result struct {
	Response string
	Emotion  string
}

// Executor binds parsed commands to the messaging bridge. Every failure path
// maps to a short natural-language sentence — raw errors never reach the user.
type Executor struct {
	bridge Bridge
	logger *slog.Logger
}

type ExecutorConfig struct {
	Bridge Bridge
	Logger *slog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{bridge: cfg.Bridge, logger: cfg.Logger}
}

// Execute runs a parsed command and formats the reply.
func (e *Executor) Execute(ctx context.Context, cmd *domain.ParsedCommand) Result {
	switch cmd.Domain {
	case domain.DomainEmail:
		return Result{Response: "I can't handle email yet, but it's on my list!", Emotion: "neutral"}
	case domain.DomainCalendar:
		return Result{Response: "I can't manage your calendar yet, but it's on my list!", Emotion: "neutral"}
	}

	switch cmd.Action {
	case domain.ActionCheck:
		return e.check(ctx, cmd)
	case domain.ActionSend:
		return e.send(ctx, cmd)
	case domain.ActionReply:
		return e.reply(ctx, cmd)
	case domain.ActionRead:
		return e.read(ctx, cmd)
	default:
		return Result{
			Response: "I wasn't sure what you wanted to do with WhatsApp. You can ask me to check, send, reply or read messages.",
			Emotion:  "thinking",
		}
	}
}

func (e *Executor) check(ctx context.Context, cmd *domain.ParsedCommand) Result {
	var msgs []domain.Message
	var err error
	switch {
	case cmd.Filters.Contact != "" && cmd.Filters.UnreadOnly:
		// "anything new from X" narrows the unread listing; full history
		// stays with the read action.
		msgs, err = e.bridge.ListUnread(ctx)
		msgs = filterByContact(msgs, cmd.Filters.Contact)
	case cmd.Filters.Contact != "":
		msgs, err = e.bridge.ListFromContact(ctx, cmd.Filters.Contact, maxShownMessages)
	default:
		msgs, err = e.bridge.ListUnread(ctx)
	}
	if err != nil {
		return e.failure("check your messages", err)
	}

	if len(msgs) == 0 {
		if cmd.Filters.Contact != "" {
			return Result{Response: fmt.Sprintf("Nothing new from %s.", cmd.Filters.Contact), Emotion: "neutral"}
		}
		return Result{Response: "Nothing new! You're all caught up.", Emotion: "happy"}
	}

	return Result{Response: formatMessages(msgs), Emotion: "happy"}
}

func (e *Executor) send(ctx context.Context, cmd *domain.ParsedCommand) Result {
	if cmd.Target == "" {
		return Result{Response: "Who should I send that to?", Emotion: "thinking"}
	}
	// Conversational control state, not a fault: ask rather than send "".
	if cmd.Message == "" {
		return Result{
			Response: fmt.Sprintf("What would you like me to say to %s?", cmd.Target),
			Emotion:  "thinking",
		}
	}

	name, err := e.bridge.Send(ctx, cmd.Target, cmd.Message)
	if err != nil {
		return e.failure("send that message", err)
	}
	return Result{Response: fmt.Sprintf("Done! I sent your message to %s.", name), Emotion: "happy"}
}

func (e *Executor) reply(ctx context.Context, cmd *domain.ParsedCommand) Result {
	if cmd.Target == "" {
		return Result{Response: "Who would you like to reply to?", Emotion: "thinking"}
	}
	if cmd.Message == "" {
		return Result{
			Response: fmt.Sprintf("What should I reply to %s?", cmd.Target),
			Emotion:  "thinking",
		}
	}

	// Resolve the target's single most recent message and reply to that.
	msgs, err := e.bridge.ListFromContact(ctx, cmd.Target, 1)
	if err != nil {
		return e.failure("find that conversation", err)
	}
	if len(msgs) == 0 {
		return Result{
			Response: fmt.Sprintf("I couldn't find anything from %s to reply to.", cmd.Target),
			Emotion:  "concerned",
		}
	}

	if err := e.bridge.Reply(ctx, msgs[0].ID, cmd.Message); err != nil {
		return e.failure("send that reply", err)
	}
	return Result{Response: fmt.Sprintf("Replied to %s!", cmd.Target), Emotion: "happy"}
}

func (e *Executor) read(ctx context.Context, cmd *domain.ParsedCommand) Result {
	if cmd.Target == "" {
		return Result{Response: "Whose messages should I read?", Emotion: "thinking"}
	}

	limit := cmd.Filters.Limit
	if limit <= 0 {
		limit = maxShownMessages
	}
	msgs, err := e.bridge.ListFromContact(ctx, cmd.Target, limit)
	if err != nil {
		return e.failure("read those messages", err)
	}
	if len(msgs) == 0 {
		return Result{
			Response: fmt.Sprintf("No messages found from %s.", cmd.Target),
			Emotion:  "neutral",
		}
	}
	return Result{Response: formatMessages(msgs), Emotion: "neutral"}
}

// failure rewrites adapter errors into user-facing sentences. Not-connected is
// an instruction to connect, contact-not-found a lookup miss; everything else
// becomes a generic apology with the reason, never a stack trace.
func (e *Executor) failure(doing string, err error) Result {
	e.logger.Warn("command failed", "doing", doing, "err", err)

	switch {
	case errors.Is(err, domain.ErrNotConnected) || strings.Contains(err.Error(), "not connected"):
		return Result{
			Response: "WhatsApp isn't connected yet. Open the settings and scan the QR code first.",
			Emotion:  "concerned",
		}
	case errors.Is(err, domain.ErrContactNotFound):
		return Result{
			Response: "I couldn't find that contact in your chats.",
			Emotion:  "concerned",
		}
	case errors.Is(err, domain.ErrMessageNotFound):
		return Result{
			Response: "I couldn't find that message anymore.",
			Emotion:  "concerned",
		}
	default:
		return Result{
			Response: fmt.Sprintf("Sorry, I couldn't %s: %s.", doing, userReason(err)),
			Emotion:  "concerned",
		}
	}
}

// userReason keeps only the innermost error text so the spoken sentence stays
// short.
func userReason(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		msg = msg[idx+2:]
	}
	return strings.TrimSuffix(msg, ".")
}

// formatMessages renders up to maxShownMessages lines with a truncation tail.
func formatMessages(msgs []domain.Message) string {
	var b strings.Builder
	shown := msgs
	if len(shown) > maxShownMessages {
		shown = shown[:maxShownMessages]
	}
	for i, m := range shown {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "From %s: %q (%s)", senderOf(m), m.Body, relativeTime(m.Timestamp))
	}
	if extra := len(msgs) - len(shown); extra > 0 {
		fmt.Fprintf(&b, "\n(and %d more)", extra)
	}
	return b.String()
}

// filterByContact keeps the messages whose sender or chat matches the contact
// name, case-insensitively, the same loose matching the bridge resolves chats
// with.
func filterByContact(msgs []domain.Message, contact string) []domain.Message {
	needle := strings.ToLower(contact)
	var out []domain.Message
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Sender), needle) ||
			strings.Contains(strings.ToLower(m.ContactName), needle) {
			out = append(out, m)
		}
	}
	return out
}

func senderOf(m domain.Message) string {
	if m.Sender != "" {
		return m.Sender
	}
	if m.ContactName != "" {
		return m.ContactName
	}
	return "Unknown"
}

// relativeTime renders a timestamp the way you'd say it out loud.
func relativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < 2*time.Minute:
		return "a minute ago"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	case d < 2*time.Hour:
		return "an hour ago"
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	case d < 48*time.Hour:
		return "yesterday"
	default:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	}
}
