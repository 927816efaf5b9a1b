package whatsapp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"companion/internal/domain"
	"companion/internal/metrics"
)

const (
	// fetchWindow bounds how many recent messages are pulled per chat when
	// listing or searching.
	fetchWindow = 50
	// recentWindow bounds the per-chat pull for the merged recent listing.
	recentWindow = 10
)

// ListRecent returns the most recent incoming messages across all chats,
// newest first, capped at limit. A chat whose fetch fails is skipped so one
// broken chat never blocks the rest.
func (a *Adapter) ListRecent(ctx context.Context, limit int) ([]domain.Message, error) {
	defer observeOp(time.Now())
	client, err := a.guard("listRecent")
	if err != nil {
		return nil, err
	}

	chats, err := client.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	var out []domain.Message
	for _, chat := range chats {
		msgs, err := client.FetchMessages(ctx, chat.ID, recentWindow)
		if err != nil {
			a.logger.Warn("skipping unreadable chat", "chat", chat.ID, "err", err)
			continue
		}
		for _, m := range msgs {
			if m.FromMe {
				continue
			}
			out = append(out, a.toMessage(m, chat))
		}
	}

	sortNewestFirst(out)
	return capLimit(out, limit), nil
}

// ListUnread returns unread incoming messages across all chats, newest first.
// Name-resolution failures are tolerated per chat: the affected chat is
// logged and skipped, the rest keep flowing.
func (a *Adapter) ListUnread(ctx context.Context) ([]domain.Message, error) {
	defer observeOp(time.Now())
	client, err := a.guard("listUnread")
	if err != nil {
		return nil, err
	}

	chats, err := client.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	var out []domain.Message
	for _, chat := range chats {
		if chat.UnreadCount == 0 {
			continue
		}
		window := chat.UnreadCount
		if window > fetchWindow {
			window = fetchWindow
		}
		msgs, err := client.FetchMessages(ctx, chat.ID, window)
		if err != nil {
			a.logger.Warn("skipping unreadable chat", "chat", chat.ID, "err", err)
			continue
		}
		for _, m := range msgs {
			if m.FromMe || !m.Unread {
				continue
			}
			out = append(out, a.toMessage(m, chat))
		}
	}

	sortNewestFirst(out)
	return out, nil
}

// ListFromContact returns the most recent incoming messages from one contact,
// newest first, capped at limit.
func (a *Adapter) ListFromContact(ctx context.Context, contact string, limit int) ([]domain.Message, error) {
	defer observeOp(time.Now())
	client, err := a.guard("listFromContact")
	if err != nil {
		return nil, err
	}

	chat, err := a.resolveChat(ctx, client, contact)
	if err != nil {
		return nil, err
	}

	msgs, err := client.FetchMessages(ctx, chat.ID, fetchWindow)
	if err != nil {
		return nil, fmt.Errorf("fetch messages from %s: %w", chat.Name, err)
	}

	var out []domain.Message
	for _, m := range msgs {
		if m.FromMe {
			continue
		}
		out = append(out, a.toMessage(m, chat))
	}

	sortNewestFirst(out)
	return capLimit(out, limit), nil
}

// Send delivers body to the chat resolved from target and returns the
// resolved display name for confirmation.
func (a *Adapter) Send(ctx context.Context, target, body string) (string, error) {
	defer observeOp(time.Now())
	client, err := a.guard("send")
	if err != nil {
		return "", err
	}

	chat, err := a.resolveChat(ctx, client, target)
	if err != nil {
		return "", err
	}

	if err := client.SendMessage(ctx, chat.ID, body); err != nil {
		return "", fmt.Errorf("send to %s: %w", chat.Name, err)
	}
	a.logger.Info("message sent", "chat", chat.Name)
	return chat.Name, nil
}

// Reply quotes the message with the given id. The id is located by searching
// open chats over a bounded recent window; not finding it is a not-found
// condition, not a crash.
func (a *Adapter) Reply(ctx context.Context, messageID, body string) error {
	defer observeOp(time.Now())
	client, err := a.guard("reply")
	if err != nil {
		return err
	}

	chats, err := client.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}

	for _, chat := range chats {
		msgs, err := client.FetchMessages(ctx, chat.ID, fetchWindow)
		if err != nil {
			a.logger.Warn("skipping unreadable chat during reply search", "chat", chat.ID, "err", err)
			continue
		}
		for _, m := range msgs {
			if m.ID != messageID {
				continue
			}
			if err := client.ReplyMessage(ctx, chat.ID, messageID, body); err != nil {
				return fmt.Errorf("reply in %s: %w", chat.Name, err)
			}
			a.logger.Info("reply sent", "chat", chat.Name)
			return nil
		}
	}

	return domain.ErrMessageNotFound
}

// resolveChat matches a free-text name against chat display names first
// (case-insensitive substring, first match in provider order wins), then
// falls back to the contact directory. The directory lookup is allowed to
// fail independently — a known limitation of the underlying client — and such
// failures read as "no match via this path", never as fatal.
func (a *Adapter) resolveChat(ctx context.Context, client domain.MessagingClient, name string) (domain.Chat, error) {
	chats, err := client.ListChats(ctx)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("list chats: %w", err)
	}

	needle := strings.ToLower(name)
	for _, chat := range chats {
		if strings.Contains(strings.ToLower(chat.Name), needle) {
			return chat, nil
		}
	}

	contacts, err := client.GetContacts(ctx)
	if err != nil {
		a.logger.Warn("contact directory lookup failed, chat names only", "err", err)
		return domain.Chat{}, domain.ErrContactNotFound
	}
	for _, ct := range contacts {
		if !strings.Contains(strings.ToLower(ct.Name), needle) {
			continue
		}
		for _, chat := range chats {
			if chat.ID == ct.ID {
				return chat, nil
			}
		}
		// No open chat yet; the contact id doubles as the chat id.
		return domain.Chat{ID: ct.ID, Name: ct.Name, IsGroup: ct.IsGroup}, nil
	}

	return domain.Chat{}, domain.ErrContactNotFound
}

// toMessage converts a raw client message, resolving the sender display name
// through the fallback chain: notification name, message-level from name,
// chat display name, raw sender id, "Unknown".
func (a *Adapter) toMessage(m domain.ClientMessage, chat domain.Chat) domain.Message {
	sender := m.NotifyName
	if sender == "" {
		sender = m.FromName
	}
	if sender == "" {
		sender = chat.Name
	}
	if sender == "" {
		sender = m.SenderID
	}
	if sender == "" {
		sender = "Unknown"
	}
	return domain.Message{
		ID:          m.ID,
		Sender:      sender,
		Body:        m.Body,
		Timestamp:   m.Timestamp,
		IsGroup:     chat.IsGroup,
		ContactName: chat.Name,
		FromMe:      m.FromMe,
	}
}

func sortNewestFirst(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})
}

func observeOp(start time.Time) {
	metrics.BridgeOpLatency.Observe(time.Since(start).Seconds())
}

func capLimit(msgs []domain.Message, limit int) []domain.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}
