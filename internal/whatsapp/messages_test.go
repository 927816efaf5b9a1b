package whatsapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"companion/internal/domain"
)

func connectedAdapter(t *testing.T) (*Adapter, *fakeClient) {
	t.Helper()
	c := newFakeClient()
	a, _ := newTestAdapter(t, c)
	c.emit(domain.EventReady, "")
	return a, c
}

func clientMsg(id, chatID, body string, age time.Duration, unread bool) domain.ClientMessage {
	return domain.ClientMessage{
		ID:        id,
		ChatID:    chatID,
		Body:      body,
		Timestamp: time.Now().Add(-age),
		Unread:    unread,
	}
}

func TestListUnread_NotConnected(t *testing.T) {
	c := newFakeClient()
	a, _ := newTestAdapter(t, c)

	if _, err := a.ListUnread(context.Background()); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestListUnread_BrokenChatIsSkipped(t *testing.T) {
	a, c := connectedAdapter(t)
	c.chats = []domain.Chat{
		{ID: "chat-a", Name: "Alice", UnreadCount: 2},
		{ID: "chat-b", Name: "Bob", UnreadCount: 2},
	}
	c.fetchErr["chat-a"] = errors.New("getContact failed for this chat")
	c.msgs["chat-b"] = []domain.ClientMessage{
		clientMsg("b1", "chat-b", "older", 2*time.Hour, true),
		clientMsg("b2", "chat-b", "newer", time.Minute, true),
	}

	msgs, err := a.ListUnread(context.Background())
	if err != nil {
		t.Fatalf("one broken chat must not fail the listing: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 from the healthy chat", len(msgs))
	}
	if msgs[0].Body != "newer" || msgs[1].Body != "older" {
		t.Fatalf("not sorted newest first: %q then %q", msgs[0].Body, msgs[1].Body)
	}
}

func TestListUnread_FiltersReadAndOwnMessages(t *testing.T) {
	a, c := connectedAdapter(t)
	c.chats = []domain.Chat{{ID: "chat-a", Name: "Alice", UnreadCount: 3}}
	mine := clientMsg("m1", "chat-a", "from me", time.Minute, true)
	mine.FromMe = true
	c.msgs["chat-a"] = []domain.ClientMessage{
		mine,
		clientMsg("m2", "chat-a", "already read", time.Minute, false),
		clientMsg("m3", "chat-a", "unread", time.Minute, true),
	}

	msgs, err := a.ListUnread(context.Background())
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "unread" {
		t.Fatalf("got %+v, want only the unread incoming message", msgs)
	}
}

func TestSenderNameFallbackChain(t *testing.T) {
	a, _ := connectedAdapter(t)
	chat := domain.Chat{ID: "c1", Name: "Chat Name"}

	m := domain.ClientMessage{NotifyName: "Notify", FromName: "From", SenderID: "123@c.us"}
	if got := a.toMessage(m, chat).Sender; got != "Notify" {
		t.Fatalf("sender = %q, want Notify", got)
	}
	m.NotifyName = ""
	if got := a.toMessage(m, chat).Sender; got != "From" {
		t.Fatalf("sender = %q, want From", got)
	}
	m.FromName = ""
	if got := a.toMessage(m, chat).Sender; got != "Chat Name" {
		t.Fatalf("sender = %q, want Chat Name", got)
	}
	if got := a.toMessage(m, domain.Chat{}).Sender; got != "123@c.us" {
		t.Fatalf("sender = %q, want raw id", got)
	}
	m.SenderID = ""
	if got := a.toMessage(m, domain.Chat{}).Sender; got != "Unknown" {
		t.Fatalf("sender = %q, want Unknown", got)
	}
}

func TestListFromContact_OrderAndLimit(t *testing.T) {
	a, c := connectedAdapter(t)
	c.chats = []domain.Chat{{ID: "chat-m", Name: "Mike Ross"}}
	c.msgs["chat-m"] = []domain.ClientMessage{
		clientMsg("m1", "chat-m", "three hours", 3*time.Hour, false),
		clientMsg("m2", "chat-m", "one minute", time.Minute, false),
		clientMsg("m3", "chat-m", "one hour", time.Hour, false),
	}

	msgs, err := a.ListFromContact(context.Background(), "mike", 2)
	if err != nil {
		t.Fatalf("list from contact: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("limit not applied: got %d", len(msgs))
	}
	if msgs[0].Body != "one minute" || msgs[1].Body != "one hour" {
		t.Fatalf("wrong order: %q then %q", msgs[0].Body, msgs[1].Body)
	}
}

func TestResolveChat_ChatNamesBeforeContacts(t *testing.T) {
	a, c := connectedAdapter(t)
	c.chats = []domain.Chat{
		{ID: "chat-1", Name: "Family Group"},
		{ID: "chat-2", Name: "John Smith"},
	}
	// Would also match by directory, but chat names win.
	c.contacts = []domain.Contact{{ID: "contact-9", Name: "John Smith"}}

	chat, err := a.resolveChat(context.Background(), c, "john")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if chat.ID != "chat-2" {
		t.Fatalf("resolved %q, want chat-2", chat.ID)
	}
}

func TestResolveChat_ContactDirectoryFallback(t *testing.T) {
	a, c := connectedAdapter(t)
	c.chats = []domain.Chat{{ID: "chat-1", Name: "Family Group"}}
	c.contacts = []domain.Contact{{ID: "555@c.us", Name: "Sarah Connor"}}

	chat, err := a.resolveChat(context.Background(), c, "sarah")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if chat.ID != "555@c.us" || chat.Name != "Sarah Connor" {
		t.Fatalf("resolved %+v", chat)
	}
}

func TestResolveChat_DirectoryFailureIsNotFatal(t *testing.T) {
	a, c := connectedAdapter(t)
	c.chats = []domain.Chat{{ID: "chat-1", Name: "Family Group"}}
	c.contactsErr = errors.New("getContacts: serialization failure")

	_, err := a.resolveChat(context.Background(), c, "sarah")
	if !errors.Is(err, domain.ErrContactNotFound) {
		t.Fatalf("err = %v, want ErrContactNotFound (degraded, not fatal)", err)
	}
}

func TestSend_ResolvesAndConfirms(t *testing.T) {
	a, c := connectedAdapter(t)
	c.chats = []domain.Chat{{ID: "chat-j", Name: "John Smith"}}

	name, err := a.Send(context.Background(), "john", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if name != "John Smith" {
		t.Fatalf("confirmed name = %q, want John Smith", name)
	}
	if c.sentChat != "chat-j" || c.sentBody != "hello" {
		t.Fatalf("sent (%q, %q)", c.sentChat, c.sentBody)
	}
}

func TestReply_SearchesAcrossChats(t *testing.T) {
	a, c := connectedAdapter(t)
	c.chats = []domain.Chat{
		{ID: "chat-a", Name: "Alice"},
		{ID: "chat-b", Name: "Bob"},
	}
	c.fetchErr["chat-a"] = errors.New("unreadable")
	c.msgs["chat-b"] = []domain.ClientMessage{clientMsg("target-msg", "chat-b", "hi", time.Minute, false)}

	if err := a.Reply(context.Background(), "target-msg", "yo"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if c.replyChat != "chat-b" || c.replyMsg != "target-msg" {
		t.Fatalf("replied (%q, %q)", c.replyChat, c.replyMsg)
	}
}

func TestReply_MessageNotFound(t *testing.T) {
	a, c := connectedAdapter(t)
	c.chats = []domain.Chat{{ID: "chat-a", Name: "Alice"}}

	err := a.Reply(context.Background(), "nope", "yo")
	if !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("err = %v, want ErrMessageNotFound", err)
	}
}
