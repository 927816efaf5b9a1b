package whatsapp

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"companion/internal/domain"
)

func TestParsePrePlainText(t *testing.T) {
	fallback := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)

	cases := []struct {
		pre    string
		sender string
		ts     time.Time
	}{
		{
			pre:    "[14:05, 1/31/2025] Ada Lovelace: ",
			sender: "Ada Lovelace",
			ts:     time.Date(2025, 1, 31, 14, 5, 0, 0, time.Local),
		},
		{
			pre:    "[2:05 PM, 12/31/2025] Bob: ",
			sender: "Bob",
			ts:     time.Date(2025, 12, 31, 14, 5, 0, 0, time.Local),
		},
		{
			// day-first locale: month 31 is impossible, so the day-first
			// layout has to win
			pre:    "[09:30, 31/1/2025] Carol: ",
			sender: "Carol",
			ts:     time.Date(2025, 1, 31, 9, 30, 0, 0, time.Local),
		},
		{
			pre:    "[14:05, 31.1.2025] Dot: ",
			sender: "Dot",
			ts:     time.Date(2025, 1, 31, 14, 5, 0, 0, time.Local),
		},
		{pre: "", sender: "", ts: fallback},
		{pre: "no brackets at all", sender: "", ts: fallback},
	}

	for _, c := range cases {
		sender, ts := parsePrePlainText(c.pre, fallback)
		if sender != c.sender {
			t.Errorf("parsePrePlainText(%q) sender = %q, want %q", c.pre, sender, c.sender)
		}
		if !ts.Equal(c.ts) {
			t.Errorf("parsePrePlainText(%q) ts = %v, want %v", c.pre, ts, c.ts)
		}
	}
}

func TestParsePrePlainText_GarbageDateKeepsSender(t *testing.T) {
	fallback := time.Now()
	sender, ts := parsePrePlainText("[99:99, 99/99/9999] Eve: ", fallback)
	if sender != "Eve" {
		t.Fatalf("sender = %q, want Eve even when the date is unusable", sender)
	}
	if !ts.Equal(fallback) {
		t.Fatalf("ts = %v, want the fallback", ts)
	}
}

// A reconnect runs Initialize on the same client, so the previous browser
// context and watcher must be released rather than overwritten.
func TestInitializeTeardownReleasesPreviousSession(t *testing.T) {
	w := NewWebClient(WebClientConfig{Logger: slog.Default()})

	cancelled := false
	stop := make(chan struct{})
	w.mu.Lock()
	w.ctx = context.Background()
	w.cancel = func() { cancelled = true }
	w.initialized = true
	w.watchStop = stop
	w.lastQR = "stale"
	w.sawAuth, w.sawReady = true, true
	w.mu.Unlock()

	w.teardown()

	if !cancelled {
		t.Fatal("previous browser context was not cancelled")
	}
	select {
	case <-stop:
	default:
		t.Fatal("previous watcher was not stopped")
	}
	if w.Initialized() {
		t.Fatal("client still reads initialized after teardown")
	}

	w.mu.Lock()
	qr, auth, ready := w.lastQR, w.sawAuth, w.sawReady
	w.mu.Unlock()
	if qr != "" || auth || ready {
		t.Fatalf("page state not reset: qr=%q auth=%v ready=%v", qr, auth, ready)
	}

	// second teardown must not double-close or double-cancel
	w.teardown()
}

func TestWatchStopSuppressesDisconnectEvent(t *testing.T) {
	w := NewWebClient(WebClientConfig{Logger: slog.Default()})

	fired := false
	w.On(domain.EventDisconnected, func(string) { fired = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stop := make(chan struct{})
	close(stop)

	w.watch(ctx, stop)

	if fired {
		t.Fatal("a deliberately stopped watcher must not report a disconnect")
	}
}

func TestOperationsRequireRunningSession(t *testing.T) {
	w := NewWebClient(WebClientConfig{Logger: slog.Default()})
	ctx := context.Background()

	if _, err := w.ListChats(ctx); err == nil {
		t.Fatal("ListChats on a torn-down client must fail")
	}
	if _, err := w.FetchMessages(ctx, "Alice", 10); err == nil {
		t.Fatal("FetchMessages on a torn-down client must fail")
	}
	if err := w.SendMessage(ctx, "Alice", "hi"); err == nil {
		t.Fatal("SendMessage on a torn-down client must fail")
	}
	if err := w.ReplyMessage(ctx, "Alice", "msg-1", "hi"); err == nil {
		t.Fatal("ReplyMessage on a torn-down client must fail")
	}
	if _, err := w.GetContacts(ctx); err == nil {
		t.Fatal("GetContacts on a torn-down client must fail")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	w := NewWebClient(WebClientConfig{Logger: slog.Default()})
	if err := w.Destroy(context.Background()); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if err := w.Destroy(context.Background()); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}
