package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"companion/internal/domain"
)

const (
	whatsappURL = "https://web.whatsapp.com"
	// watchInterval paces the page-state watcher that turns DOM observations
	// into lifecycle events.
	watchInterval = 1 * time.Second
)

// WebClient drives WhatsApp Web in a persistent Chrome profile and implements
// domain.MessagingClient. The profile directory holds the session identity, so
// a recreated client picks up the same login.
type WebClient struct {
	profileDir string
	headless   bool
	logger     *slog.Logger

	mu          sync.Mutex
	handlers    map[domain.ClientEvent][]func(string)
	ctx         context.Context
	cancel      context.CancelFunc
	initialized bool
	watchStop   chan struct{}

	// last observed page state, used to derive event transitions
	lastQR    string
	sawAuth   bool
	sawReady  bool
}

type WebClientConfig struct {
	ProfileDir string // Chrome user data directory (persists the session)
	Headless   bool
	Logger     *slog.Logger
}

func NewWebClient(cfg WebClientConfig) *WebClient {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".companion", "chrome-profiles", "whatsapp")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebClient{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		logger:     cfg.Logger,
		handlers:   make(map[domain.ClientEvent][]func(string)),
	}
}

func (w *WebClient) On(event domain.ClientEvent, handler func(payload string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[event] = append(w.handlers[event], handler)
}

func (w *WebClient) emit(event domain.ClientEvent, payload string) {
	w.mu.Lock()
	hs := append([]func(string){}, w.handlers[event]...)
	w.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

func (w *WebClient) Initialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initialized
}

// Initialize launches Chrome on the persistent profile, navigates to WhatsApp
// Web and starts the page watcher. Lifecycle progress (QR, authenticated,
// ready, disconnected) arrives through the registered handlers. Reconnects
// call Initialize again on the same client, so any browser and watcher from a
// previous session are released first.
func (w *WebClient) Initialize(ctx context.Context) error {
	w.teardown()

	if err := os.MkdirAll(w.profileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(w.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)
	if w.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(whatsappURL),
		chromedp.WaitReady("body"),
	); err != nil {
		taskCancel()
		allocCancel()
		return fmt.Errorf("open whatsapp web: %w", err)
	}

	stop := make(chan struct{})
	w.mu.Lock()
	w.ctx = taskCtx
	w.cancel = func() {
		taskCancel()
		allocCancel()
	}
	w.initialized = true
	w.watchStop = stop
	w.mu.Unlock()

	go w.watch(taskCtx, stop)
	w.logger.Info("whatsapp web opened", "profile", w.profileDir)
	return nil
}

// watch polls the page and converts DOM state into lifecycle events.
func (w *WebClient) watch(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			// A deliberate stop (teardown, re-init) races the context
			// cancellation; only an unexpected close is a disconnect.
			if !stopping(stop) {
				w.emit(domain.EventDisconnected, "browser closed")
			}
			return
		case <-ticker.C:
		}

		var state struct {
			QR      string `json:"qr"`
			HasSide bool   `json:"hasSide"`
			Loaded  bool   `json:"loaded"`
		}
		err := chromedp.Run(ctx, chromedp.Evaluate(`(function() {
			var qrEl = document.querySelector('div[data-ref]');
			var qr = qrEl ? qrEl.getAttribute('data-ref') : '';
			var side = document.querySelector('#side, [data-testid="chat-list"]') !== null;
			var loaded = side && document.querySelector('#side [role="listitem"], #pane-side [role="listitem"]') !== null;
			return {qr: qr, hasSide: side, loaded: loaded};
		})()`, &state))
		if err != nil {
			if stopping(stop) {
				return
			}
			w.logger.Warn("page probe failed", "err", err)
			w.emit(domain.EventDisconnected, err.Error())
			return
		}

		w.mu.Lock()
		prevQR, sawAuth, sawReady := w.lastQR, w.sawAuth, w.sawReady
		w.mu.Unlock()

		switch {
		case state.QR != "" && state.QR != prevQR:
			w.mu.Lock()
			w.lastQR = state.QR
			w.sawAuth, w.sawReady = false, false
			w.mu.Unlock()
			w.emit(domain.EventQR, state.QR)

		case state.HasSide && !sawAuth:
			w.mu.Lock()
			w.lastQR = ""
			w.sawAuth = true
			w.mu.Unlock()
			w.emit(domain.EventAuthenticated, "")

		case state.Loaded && sawAuth && !sawReady:
			w.mu.Lock()
			w.sawReady = true
			w.mu.Unlock()
			w.emit(domain.EventReady, "")

		case !state.HasSide && state.QR == "" && sawAuth:
			// Session dropped back to the landing page.
			w.mu.Lock()
			w.sawAuth, w.sawReady = false, false
			w.mu.Unlock()
			w.emit(domain.EventDisconnected, "session ended")
		}
	}
}

// ListChats scrapes the sidebar. Chat ids are the sidebar row titles — stable
// enough for one session, which is all the adapter needs.
func (w *WebClient) ListChats(ctx context.Context) ([]domain.Chat, error) {
	taskCtx, err := w.taskContext()
	if err != nil {
		return nil, err
	}

	var chats []domain.Chat
	err = chromedp.Run(taskCtx, chromedp.Evaluate(`(function() {
		var rows = document.querySelectorAll('#pane-side [role="listitem"], #side [role="listitem"]');
		var out = [];
		rows.forEach(function(row) {
			var title = row.querySelector('span[title]');
			if (!title) return;
			var badge = row.querySelector('span[aria-label*="unread"], [data-testid="icon-unread-count"]');
			var unread = 0;
			if (badge) {
				var n = parseInt(badge.textContent, 10);
				unread = isNaN(n) ? 1 : n;
			}
			out.push({
				id: title.getAttribute('title'),
				name: title.getAttribute('title'),
				isGroup: row.querySelector('span[data-icon="default-group"]') !== null,
				unreadCount: unread
			});
		});
		return out;
	})()`, &chats))
	if err != nil {
		return nil, fmt.Errorf("scrape chat list: %w", err)
	}
	for i := range chats {
		chats[i].ID = cleanTitle(chats[i].ID)
		chats[i].Name = cleanTitle(chats[i].Name)
	}
	return chats, nil
}

// FetchMessages opens the chat and scrapes the visible message bubbles,
// oldest first as rendered.
func (w *WebClient) FetchMessages(ctx context.Context, chatID string, limit int) ([]domain.ClientMessage, error) {
	taskCtx, err := w.taskContext()
	if err != nil {
		return nil, err
	}
	if err := w.openChat(taskCtx, chatID); err != nil {
		return nil, err
	}

	var raw []struct {
		ID           string `json:"id"`
		Body         string `json:"body"`
		FromMe       bool   `json:"fromMe"`
		Pre          string `json:"pre"`
		AfterDivider bool   `json:"afterDivider"`
	}
	err = chromedp.Run(taskCtx, chromedp.Evaluate(fmt.Sprintf(`(function() {
		var divider = null;
		document.querySelectorAll('#main [role="row"]').forEach(function(r) {
			if (!divider && !r.querySelector('[data-id]') && /unread message/i.test(r.textContent || '')) {
				divider = r;
			}
		});
		var rows = document.querySelectorAll('[data-id]');
		var out = [];
		rows.forEach(function(row) {
			var text = row.querySelector('.selectable-text');
			if (!text) return;
			var preEl = row.hasAttribute('data-pre-plain-text') ? row : row.querySelector('[data-pre-plain-text]');
			out.push({
				id: row.getAttribute('data-id'),
				body: text.innerText || '',
				fromMe: row.className.indexOf('message-out') >= 0,
				pre: preEl ? preEl.getAttribute('data-pre-plain-text') : '',
				afterDivider: divider !== null &&
					(divider.compareDocumentPosition(row) & Node.DOCUMENT_POSITION_FOLLOWING) !== 0
			});
		});
		return out.slice(-%d);
	})()`, limit), &raw))
	if err != nil {
		return nil, fmt.Errorf("scrape messages: %w", err)
	}

	// With the unread divider on screen only the bubbles below it are unread.
	// Without one, every incoming bubble counts: the sidebar badge already
	// gated which chats we visit and how many rows callers take.
	sawDivider := false
	for _, r := range raw {
		if r.AfterDivider {
			sawDivider = true
			break
		}
	}

	scraped := time.Now()
	msgs := make([]domain.ClientMessage, 0, len(raw))
	for _, r := range raw {
		sender, ts := parsePrePlainText(r.Pre, scraped)
		unread := !r.FromMe
		if sawDivider {
			unread = r.AfterDivider && !r.FromMe
		}
		msgs = append(msgs, domain.ClientMessage{
			ID:        r.ID,
			ChatID:    chatID,
			SenderID:  sender,
			FromName:  sender,
			Body:      r.Body,
			Timestamp: ts,
			FromMe:    r.FromMe,
			Unread:    unread,
		})
	}
	return msgs, nil
}

// prePlainRe splits data-pre-plain-text, e.g. "[14:05, 1/31/2025] Ada: ".
var prePlainRe = regexp.MustCompile(`^\[(\d{1,2}:\d{2})\s*([APap])?\.?[Mm]?\.?,\s*([0-9./-]+)\]\s*(.*?):\s*$`)

// parsePrePlainText extracts the sender and timestamp a bubble carries in its
// data-pre-plain-text attribute. The date half is locale-dependent, so
// month-first and day-first layouts are both tried; anything unparseable
// falls back to the scrape time so ordering stays sane.
func parsePrePlainText(pre string, fallback time.Time) (string, time.Time) {
	m := prePlainRe.FindStringSubmatch(strings.TrimSpace(pre))
	if m == nil {
		return "", fallback
	}
	sender := strings.TrimSpace(m[4])

	clock, date := m[1], m[3]
	layouts := []string{"15:04 1/2/2006", "15:04 2/1/2006", "15:04 2.1.2006", "15:04 2006-01-02"}
	if m[2] != "" {
		clock = clock + " " + strings.ToUpper(m[2]) + "M"
		layouts = []string{"3:04 PM 1/2/2006", "3:04 PM 2/1/2006"}
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, clock+" "+date, time.Local); err == nil {
			return sender, ts
		}
	}
	return sender, fallback
}

func (w *WebClient) SendMessage(ctx context.Context, chatID, body string) error {
	taskCtx, err := w.taskContext()
	if err != nil {
		return err
	}
	if err := w.openChat(taskCtx, chatID); err != nil {
		return err
	}

	const composer = `footer div[contenteditable="true"]`
	err = chromedp.Run(taskCtx,
		chromedp.WaitVisible(composer, chromedp.ByQuery),
		chromedp.Click(composer, chromedp.ByQuery),
		chromedp.SendKeys(composer, body, chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.KeyEvent("\r"),
	)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ReplyMessage sends body as a quoted reply to the message with the given id.
// The quote is attached through the bubble's hover menu: hover the row, open
// the context chevron, pick the reply action, then type into the composer.
func (w *WebClient) ReplyMessage(ctx context.Context, chatID, messageID, body string) error {
	taskCtx, err := w.taskContext()
	if err != nil {
		return err
	}
	if err := w.openChat(taskCtx, chatID); err != nil {
		return err
	}

	// Locate and hover via one evaluate so a pruned message fails fast
	// instead of waiting on a selector that will never match.
	row := fmt.Sprintf(`[data-id=%q]`, messageID)
	var hovered bool
	err = chromedp.Run(taskCtx,
		chromedp.Evaluate(fmt.Sprintf(`(function() {
			var row = document.querySelector(%q);
			if (!row) return false;
			row.scrollIntoView({block: 'center'});
			row.dispatchEvent(new MouseEvent('mouseover', {bubbles: true}));
			row.dispatchEvent(new MouseEvent('mousemove', {bubbles: true}));
			return true;
		})()`, row), &hovered),
	)
	if err != nil {
		return fmt.Errorf("locate message %q: %w", messageID, err)
	}
	if !hovered {
		return fmt.Errorf("message %q not in the rendered window", messageID)
	}

	err = chromedp.Run(taskCtx,
		chromedp.Sleep(300*time.Millisecond),
		chromedp.Click(row+` span[data-icon="down-context"]`, chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.Click(`[aria-label="Reply"], li span[data-icon="reply"]`, chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("open reply menu for %q: %w", messageID, err)
	}

	const composer = `footer div[contenteditable="true"]`
	err = chromedp.Run(taskCtx,
		chromedp.WaitVisible(composer, chromedp.ByQuery),
		chromedp.SendKeys(composer, body, chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.KeyEvent("\r"),
	)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// GetContacts scrapes the new-chat drawer. This lookup fails independently of
// the rest of the client on some accounts; callers treat failure as "no match
// via this path".
func (w *WebClient) GetContacts(ctx context.Context) ([]domain.Contact, error) {
	taskCtx, err := w.taskContext()
	if err != nil {
		return nil, err
	}

	var contacts []domain.Contact
	err = chromedp.Run(taskCtx,
		chromedp.Click(`[data-testid="chat"], span[data-icon="new-chat-outline"]`, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Evaluate(`(function() {
			var rows = document.querySelectorAll('[data-testid="contact-list-item"], [role="listitem"]');
			var out = [];
			rows.forEach(function(row) {
				var title = row.querySelector('span[title]');
				if (!title) return;
				out.push({id: title.getAttribute('title'), name: title.getAttribute('title'), number: '', isGroup: false});
			});
			return out;
		})()`, &contacts),
		chromedp.KeyEvent(kb.Escape), // close the drawer
	)
	if err != nil {
		return nil, fmt.Errorf("scrape contacts: %w", err)
	}
	return contacts, nil
}

// Destroy stops the watcher and closes the browser. The profile directory is
// left intact so the next client reuses the session.
func (w *WebClient) Destroy(ctx context.Context) error {
	w.teardown()
	return nil
}

// teardown releases the current browser context and watcher, if any, and
// resets the observed page state. Safe to call repeatedly; stop is closed
// before the context is cancelled so the watcher reads the shutdown as
// deliberate.
func (w *WebClient) teardown() {
	w.mu.Lock()
	stop := w.watchStop
	cancel := w.cancel
	w.watchStop = nil
	w.cancel = nil
	w.ctx = nil
	w.initialized = false
	w.lastQR = ""
	w.sawAuth, w.sawReady = false, false
	w.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if cancel != nil {
		cancel()
	}
}

func stopping(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// openChat clicks the sidebar row whose title matches chatID, falling back to
// the search box for chats scrolled out of view.
func (w *WebClient) openChat(ctx context.Context, chatID string) error {
	sel := fmt.Sprintf(`span[title=%q]`, chatID)
	if err := chromedp.Run(ctx,
		chromedp.Click(sel, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
	); err == nil {
		return nil
	}

	const search = `[data-testid="chat-list-search"], div[contenteditable="true"][data-tab="3"]`
	err := chromedp.Run(ctx,
		chromedp.Click(search, chromedp.ByQuery),
		chromedp.SendKeys(search, chatID, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.Click(sel, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("open chat %q: %w", chatID, err)
	}
	return nil
}

func (w *WebClient) taskContext() (context.Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx == nil || !w.initialized {
		return nil, fmt.Errorf("session destroyed: browser not running")
	}
	return w.ctx, nil
}

var _ domain.MessagingClient = (*WebClient)(nil)

// cleanTitle normalizes scraped titles (WhatsApp pads some with bidi marks).
func cleanTitle(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return r == '‎' || r == '‏' || r == ' '
	})
}
