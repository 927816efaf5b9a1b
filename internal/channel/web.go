package channel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"companion/internal/config"
	"companion/internal/domain"
	"companion/internal/metrics"
	"companion/internal/provider"
	"companion/internal/session"
)

const (
	maxBodySize       = 1 << 20 // 1MB
	maxAudioSize      = 16 << 20
	requestTimeout    = 120 * time.Second
	sessionCookieName = "companion_session"
	sessionMaxAge     = 86400 * 30 // 30 days
)

// WhatsAppBridge is the slice of the messaging adapter the web API exposes.
type WhatsAppBridge interface {
	Connect(ctx context.Context) (domain.ConnectionStatus, error)
	Status() domain.ConnectionStatus
	Logout(ctx context.Context) error
	ListRecent(ctx context.Context, limit int) ([]domain.Message, error)
	ListUnread(ctx context.Context) ([]domain.Message, error)
	ListFromContact(ctx context.Context, contact string, limit int) ([]domain.Message, error)
	Send(ctx context.Context, target, body string) (string, error)
	Reply(ctx context.Context, messageID, body string) error
}

// Transcriber converts captured audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (*provider.TranscriptionResult, error)
}

// Synthesizer converts reply text to spoken audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// Web implements domain.Channel as the JSON API the voice front-end talks to.
type Web struct {
	host    string
	port    int
	bus     domain.MessageBus
	logger  *slog.Logger
	server  *http.Server
	version string

	bridge      WhatsAppBridge
	transcriber Transcriber
	synthesizer Synthesizer
	journal     *session.Journal

	// Config reference for settings API (protected by cfgMu)
	cfg     *config.Config
	cfgPath string
	cfgMu   sync.RWMutex

	// Auth settings
	authEnabled  bool
	authUser     string
	authPassHash string

	// Pending responses keyed by session ID
	pendingResponses   map[string]chan domain.OutboundMessage
	pendingResponsesMu sync.Mutex
}

type WebChannelConfig struct {
	Host        string
	Port        int
	Logger      *slog.Logger
	Bridge      WhatsAppBridge
	Transcriber Transcriber // nil disables /api/speech/transcribe
	Synthesizer Synthesizer // nil disables /api/speech/synthesize
	Journal     *session.Journal
	Config      *config.Config
	ConfigPath  string
	Version     string
}

func NewWeb(cfg WebChannelConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &Web{
		host:             cfg.Host,
		port:             cfg.Port,
		logger:           cfg.Logger,
		version:          cfg.Version,
		bridge:           cfg.Bridge,
		transcriber:      cfg.Transcriber,
		synthesizer:      cfg.Synthesizer,
		journal:          cfg.Journal,
		cfg:              cfg.Config,
		cfgPath:          cfg.ConfigPath,
		pendingResponses: make(map[string]chan domain.OutboundMessage),
	}

	if cfg.Config != nil && cfg.Config.Channels.Web.Auth.Enabled {
		w.authEnabled = true
		w.authUser = cfg.Config.Channels.Web.Auth.Username
		w.authPassHash = cfg.Config.Channels.Web.Auth.PasswordHash
	}

	return w
}

func (w *Web) Name() string { return "web" }

// SetBus wires the message bus and response routing without starting the
// server. Start calls it; tests call it directly.
func (w *Web) SetBus(bus domain.MessageBus) {
	w.bus = bus
	bus.OnOutbound("web", func(msg domain.OutboundMessage) {
		w.pendingResponsesMu.Lock()
		ch, ok := w.pendingResponses[msg.ChatID]
		w.pendingResponsesMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	})
}

// Handler returns the routed HTTP handler.
func (w *Web) Handler() http.Handler { return w.routes() }

// Start starts the API server.
func (w *Web) Start(ctx context.Context, bus domain.MessageBus) error {
	w.SetBus(bus)

	mux := w.routes()

	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	w.logger.Info("web API started", "addr", "http://"+addr, "auth", w.authEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (w *Web) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", w.requireAuth(w.handleChat))
	mux.HandleFunc("POST /api/chat/reset", w.requireAuth(w.handleReset))

	mux.HandleFunc("POST /api/whatsapp/connect", w.requireAuth(w.handleConnect))
	mux.HandleFunc("GET /api/whatsapp/status", w.requireAuth(w.handleWhatsAppStatus))
	mux.HandleFunc("POST /api/whatsapp/logout", w.requireAuth(w.handleLogout))
	mux.HandleFunc("POST /api/whatsapp/send", w.requireAuth(w.handleWhatsAppSend))
	mux.HandleFunc("GET /api/whatsapp/messages", w.requireAuth(w.handleMessages))

	mux.HandleFunc("POST /api/speech/transcribe", w.requireAuth(w.handleTranscribe))
	mux.HandleFunc("POST /api/speech/synthesize", w.requireAuth(w.handleSynthesize))

	mux.HandleFunc("GET /api/session/transitions", w.requireAuth(w.handleTransitions))

	// Settings API (always requires auth)
	mux.HandleFunc("GET /api/config", w.requireAuth(w.handleGetConfig))
	mux.HandleFunc("PUT /api/config", w.requireAuth(w.handleUpdateConfig))
	mux.HandleFunc("POST /api/config/save", w.requireAuth(w.handleSaveConfig))

	mux.HandleFunc("GET /status", w.handleStatus) // public endpoint
	if w.cfg == nil || w.cfg.Metrics.Enabled {
		endpoint := "/metrics"
		if w.cfg != nil && w.cfg.Metrics.Endpoint != "" {
			endpoint = w.cfg.Metrics.Endpoint
		}
		mux.HandleFunc("GET "+endpoint, metrics.Collector.Handler())
	}

	return mux
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !w.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="Companion"`)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

// checkCredentials verifies username and password against the stored SHA-256 hex hash.
func (w *Web) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(w.authUser)) != 1 {
		return false
	}
	hash := sha256.Sum256([]byte(pass))
	got := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.authPassHash)) == 1
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

func (w *Web) Send(ctx context.Context, chatID string, content string) error {
	// Responses flow back through the pending-request channel; nothing to push.
	return nil
}

// getOrCreateSession returns a persistent session ID from cookies.
func (w *Web) getOrCreateSession(r *http.Request, rw http.ResponseWriter) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}

	b := make([]byte, 16)
	var sessionID string
	if _, err := rand.Read(b); err != nil {
		sessionID = fmt.Sprintf("web_%d", time.Now().UnixNano())
		w.logger.Warn("rand.Read failed, using fallback session ID", "err", err)
	} else {
		sessionID = "web_" + hex.EncodeToString(b)
	}

	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sessionID
}

// handleChat accepts one utterance and blocks until the orchestrator answers.
func (w *Web) handleChat(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil || req.Text == "" {
		writeJSONError(rw, http.StatusBadRequest, "empty text")
		return
	}

	sessionID := w.getOrCreateSession(r, rw)

	responseCh := make(chan domain.OutboundMessage, 1)
	w.pendingResponsesMu.Lock()
	if oldCh, exists := w.pendingResponses[sessionID]; exists {
		close(oldCh)
	}
	w.pendingResponses[sessionID] = responseCh
	w.pendingResponsesMu.Unlock()
	defer func() {
		w.pendingResponsesMu.Lock()
		if ch, ok := w.pendingResponses[sessionID]; ok && ch == responseCh {
			delete(w.pendingResponses, sessionID)
		}
		w.pendingResponsesMu.Unlock()
	}()

	w.bus.Publish(domain.InboundMessage{
		Channel:   "web",
		ChatID:    sessionID,
		SenderID:  "web_user",
		Content:   req.Text,
		Timestamp: time.Now(),
	})

	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	timeout := time.NewTimer(requestTimeout)
	defer timeout.Stop()
	select {
	case resp, ok := <-responseCh:
		if !ok {
			rw.WriteHeader(http.StatusConflict)
			json.NewEncoder(rw).Encode(map[string]string{"error": "superseded by new request"})
			return
		}
		json.NewEncoder(rw).Encode(map[string]string{
			"response": resp.Content,
			"emotion":  string(resp.Emotion),
		})
	case <-timeout.C:
		rw.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(rw).Encode(map[string]string{"error": "request timed out"})
	case <-r.Context().Done():
		w.logger.Info("web client disconnected", "session", sessionID)
	}
}

func (w *Web) handleReset(rw http.ResponseWriter, r *http.Request) {
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(map[string]string{"status": "session cleared"})
}

func (w *Web) handleConnect(rw http.ResponseWriter, r *http.Request) {
	if w.bridge == nil {
		writeJSONError(rw, http.StatusServiceUnavailable, "whatsapp bridge disabled")
		return
	}
	st, err := w.bridge.Connect(r.Context())
	if err != nil {
		w.logger.Error("connect failed", "err", err)
		writeJSONError(rw, http.StatusBadGateway, err.Error())
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(st)
}

func (w *Web) handleWhatsAppStatus(rw http.ResponseWriter, r *http.Request) {
	if w.bridge == nil {
		writeJSONError(rw, http.StatusServiceUnavailable, "whatsapp bridge disabled")
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(w.bridge.Status())
}

func (w *Web) handleLogout(rw http.ResponseWriter, r *http.Request) {
	if w.bridge == nil {
		writeJSONError(rw, http.StatusServiceUnavailable, "whatsapp bridge disabled")
		return
	}
	if err := w.bridge.Logout(r.Context()); err != nil {
		writeJSONError(rw, http.StatusBadGateway, err.Error())
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(map[string]string{"status": "logged out"})
}

func (w *Web) handleWhatsAppSend(rw http.ResponseWriter, r *http.Request) {
	if w.bridge == nil {
		writeJSONError(rw, http.StatusServiceUnavailable, "whatsapp bridge disabled")
		return
	}
	var req struct {
		Target           string `json:"target"`
		Message          string `json:"message"`
		ReplyToMessageID string `json:"replyToMessageId"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil || req.Message == "" {
		writeJSONError(rw, http.StatusBadRequest, "message is required")
		return
	}
	// Exactly one of target / replyToMessageId picks the delivery mode.
	if (req.Target == "") == (req.ReplyToMessageID == "") {
		writeJSONError(rw, http.StatusBadRequest, "provide exactly one of target or replyToMessageId")
		return
	}

	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	if req.ReplyToMessageID != "" {
		if err := w.bridge.Reply(r.Context(), req.ReplyToMessageID, req.Message); err != nil {
			writeBridgeError(rw, err)
			return
		}
		metrics.MessagesSentTotal.Inc()
		json.NewEncoder(rw).Encode(map[string]string{"status": "sent", "repliedTo": req.ReplyToMessageID})
		return
	}

	name, err := w.bridge.Send(r.Context(), req.Target, req.Message)
	if err != nil {
		writeBridgeError(rw, err)
		return
	}
	metrics.MessagesSentTotal.Inc()
	json.NewEncoder(rw).Encode(map[string]string{"status": "sent", "to": name})
}

// handleMessages lists messages: ?unreadOnly=true, ?contact=name, ?limit=n.
func (w *Web) handleMessages(rw http.ResponseWriter, r *http.Request) {
	if w.bridge == nil {
		writeJSONError(rw, http.StatusServiceUnavailable, "whatsapp bridge disabled")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 10
	}

	var msgs []domain.Message
	var err error
	switch {
	case q.Get("contact") != "":
		msgs, err = w.bridge.ListFromContact(r.Context(), q.Get("contact"), limit)
	case q.Get("unreadOnly") == "true":
		msgs, err = w.bridge.ListUnread(r.Context())
	default:
		msgs, err = w.bridge.ListRecent(r.Context(), limit)
	}
	if err != nil {
		writeBridgeError(rw, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(map[string]any{"messages": msgs})
}

func (w *Web) handleTranscribe(rw http.ResponseWriter, r *http.Request) {
	if w.transcriber == nil {
		writeJSONError(rw, http.StatusServiceUnavailable, "transcription disabled")
		return
	}
	if err := r.ParseMultipartForm(maxAudioSize); err != nil {
		writeJSONError(rw, http.StatusBadRequest, "expected multipart audio upload")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSONError(rw, http.StatusBadRequest, "missing audio field")
		return
	}
	defer file.Close()

	result, err := w.transcriber.Transcribe(r.Context(), file, header.Filename)
	if err != nil {
		w.logger.Error("transcription failed", "err", err)
		writeJSONError(rw, http.StatusBadGateway, "transcription failed")
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(map[string]string{"text": result.Text})
}

func (w *Web) handleSynthesize(rw http.ResponseWriter, r *http.Request) {
	if w.synthesizer == nil {
		writeJSONError(rw, http.StatusServiceUnavailable, "synthesis disabled")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil || req.Text == "" {
		writeJSONError(rw, http.StatusBadRequest, "empty text")
		return
	}

	audio, err := w.synthesizer.Synthesize(r.Context(), req.Text)
	if err != nil {
		w.logger.Error("synthesis failed", "err", err)
		writeJSONError(rw, http.StatusBadGateway, "synthesis failed")
		return
	}
	defer audio.Close()

	rw.Header().Set("Content-Type", "audio/mpeg")
	if _, err := io.Copy(rw, audio); err != nil {
		w.logger.Warn("audio stream interrupted", "err", err)
	}
}

func (w *Web) handleTransitions(rw http.ResponseWriter, r *http.Request) {
	if w.journal == nil {
		writeJSONError(rw, http.StatusServiceUnavailable, "session journal disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ts, err := w.journal.RecentTransitions(r.Context(), limit)
	if err != nil {
		writeJSONError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(map[string]any{"transitions": ts})
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	out := map[string]any{
		"status":  "ok",
		"version": w.version,
		"time":    time.Now().Format(time.RFC3339),
	}
	if w.bridge != nil {
		out["whatsapp"] = w.bridge.Status()
	}
	json.NewEncoder(rw).Encode(out)
}

func (w *Web) handleGetConfig(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	w.cfgMu.RLock()
	cfg := w.cfg
	w.cfgMu.RUnlock()

	if cfg == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"error": "config not loaded"})
		return
	}
	json.NewEncoder(rw).Encode(config.Sanitize(cfg))
}

func (w *Web) handleUpdateConfig(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	if w.cfg == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"error": "config not loaded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "read body: " + err.Error()})
		return
	}
	defer r.Body.Close()

	// Partial update: { "path": "whatsapp.headless", "value": "false" }
	var partial struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(body, &partial); err == nil && partial.Path != "" {
		if err := config.SetByPath(w.cfg, partial.Path, partial.Value); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
			return
		}
		if err := config.Validate(w.cfg); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "validation: " + err.Error()})
			return
		}
		w.logger.Info("config updated via path", "path", partial.Path, "value", partial.Value)
		json.NewEncoder(rw).Encode(map[string]string{"status": "updated", "path": partial.Path})
		return
	}

	// Full config update — unmarshal into a temporary copy first, then validate
	var candidate config.Config
	if err := json.Unmarshal(body, &candidate); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "invalid config: " + err.Error()})
		return
	}
	if err := config.Validate(&candidate); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "validation: " + err.Error()})
		return
	}
	*w.cfg = candidate

	w.logger.Info("config updated (full)")
	json.NewEncoder(rw).Encode(map[string]string{"status": "updated"})
}

func (w *Web) handleSaveConfig(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	w.cfgMu.RLock()
	cfg := w.cfg
	cfgPath := w.cfgPath
	w.cfgMu.RUnlock()

	if cfg == nil || cfgPath == "" {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"error": "config not available"})
		return
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(rw).Encode(map[string]string{"error": "save failed: " + err.Error()})
		return
	}

	w.logger.Info("config saved to disk", "path", cfgPath)
	json.NewEncoder(rw).Encode(map[string]string{"status": "saved", "path": cfgPath})
}

func writeJSONError(rw http.ResponseWriter, code int, msg string) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(map[string]string{"error": msg})
}

// writeBridgeError maps adapter errors onto HTTP codes.
func writeBridgeError(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotConnected):
		writeJSONError(rw, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrContactNotFound), errors.Is(err, domain.ErrMessageNotFound):
		writeJSONError(rw, http.StatusNotFound, err.Error())
	default:
		writeJSONError(rw, http.StatusBadGateway, err.Error())
	}
}
