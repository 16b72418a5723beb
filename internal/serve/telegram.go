package serve

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MetricsHub/m8b-slack/internal/config"
	"github.com/MetricsHub/m8b-slack/internal/llm"
	"github.com/MetricsHub/m8b-slack/internal/orchestrator"
)

const telegramMaxMessageLen = 4000 // Telegram limit is 4096; leave margin

// botSender is the subset of tgbotapi.BotAPI used by the delivery path,
// allowing tests to supply a fake without a live connection.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramPlatform implements Platform for Telegram.
type TelegramPlatform struct {
	cfg config.TelegramConfig
}

func NewTelegramPlatform(cfg config.TelegramConfig) *TelegramPlatform {
	return &TelegramPlatform{cfg: cfg}
}

func (p *TelegramPlatform) Name() string { return "telegram" }

// NeedsSetup returns true when the bot token is missing.
func (p *TelegramPlatform) NeedsSetup() bool {
	return strings.TrimSpace(p.cfg.Token) == ""
}

// Run starts the Telegram bot loop, blocking until ctx is cancelled.
func (p *TelegramPlatform) Run(ctx context.Context, settings Settings) error {
	token := strings.TrimSpace(p.cfg.Token)
	if token == "" {
		return fmt.Errorf("telegram.token is not configured")
	}
	if len(p.cfg.AllowedUserIDs) == 0 && len(p.cfg.AllowedUsernames) == 0 {
		log.Println("[telegram] warning: no allowed_user_ids or allowed_usernames configured; all messages will be rejected")
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("telegram connect: %w", err)
	}
	log.Printf("[telegram] authorised as @%s", bot.Self.UserName)

	idleTimeout := 30 * time.Minute
	if p.cfg.IdleTimeout > 0 {
		idleTimeout = time.Duration(p.cfg.IdleTimeout) * time.Minute
	}

	mgr := &telegramSessionMgr{
		sessions:         make(map[int64]*telegramSession),
		settings:         settings,
		idleTimeout:      idleTimeout,
		allowedUserIDs:   buildAllowedSet(p.cfg.AllowedUserIDs),
		allowedUsernames: buildAllowedUsernameSet(p.cfg.AllowedUsernames),
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go mgr.handleMessage(ctx, bot, update.Message)
		}
	}
}

func buildAllowedSet(ids []int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func buildAllowedUsernameSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, name := range names {
		m[strings.ToLower(name)] = struct{}{}
	}
	return m
}

// telegramSession holds per-chat conversation state. The mutex is held for
// the whole handling of a message so concurrent messages from the same chat
// are serialised.
type telegramSession struct {
	mu             sync.Mutex
	history        []llm.InputItem
	lastResponseID string
	lastActivity   time.Time
}

// telegramSessionMgr manages per-chat sessions.
type telegramSessionMgr struct {
	mu               sync.Mutex
	sessions         map[int64]*telegramSession
	settings         Settings
	idleTimeout      time.Duration
	allowedUserIDs   map[int64]struct{}
	allowedUsernames map[string]struct{}
	tickerInterval   time.Duration // 0 means use default (500ms); overridden in tests
}

func (m *telegramSessionMgr) isAllowed(userID int64, username string) bool {
	if len(m.allowedUserIDs) == 0 && len(m.allowedUsernames) == 0 {
		return false
	}
	if _, ok := m.allowedUserIDs[userID]; ok {
		return true
	}
	if username != "" {
		_, ok := m.allowedUsernames[strings.ToLower(username)]
		return ok
	}
	return false
}

func (m *telegramSessionMgr) getOrCreate(chatID int64) *telegramSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[chatID]
	if !ok {
		sess = &telegramSession{lastActivity: time.Now()}
		m.sessions[chatID] = sess
	}
	return sess
}

func (m *telegramSessionMgr) handleMessage(ctx context.Context, bot botSender, msg *tgbotapi.Message) {
	if !m.isAllowed(msg.From.ID, msg.From.UserName) {
		log.Printf("[telegram] ignoring message from unauthorised user %d (@%s)", msg.From.ID, msg.From.UserName)
		return
	}

	chatID := msg.Chat.ID
	sess := m.getOrCreate(chatID)

	if msg.IsCommand() {
		m.handleCommand(bot, sess, chatID, msg.Command())
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" && msg.Caption != "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.lastActivity.IsZero() && time.Since(sess.lastActivity) > m.idleTimeout && len(sess.history) > 0 {
		sess.history = nil
		sess.lastResponseID = ""
		_, _ = bot.Send(tgbotapi.NewMessage(chatID, "(Session reset due to inactivity)"))
	}
	sess.lastActivity = time.Now()

	_, _ = bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	incoming := orchestrator.IncomingMessage{
		Text:            text,
		PriorResponseID: sess.lastResponseID,
	}
	// The response id anchors the conversation server-side; history is only
	// replayed when there is no id to resume from.
	if sess.lastResponseID == "" {
		incoming.History = append([]llm.InputItem(nil), sess.history...)
	}

	delivery := &telegramDelivery{
		bot:            bot,
		chatID:         chatID,
		tickerInterval: m.tickerInterval,
	}

	if err := m.settings.Handler.HandleMessage(ctx, incoming, delivery); err != nil {
		log.Printf("[telegram] handle message for chat %d: %v", chatID, err)
		_, _ = bot.Send(tgbotapi.NewMessage(chatID, "Sorry, an error occurred: "+err.Error()))
		return
	}

	sess.history = append(sess.history, llm.UserItem(text))
	if reply := delivery.deliveredText(); reply != "" {
		sess.history = append(sess.history, llm.AssistantItem(reply))
	}
	sess.lastResponseID = delivery.contextResponseID()
	sess.lastActivity = time.Now()
}

func (m *telegramSessionMgr) handleCommand(bot botSender, sess *telegramSession, chatID int64, command string) {
	switch command {
	case "start", "help":
		helpText := "I'm your monitoring assistant. Ask me about your hosts and metrics.\n\n" +
			"Commands:\n" +
			"/reset  - Clear conversation history\n" +
			"/status - Show session info"
		_, _ = bot.Send(tgbotapi.NewMessage(chatID, helpText))

	case "reset":
		sess.mu.Lock()
		sess.history = nil
		sess.lastResponseID = ""
		sess.mu.Unlock()
		_, _ = bot.Send(tgbotapi.NewMessage(chatID, "Conversation history cleared."))

	case "status":
		sess.mu.Lock()
		msgCount := len(sess.history)
		lastAct := sess.lastActivity
		sess.mu.Unlock()
		status := fmt.Sprintf("Session active\nMessages in history: %d\nLast activity: %s",
			msgCount, lastAct.Format(time.RFC3339))
		_, _ = bot.Send(tgbotapi.NewMessage(chatID, status))
	}
}

// telegramDelivery is the outbound surface for one handled message.
type telegramDelivery struct {
	bot            botSender
	chatID         int64
	tickerInterval time.Duration

	mu         sync.Mutex
	texts      []string
	responseID string
	lastTyping time.Time
}

func (d *telegramDelivery) SendText(ctx context.Context, text string) error {
	d.mu.Lock()
	d.texts = append(d.texts, text)
	d.mu.Unlock()

	for _, window := range splitWindows(text, telegramMaxMessageLen) {
		if err := sendTelegramHTML(d.bot, d.chatID, window); err != nil {
			return err
		}
	}
	return nil
}

func (d *telegramDelivery) StartIncremental(ctx context.Context) llm.DeliveryController {
	s := &telegramStream{
		bot:      d.bot,
		chatID:   d.chatID,
		interval: d.tickerInterval,
		owner:    d,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.start()
	return s
}

// SetStatus has no persistent surface on Telegram; the typing indicator is
// refreshed instead. Telegram expires it after ~5s.
func (d *telegramDelivery) SetStatus(ctx context.Context, chunks []string) {
	d.mu.Lock()
	stale := time.Since(d.lastTyping) > 4*time.Second
	if stale {
		d.lastTyping = time.Now()
	}
	d.mu.Unlock()
	if stale {
		_, _ = d.bot.Send(tgbotapi.NewChatAction(d.chatID, tgbotapi.ChatTyping))
	}
}

func (d *telegramDelivery) DeliverFile(ctx context.Context, filename string, data []byte) error {
	doc := tgbotapi.NewDocument(d.chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	_, err := d.bot.Send(doc)
	return err
}

func (d *telegramDelivery) SaveContextMarker(ctx context.Context, responseID string, fileIDs []string) {
	d.mu.Lock()
	d.responseID = responseID
	d.mu.Unlock()
}

func (d *telegramDelivery) recordText(text string) {
	d.mu.Lock()
	d.texts = append(d.texts, text)
	d.mu.Unlock()
}

func (d *telegramDelivery) deliveredText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.TrimSpace(strings.Join(d.texts, "\n\n"))
}

func (d *telegramDelivery) contextResponseID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.responseID
}

// telegramStream streams a reply into the chat via live message editing,
// splitting into a fresh message each time the window fills up.
type telegramStream struct {
	bot      botSender
	chatID   int64
	interval time.Duration
	owner    *telegramDelivery

	mu       sync.Mutex
	buf      strings.Builder
	done     chan struct{}
	finished chan struct{}

	currentMsgID int
	msgStart     int
	needNewMsg   bool
	lastShown    string
}

func (s *telegramStream) start() {
	placeholder, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, "⏳"))
	if err != nil {
		log.Printf("[telegram] send placeholder: %v", err)
	}
	s.currentMsgID = placeholder.MessageID
	go s.run()
}

func (s *telegramStream) Append(text string) {
	s.mu.Lock()
	s.buf.WriteString(text)
	s.mu.Unlock()
}

func (s *telegramStream) Stop() {
	close(s.done)
	<-s.finished

	s.mu.Lock()
	full := s.buf.String()
	prose := full[s.msgStart:]
	needNew := s.needNewMsg
	s.mu.Unlock()

	if s.owner != nil && full != "" {
		s.owner.recordText(full)
	}

	if prose == "" {
		if full == "" {
			s.sendEdit(s.currentMsgID, "(no response)")
		}
		return
	}
	if needNew {
		newMsg, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, "⏳"))
		if err == nil {
			s.currentMsgID = newMsg.MessageID
		}
	}
	// Final edit renders the last window as Telegram HTML.
	if err := sendTelegramEditHTML(s.bot, s.chatID, s.currentMsgID, prose); err != nil {
		s.sendEdit(s.currentMsgID, prose)
	}
}

func (s *telegramStream) run() {
	defer close(s.finished)

	interval := s.interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *telegramStream) tick() {
	s.mu.Lock()
	full := s.buf.String()
	prose := full[s.msgStart:]
	needNew := s.needNewMsg
	s.mu.Unlock()

	if prose == "" || prose == s.lastShown {
		return
	}

	if len(prose) >= telegramMaxMessageLen {
		// Finalize this window at the split point; the next placeholder is
		// created lazily once there is content to show in it.
		splitAt := runeBoundary(prose, telegramMaxMessageLen)
		s.sendEdit(s.currentMsgID, prose[:splitAt])
		s.mu.Lock()
		s.msgStart += splitAt
		s.needNewMsg = true
		s.mu.Unlock()
		s.lastShown = ""
		return
	}

	if needNew {
		newMsg, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, "⏳"))
		if err != nil {
			return
		}
		s.currentMsgID = newMsg.MessageID
		s.mu.Lock()
		s.needNewMsg = false
		s.mu.Unlock()
	}
	s.sendEdit(s.currentMsgID, prose+"▌")
	s.lastShown = prose
}

func (s *telegramStream) sendEdit(msgID int, content string) {
	edit := tgbotapi.NewEditMessageText(s.chatID, msgID, content)
	_, _ = s.bot.Send(edit) // rate-limit errors are silently ignored
}

// sendTelegramHTML sends text rendered to Telegram HTML, falling back to
// plain text when the HTML is rejected.
func sendTelegramHTML(bot botSender, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, mdToTelegramHTML(text))
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := bot.Send(msg); err != nil {
		_, err = bot.Send(tgbotapi.NewMessage(chatID, text))
		return err
	}
	return nil
}

func sendTelegramEditHTML(bot botSender, chatID int64, msgID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, msgID, mdToTelegramHTML(text))
	edit.ParseMode = tgbotapi.ModeHTML
	_, err := bot.Send(edit)
	return err
}

// splitWindows splits text into chunks of at most size bytes, preferring
// newline boundaries.
func splitWindows(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var out []string
	for len(text) > size {
		cut := strings.LastIndexByte(text[:size], '\n')
		if cut <= 0 {
			cut = runeBoundary(text, size)
		}
		out = append(out, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// runeBoundary returns the largest cut point <= max that does not split a
// multi-byte rune.
func runeBoundary(s string, max int) int {
	if len(s) <= max {
		return len(s)
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}
