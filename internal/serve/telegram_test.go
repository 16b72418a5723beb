package serve

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MetricsHub/m8b-slack/internal/llm"
	"github.com/MetricsHub/m8b-slack/internal/orchestrator"
)

// fakeBotSender is a botSender that records all Send calls for test assertions.
type fakeBotSender struct {
	mu     sync.Mutex
	sent   []string // text of each Send call, in order
	docs   []string // filenames of sent documents
	nextID int      // auto-incrementing MessageID
}

func (f *fakeBotSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch v := c.(type) {
	case tgbotapi.MessageConfig:
		f.sent = append(f.sent, v.Text)
	case tgbotapi.EditMessageTextConfig:
		f.sent = append(f.sent, v.Text)
	case tgbotapi.DocumentConfig:
		if fb, ok := v.File.(tgbotapi.FileBytes); ok {
			f.docs = append(f.docs, fb.Name)
		}
	}

	id := f.nextID
	f.nextID++
	return tgbotapi.Message{MessageID: id}, nil
}

func (f *fakeBotSender) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeBotSender) allTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// scriptedHandler drives the delivery surface the way the orchestrator would.
type scriptedHandler struct {
	mu       sync.Mutex
	messages []orchestrator.IncomingMessage
	run      func(ctx context.Context, delivery orchestrator.Delivery)
}

func (h *scriptedHandler) HandleMessage(ctx context.Context, msg orchestrator.IncomingMessage, delivery orchestrator.Delivery) error {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	if h.run != nil {
		h.run(ctx, delivery)
	}
	return nil
}

func userMessage(chatID, userID int64, username, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, UserName: username},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}
}

func commandMessage(chatID, userID int64, username, command string) *tgbotapi.Message {
	msg := userMessage(chatID, userID, username, "/"+command)
	msg.Entities = []tgbotapi.MessageEntity{
		{Type: "bot_command", Offset: 0, Length: len(command) + 1},
	}
	return msg
}

func newTestMgr(handler Handler) *telegramSessionMgr {
	return &telegramSessionMgr{
		sessions:       make(map[int64]*telegramSession),
		settings:       Settings{Handler: handler},
		idleTimeout:    30 * time.Minute,
		allowedUserIDs: buildAllowedSet([]int64{42}),
		tickerInterval: 5 * time.Millisecond,
	}
}

func TestIsAllowed(t *testing.T) {
	mgr := &telegramSessionMgr{
		allowedUserIDs:   buildAllowedSet([]int64{42}),
		allowedUsernames: buildAllowedUsernameSet([]string{"Alice"}),
	}
	if !mgr.isAllowed(42, "") {
		t.Error("allowed id rejected")
	}
	if !mgr.isAllowed(7, "alice") {
		t.Error("allowed username rejected (case-insensitive)")
	}
	if mgr.isAllowed(7, "bob") {
		t.Error("unknown user accepted")
	}

	empty := &telegramSessionMgr{}
	if empty.isAllowed(42, "alice") {
		t.Error("empty allowlist must reject everyone")
	}
}

func TestHandleMessageUnauthorised(t *testing.T) {
	bot := &fakeBotSender{}
	handler := &scriptedHandler{}
	mgr := newTestMgr(handler)

	mgr.handleMessage(context.Background(), bot, userMessage(1, 99, "mallory", "hi"))

	if len(handler.messages) != 0 {
		t.Error("handler invoked for unauthorised user")
	}
	if len(bot.allTexts()) != 0 {
		t.Errorf("replies sent to unauthorised user: %v", bot.allTexts())
	}
}

func TestHandleMessageDrivesHandler(t *testing.T) {
	bot := &fakeBotSender{}
	handler := &scriptedHandler{
		run: func(ctx context.Context, delivery orchestrator.Delivery) {
			ctrl := delivery.StartIncremental(ctx)
			ctrl.Append("CPU on db-01 is at 95%.")
			time.Sleep(30 * time.Millisecond)
			ctrl.Stop()
			delivery.SaveContextMarker(ctx, "resp_abc", nil)
		},
	}
	mgr := newTestMgr(handler)

	mgr.handleMessage(context.Background(), bot, userMessage(1, 42, "ops", "how is db-01?"))

	if len(handler.messages) != 1 {
		t.Fatalf("handler calls: %d", len(handler.messages))
	}
	if handler.messages[0].Text != "how is db-01?" {
		t.Errorf("text = %q", handler.messages[0].Text)
	}

	sess := mgr.getOrCreate(1)
	if sess.lastResponseID != "resp_abc" {
		t.Errorf("response id = %q", sess.lastResponseID)
	}
	if len(sess.history) != 2 {
		t.Fatalf("history: %+v", sess.history)
	}
	if sess.history[0].Role != "user" || sess.history[1].Role != "assistant" {
		t.Errorf("history roles: %s, %s", sess.history[0].Role, sess.history[1].Role)
	}
	if !strings.Contains(bot.lastText(), "CPU on db-01") {
		t.Errorf("final edit = %q", bot.lastText())
	}
}

func TestHandleMessageResumesWithResponseID(t *testing.T) {
	bot := &fakeBotSender{}
	handler := &scriptedHandler{}
	mgr := newTestMgr(handler)

	sess := mgr.getOrCreate(1)
	sess.lastResponseID = "resp_old"
	sess.history = []llm.InputItem{llm.UserItem("earlier"), llm.AssistantItem("noted")}
	sess.lastActivity = time.Now()

	mgr.handleMessage(context.Background(), bot, userMessage(1, 42, "ops", "continue"))

	msg := handler.messages[0]
	if msg.PriorResponseID != "resp_old" {
		t.Errorf("prior response id = %q", msg.PriorResponseID)
	}
	if msg.History != nil {
		t.Errorf("history must not be replayed when a response id resumes the thread: %+v", msg.History)
	}
}

func TestHandleMessageIdleReset(t *testing.T) {
	bot := &fakeBotSender{}
	handler := &scriptedHandler{}
	mgr := newTestMgr(handler)
	mgr.idleTimeout = time.Minute

	sess := mgr.getOrCreate(1)
	sess.lastResponseID = "resp_old"
	sess.history = []llm.InputItem{llm.UserItem("earlier")}
	sess.lastActivity = time.Now().Add(-time.Hour)

	mgr.handleMessage(context.Background(), bot, userMessage(1, 42, "ops", "hello again"))

	if handler.messages[0].PriorResponseID != "" {
		t.Error("stale response id survived the idle reset")
	}
	texts := bot.allTexts()
	if len(texts) == 0 || !strings.Contains(texts[0], "inactivity") {
		t.Errorf("no reset notice: %v", texts)
	}
}

func TestHandleCommands(t *testing.T) {
	bot := &fakeBotSender{}
	handler := &scriptedHandler{}
	mgr := newTestMgr(handler)

	sess := mgr.getOrCreate(1)
	sess.history = []llm.InputItem{llm.UserItem("x")}
	sess.lastResponseID = "resp_x"

	mgr.handleMessage(context.Background(), bot, commandMessage(1, 42, "ops", "reset"))
	if len(sess.history) != 0 || sess.lastResponseID != "" {
		t.Error("reset did not clear the session")
	}
	if !strings.Contains(bot.lastText(), "cleared") {
		t.Errorf("reset reply = %q", bot.lastText())
	}

	mgr.handleMessage(context.Background(), bot, commandMessage(1, 42, "ops", "status"))
	if !strings.Contains(bot.lastText(), "Messages in history: 0") {
		t.Errorf("status reply = %q", bot.lastText())
	}

	mgr.handleMessage(context.Background(), bot, commandMessage(1, 42, "ops", "help"))
	if !strings.Contains(bot.lastText(), "/reset") {
		t.Errorf("help reply = %q", bot.lastText())
	}
	if len(handler.messages) != 0 {
		t.Error("commands must not reach the handler")
	}
}

func TestTelegramStreamWindowing(t *testing.T) {
	bot := &fakeBotSender{}
	s := &telegramStream{
		bot:      bot,
		chatID:   1,
		interval: 5 * time.Millisecond,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.start()

	long := strings.Repeat("x", telegramMaxMessageLen+500)
	s.Append(long)
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	texts := bot.allTexts()
	var sawSplit, sawTail bool
	for _, text := range texts {
		if len(text) == telegramMaxMessageLen && !strings.HasSuffix(text, "▌") {
			sawSplit = true
		}
		if strings.HasSuffix(text, strings.Repeat("x", 500)) {
			sawTail = true
		}
	}
	if !sawSplit {
		t.Errorf("no full window was finalized: %d sends", len(texts))
	}
	if !sawTail {
		t.Error("tail window never delivered")
	}
}

func TestTelegramStreamWindowRuneSafe(t *testing.T) {
	bot := &fakeBotSender{}
	s := &telegramStream{
		bot:      bot,
		chatID:   1,
		interval: 5 * time.Millisecond,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.start()

	// 3-byte runes do not divide the window size evenly, so a byte-offset
	// split would land mid-rune.
	s.Append(strings.Repeat("⌘", telegramMaxMessageLen/3+200))
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	var sawSplit bool
	for _, text := range bot.allTexts() {
		if !utf8.ValidString(text) {
			t.Fatalf("sent text of %d bytes splits a rune", len(text))
		}
		if len(text) > telegramMaxMessageLen-3 && len(text) <= telegramMaxMessageLen && !strings.HasSuffix(text, "▌") {
			sawSplit = true
		}
	}
	if !sawSplit {
		t.Errorf("no full window was finalized: %d sends", len(bot.allTexts()))
	}
}

func TestTelegramStreamNoResponse(t *testing.T) {
	bot := &fakeBotSender{}
	s := &telegramStream{
		bot:      bot,
		chatID:   1,
		interval: time.Hour,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.start()
	s.Stop()

	if bot.lastText() != "(no response)" {
		t.Errorf("last text = %q", bot.lastText())
	}
}

func TestDeliverFile(t *testing.T) {
	bot := &fakeBotSender{}
	d := &telegramDelivery{bot: bot, chatID: 1}
	if err := d.DeliverFile(context.Background(), "cpu.png", []byte("png")); err != nil {
		t.Fatal(err)
	}
	if len(bot.docs) != 1 || bot.docs[0] != "cpu.png" {
		t.Errorf("docs = %v", bot.docs)
	}
}

func TestSplitWindows(t *testing.T) {
	if got := splitWindows("short", 100); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text split: %v", got)
	}

	text := strings.Repeat("a", 90) + "\n" + strings.Repeat("b", 90)
	got := splitWindows(text, 100)
	if len(got) != 2 {
		t.Fatalf("windows: %d", len(got))
	}
	if !strings.HasSuffix(got[0], "a") || !strings.HasPrefix(got[1], "b") {
		t.Errorf("split not at newline: %q | %q", got[0], got[1])
	}

	// No newline available: hard split.
	got = splitWindows(strings.Repeat("c", 150), 100)
	if len(got) != 2 || len(got[0]) != 100 {
		t.Errorf("hard split: %v", got)
	}

	// Hard splits back off to a rune boundary.
	got = splitWindows(strings.Repeat("⌘", 50), 100)
	for i, w := range got {
		if !utf8.ValidString(w) {
			t.Errorf("window %d splits a rune: %q", i, w)
		}
	}
}

func TestRuneBoundary(t *testing.T) {
	s := "ab⌘" // rune starts at offsets 0, 1, 2
	cases := []struct{ max, want int }{
		{10, 5}, {5, 5}, {4, 2}, {3, 2}, {2, 2}, {1, 1},
	}
	for _, tc := range cases {
		if got := runeBoundary(s, tc.max); got != tc.want {
			t.Errorf("runeBoundary(%q, %d) = %d, want %d", s, tc.max, got, tc.want)
		}
	}
}
