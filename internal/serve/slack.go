package serve

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/MetricsHub/m8b-slack/internal/config"
	"github.com/MetricsHub/m8b-slack/internal/llm"
	"github.com/MetricsHub/m8b-slack/internal/orchestrator"
)

const (
	slackMaxMessageLen = 3900 // Slack truncates around 4000; leave margin
	contextMarkerEvent = "context-marker"
)

// slackAPI is the subset of *slack.Client the adapter uses, allowing tests
// to supply a fake without a live connection.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
	SetAssistantThreadsStatusContext(ctx context.Context, params slack.AssistantThreadsSetStatusParameters) error
	SetAssistantThreadsTitleContext(ctx context.Context, params slack.AssistantThreadsSetTitleParameters) error
	SetAssistantThreadsSuggestedPromptsContext(ctx context.Context, params slack.AssistantThreadsSetSuggestedPromptsParameters) error
}

// SlackPlatform implements Platform for Slack over Socket Mode.
type SlackPlatform struct {
	cfg config.SlackConfig
}

func NewSlackPlatform(cfg config.SlackConfig) *SlackPlatform {
	return &SlackPlatform{cfg: cfg}
}

func (p *SlackPlatform) Name() string { return "slack" }

// NeedsSetup returns true when either token is missing. Socket Mode needs
// both the bot token (xoxb-) and the app-level token (xapp-).
func (p *SlackPlatform) NeedsSetup() bool {
	return strings.TrimSpace(p.cfg.BotToken) == "" || strings.TrimSpace(p.cfg.AppToken) == ""
}

// Run starts the Socket Mode event loop, blocking until ctx is cancelled.
func (p *SlackPlatform) Run(ctx context.Context, settings Settings) error {
	if p.NeedsSetup() {
		return fmt.Errorf("slack.bot_token and slack.app_token must both be configured")
	}

	client := slack.New(p.cfg.BotToken, slack.OptionAppLevelToken(p.cfg.AppToken))
	authResp, err := client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	log.Printf("[slack] authorised as %s (%s)", authResp.User, authResp.UserID)

	socket := socketmode.New(client)
	h := &slackHandler{
		api:       client,
		settings:  settings,
		botUserID: authResp.UserID,
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-socket.Events:
				if !ok {
					return
				}
				h.handleEvent(ctx, socket, event)
			}
		}
	}()

	return socket.RunContext(ctx)
}

type slackHandler struct {
	api       slackAPI
	settings  Settings
	botUserID string

	// tickerInterval overrides the streaming update cadence in tests.
	tickerInterval time.Duration
}

func (h *slackHandler) handleEvent(ctx context.Context, socket *socketmode.Client, event socketmode.Event) {
	switch event.Type {
	case socketmode.EventTypeConnecting:
		log.Println("[slack] connecting")
	case socketmode.EventTypeConnectionError:
		log.Println("[slack] connection error, retrying")
	case socketmode.EventTypeConnected:
		log.Println("[slack] connected")
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		socket.Ack(*event.Request)
		h.dispatchEvent(ctx, apiEvent)
	}
}

func (h *slackHandler) dispatchEvent(ctx context.Context, event slackevents.EventsAPIEvent) {
	switch inner := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		go h.handleIncoming(ctx, inner.Channel, inner.User, inner.BotID, inner.Text, inner.TimeStamp, inner.ThreadTimeStamp)
	case *slackevents.MessageEvent:
		// Only direct messages; channel traffic arrives as app mentions.
		if inner.ChannelType != "im" || inner.SubType != "" {
			return
		}
		go h.handleIncoming(ctx, inner.Channel, inner.User, inner.BotID, inner.Text, inner.TimeStamp, inner.ThreadTimeStamp)
	case *slackevents.AssistantThreadStartedEvent:
		go h.greetAssistantThread(ctx, inner)
	}
}

// greetAssistantThread sets the title and suggested prompts on a freshly
// opened assistant pane.
func (h *slackHandler) greetAssistantThread(ctx context.Context, event *slackevents.AssistantThreadStartedEvent) {
	channel := event.AssistantThread.ChannelID
	threadTS := event.AssistantThread.ThreadTimeStamp

	if err := h.api.SetAssistantThreadsTitleContext(ctx, slack.AssistantThreadsSetTitleParameters{
		ChannelID: channel,
		ThreadTS:  threadTS,
		Title:     "Infrastructure monitoring",
	}); err != nil {
		log.Printf("[slack] set title: %v", err)
	}

	err := h.api.SetAssistantThreadsSuggestedPromptsContext(ctx, slack.AssistantThreadsSetSuggestedPromptsParameters{
		ChannelID: channel,
		ThreadTS:  threadTS,
		Title:     "Try asking:",
		Prompts: []slack.AssistantThreadsPrompt{
			{Title: "Host inventory", Message: "Which hosts are you monitoring?"},
			{Title: "Health check", Message: "Is anything in a degraded state right now?"},
			{Title: "Metrics", Message: "Graph CPU usage for the busiest host over the last hour."},
		},
	})
	if err != nil {
		log.Printf("[slack] set suggested prompts: %v", err)
	}
}

func (h *slackHandler) handleIncoming(ctx context.Context, channel, user, botID, text, ts, threadTS string) {
	if user == h.botUserID || user == "" || botID != "" {
		return
	}

	text = stripMention(text, h.botUserID)
	if threadTS == "" {
		threadTS = ts
	}

	if err := h.api.AddReactionContext(ctx, "eyes", slack.NewRefToMessage(channel, ts)); err != nil {
		log.Printf("[slack] react: %v", err)
	}

	incoming := orchestrator.IncomingMessage{Text: text}
	replies := h.threadReplies(ctx, channel, threadTS)
	if len(replies) > 0 {
		history, priorID, current := buildSlackHistory(replies, h.botUserID, ts)
		incoming.PriorResponseID = priorID
		if priorID == "" {
			incoming.History = history
		}
		if current != nil {
			incoming.Attachments = h.fetchAttachments(ctx, current.Files)
		}
	}
	if incoming.Text == "" && len(incoming.Attachments) == 0 {
		return
	}

	delivery := &slackDelivery{
		api:            h.api,
		channel:        channel,
		threadTS:       threadTS,
		tickerInterval: h.tickerInterval,
	}

	if err := h.settings.Handler.HandleMessage(ctx, incoming, delivery); err != nil {
		log.Printf("[slack] handle message in %s: %v", channel, err)
		_ = delivery.SendText(ctx, "Sorry, an error occurred: "+err.Error())
	}
}

func (h *slackHandler) threadReplies(ctx context.Context, channel, threadTS string) []slack.Message {
	limit := h.settings.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	msgs, _, _, err := h.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID:          channel,
		Timestamp:          threadTS,
		Limit:              limit,
		IncludeAllMetadata: true,
	})
	if err != nil {
		log.Printf("[slack] thread history %s/%s: %v", channel, threadTS, err)
		return nil
	}
	return msgs
}

// fetchAttachments downloads inbound files, keeping only images small
// enough to inline.
func (h *slackHandler) fetchAttachments(ctx context.Context, files []slack.File) []orchestrator.Attachment {
	const maxInline = 8 << 20
	var out []orchestrator.Attachment
	for _, f := range files {
		if !strings.HasPrefix(f.Mimetype, "image/") || f.Size > maxInline {
			continue
		}
		var buf bytes.Buffer
		if err := h.api.GetFileContext(ctx, f.URLPrivateDownload, &buf); err != nil {
			log.Printf("[slack] download %s: %v", f.Name, err)
			continue
		}
		out = append(out, orchestrator.Attachment{
			Filename: f.Name,
			MimeType: f.Mimetype,
			Data:     buf.Bytes(),
		})
	}
	return out
}

// buildSlackHistory maps thread replies to input items, skipping the
// triggering message (returned separately) and hidden marker messages. The
// most recent context-marker metadata wins as the resume id.
func buildSlackHistory(msgs []slack.Message, botUserID, currentTS string) (history []llm.InputItem, priorResponseID string, current *slack.Message) {
	for i := range msgs {
		msg := &msgs[i]
		if msg.Metadata.EventType == contextMarkerEvent {
			if id, ok := msg.Metadata.EventPayload["response_id"].(string); ok && id != "" {
				priorResponseID = id
			}
		}
		if msg.Timestamp == currentTS {
			current = msg
			continue
		}
		text := strings.TrimSpace(stripMention(msg.Text, botUserID))
		if text == "" {
			continue
		}
		if msg.User == botUserID || msg.BotID != "" {
			history = append(history, llm.AssistantItem(text))
		} else {
			history = append(history, llm.UserItem(text))
		}
	}
	return history, priorResponseID, current
}

var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

func stripMention(text, botUserID string) string {
	if botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+botUserID+">", "")
	} else {
		text = mentionRe.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

// slackDelivery is the outbound surface for one handled message.
type slackDelivery struct {
	api            slackAPI
	channel        string
	threadTS       string
	tickerInterval time.Duration

	mu        sync.Mutex
	lastTS    string // timestamp of the last message we posted
	lastText  string
	statusSet bool
}

func (d *slackDelivery) SendText(ctx context.Context, text string) error {
	for _, window := range splitWindows(text, slackMaxMessageLen) {
		_, ts, err := d.api.PostMessageContext(ctx, d.channel,
			slack.MsgOptionText(window, false),
			slack.MsgOptionTS(d.threadTS))
		if err != nil {
			return err
		}
		d.recordPosted(ts, window)
	}
	return nil
}

func (d *slackDelivery) StartIncremental(ctx context.Context) llm.DeliveryController {
	s := &slackStream{
		ctx:      ctx,
		delivery: d,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.start()
	return s
}

// SetStatus drives the assistant-pane status line. Outside an assistant
// thread Slack has no equivalent surface, so failures degrade to a one-time
// log line.
func (d *slackDelivery) SetStatus(ctx context.Context, chunks []string) {
	status := strings.Join(chunks, " ")
	if len(status) > 250 {
		status = status[:250] + "…"
	}
	err := d.api.SetAssistantThreadsStatusContext(ctx, slack.AssistantThreadsSetStatusParameters{
		ChannelID: d.channel,
		ThreadTS:  d.threadTS,
		Status:    status,
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil && !d.statusSet {
		log.Printf("[slack] set status: %v", err)
	}
	d.statusSet = true
}

func (d *slackDelivery) DeliverFile(ctx context.Context, filename string, data []byte) error {
	_, err := d.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Filename:        filename,
		Title:           filename,
		FileSize:        len(data),
		Reader:          bytes.NewReader(data),
		Channel:         d.channel,
		ThreadTimestamp: d.threadTS,
	})
	return err
}

// SaveContextMarker attaches the continuation id as message metadata on the
// last message we posted, so a restarted process can resume the thread.
func (d *slackDelivery) SaveContextMarker(ctx context.Context, responseID string, fileIDs []string) {
	d.mu.Lock()
	ts, text := d.lastTS, d.lastText
	d.mu.Unlock()
	if ts == "" || responseID == "" {
		return
	}

	payload := map[string]interface{}{"response_id": responseID}
	if len(fileIDs) > 0 {
		refs := make([]interface{}, len(fileIDs))
		for i, id := range fileIDs {
			refs[i] = id
		}
		payload["file_ids"] = refs
	}
	_, _, _, err := d.api.UpdateMessageContext(ctx, d.channel, ts,
		slack.MsgOptionText(text, false),
		slack.MsgOptionMetadata(slack.SlackMetadata{
			EventType:    contextMarkerEvent,
			EventPayload: payload,
		}))
	if err != nil {
		log.Printf("[slack] save context marker: %v", err)
	}
}

func (d *slackDelivery) recordPosted(ts, text string) {
	d.mu.Lock()
	d.lastTS = ts
	d.lastText = text
	d.mu.Unlock()
}

// slackStream streams a reply via chat.update on a placeholder message,
// rolling over to a fresh message when the window fills up.
type slackStream struct {
	ctx      context.Context
	delivery *slackDelivery

	mu       sync.Mutex
	buf      strings.Builder
	done     chan struct{}
	finished chan struct{}

	currentTS string
	msgStart  int
	lastShown string
}

func (s *slackStream) start() {
	d := s.delivery
	_, ts, err := d.api.PostMessageContext(s.ctx, d.channel,
		slack.MsgOptionText("_thinking…_", false),
		slack.MsgOptionTS(d.threadTS))
	if err != nil {
		log.Printf("[slack] post placeholder: %v", err)
	}
	s.currentTS = ts
	go s.run()
}

func (s *slackStream) Append(text string) {
	s.mu.Lock()
	s.buf.WriteString(text)
	s.mu.Unlock()
}

func (s *slackStream) Stop() {
	close(s.done)
	<-s.finished

	s.mu.Lock()
	full := s.buf.String()
	prose := full[s.msgStart:]
	s.mu.Unlock()

	if prose == "" {
		if full == "" && s.currentTS != "" {
			s.update(s.currentTS, "_(no response)_")
		}
		return
	}
	if s.currentTS == "" {
		_ = s.delivery.SendText(s.ctx, prose)
		return
	}
	s.update(s.currentTS, prose)
	s.delivery.recordPosted(s.currentTS, prose)
}

func (s *slackStream) run() {
	defer close(s.finished)

	interval := s.delivery.tickerInterval
	if interval <= 0 {
		interval = time.Second
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

func (s *slackStream) tick() {
	s.mu.Lock()
	full := s.buf.String()
	prose := full[s.msgStart:]
	s.mu.Unlock()

	if prose == "" || prose == s.lastShown || s.currentTS == "" {
		return
	}

	if len(prose) >= slackMaxMessageLen {
		// Finalize this window and roll over to a fresh message.
		splitAt := runeBoundary(prose, slackMaxMessageLen)
		s.update(s.currentTS, prose[:splitAt])
		s.delivery.recordPosted(s.currentTS, prose[:splitAt])
		d := s.delivery
		_, ts, err := d.api.PostMessageContext(s.ctx, d.channel,
			slack.MsgOptionText("_thinking…_", false),
			slack.MsgOptionTS(d.threadTS))
		if err != nil {
			return
		}
		s.mu.Lock()
		s.msgStart += splitAt
		s.mu.Unlock()
		s.currentTS = ts
		s.lastShown = ""
		return
	}

	s.update(s.currentTS, prose+" ▌")
	s.lastShown = prose
}

func (s *slackStream) update(ts, text string) {
	_, _, _, err := s.delivery.api.UpdateMessageContext(s.ctx, s.delivery.channel, ts,
		slack.MsgOptionText(text, false))
	if err != nil {
		log.Printf("[slack] update message: %v", err)
	}
}
