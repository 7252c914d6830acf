package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/quiethour/quill/internal/agent"
	"github.com/quiethour/quill/internal/bus"
	"github.com/quiethour/quill/internal/queue"
	"github.com/quiethour/quill/internal/store"
)

const telegramUserPrefix = "telegram-"

// TelegramChannel bridges Telegram chats and the agent queue. Each inbound
// message becomes an interactive-priority agent job; replies, produced files,
// task notifications, and proactive follow-ups come back over the bus.
type TelegramChannel struct {
	token     string
	allowed   map[int64]struct{}
	queue     *queue.Queue
	bus       *bus.Bus
	proactive ProactiveCanceller
	logger    *slog.Logger
	bot       *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, allowedIDs []int64, q *queue.Queue, eventBus *bus.Bus, proactive ProactiveCanceller, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:     token,
		allowed:   allowed,
		queue:     q,
		bus:       eventBus,
		proactive: proactive,
		logger:    logger,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Run connects the bot and polls until ctx ends, reconnecting with backoff
// on transport failures.
func (t *TelegramChannel) Run(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	t.logger.Info("telegram connected", "bot", t.bot.Self.UserName)

	go t.deliverOutbound(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)
		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil // ctx cancelled
		}
		t.logger.Warn("telegram poll disconnected", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// pollUpdates reads updates until ctx ends or the connection stalls. The
// library long-polls with a 60s timeout and blocks rather than closing the
// channel on a dead connection, so silence well past that window means
// reconnect.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowed[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "from", update.Message.From.ID, "username", update.Message.From.UserName)
				continue
			}
			go t.handleMessage(ctx, update.Message)
		case <-timer.C:
			return fmt.Errorf("no updates for %v", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID
	userID := telegramUserPrefix + strconv.FormatInt(msg.From.ID, 10)

	// An inbound message supersedes any armed proactive follow-up.
	if t.proactive != nil {
		if err := t.proactive.CancelProactive(ctx, userID); err != nil {
			t.logger.Warn("could not disarm proactive follow-up", "user_id", userID, "error", err)
		}
	}

	t.sendAction(chatID, tgbotapi.ChatTyping)

	job, err := t.enqueueTurn(ctx, userID, text)
	if err != nil {
		t.logger.Error("could not enqueue telegram message", "error", err)
		t.reply(chatID, "I couldn't take that request right now. Please try again.")
		return
	}

	// Forward intermediate narration while the turn runs.
	progressTopic := bus.TopicJobProgressPrefix + job.ID
	progress := t.bus.Subscribe(progressTopic)
	defer t.bus.Unsubscribe(progressTopic, progress)
	go func() {
		for ev := range progress {
			if p, ok := ev.Payload.(bus.JobProgressEvent); ok && p.Text != "" {
				t.reply(chatID, p.Text)
			}
		}
	}()

	done, err := t.queue.Await(ctx, job.ID)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("awaiting telegram turn failed", "job_id", job.ID, "error", err)
			t.reply(chatID, "Something went wrong while I was working on that.")
		}
		return
	}
	if done.Status != store.JobStatusDone {
		t.logger.Error("telegram turn failed", "job_id", job.ID, "error", done.Error)
		t.reply(chatID, "Something went wrong while I was working on that. Please try again.")
		return
	}

	var result agent.Result
	if err := json.Unmarshal([]byte(done.Result), &result); err != nil {
		t.logger.Error("unparseable turn result", "job_id", job.ID, "error", err)
		t.reply(chatID, "I finished, but couldn't format the answer.")
		return
	}
	if result.Text != "" {
		t.reply(chatID, result.Text)
	}
	t.sendFiles(chatID, result.Files)
}

// enqueueTurn places one inbound message on the agent queue. Turn jobs get
// exactly one attempt: the runner persists history as it goes, so a queue
// retry would replay the whole turn and duplicate the stored conversation.
// Transient LLM failures are already retried inside the provider.
func (t *TelegramChannel) enqueueTurn(ctx context.Context, userID, text string) (*store.Job, error) {
	payload, err := json.Marshal(agent.Request{
		UserMessage: text,
		UserID:      userID,
		Channel:     t.Name(),
		Priority:    queue.PriorityInteractive,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal turn request: %w", err)
	}
	return t.queue.Enqueue(ctx, queue.QueueAgent, string(payload), queue.EnqueueOptions{
		Priority:    queue.PriorityInteractive,
		MaxAttempts: 1,
	})
}

// deliverOutbound forwards notification, file, and proactive bus events to
// their Telegram recipients. Events addressed to another channel are ignored.
func (t *TelegramChannel) deliverOutbound(ctx context.Context) {
	notify := t.bus.Subscribe(bus.TopicNotifySend)
	files := t.bus.Subscribe(bus.TopicFileSend)
	proactive := t.bus.Subscribe(bus.TopicProactiveSend)
	defer t.bus.Unsubscribe(bus.TopicNotifySend, notify)
	defer t.bus.Unsubscribe(bus.TopicFileSend, files)
	defer t.bus.Unsubscribe(bus.TopicProactiveSend, proactive)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-notify:
			p, ok := ev.Payload.(bus.NotifyEvent)
			if !ok || !t.accepts(p.Channel) {
				continue
			}
			for _, chatID := range t.recipients(p.UserID) {
				t.reply(chatID, p.Text)
			}
		case ev := <-files:
			p, ok := ev.Payload.(bus.FileEvent)
			if !ok || !t.accepts(p.Channel) {
				continue
			}
			for _, chatID := range t.recipients(p.UserID) {
				t.sendFiles(chatID, p.Paths)
			}
		case ev := <-proactive:
			p, ok := ev.Payload.(bus.ProactiveEvent)
			if !ok || !t.accepts(p.Channel) {
				continue
			}
			for _, chatID := range t.recipients(p.UserID) {
				t.reply(chatID, p.Text)
			}
		}
	}
}

func (t *TelegramChannel) accepts(channel string) bool {
	return channel == "" || channel == t.Name()
}

// recipients resolves an event's user id to chat ids: a telegram user id maps
// to its own chat, an empty id broadcasts to every allowed chat, and ids from
// other channels map to none.
func (t *TelegramChannel) recipients(userID string) []int64 {
	if userID == "" {
		ids := make([]int64, 0, len(t.allowed))
		for id := range t.allowed {
			ids = append(ids, id)
		}
		return ids
	}
	raw, ok := strings.CutPrefix(userID, telegramUserPrefix)
	if !ok {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	if _, allowed := t.allowed[id]; !allowed {
		return nil
	}
	return []int64{id}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

func (t *TelegramChannel) sendFiles(chatID int64, paths []string) {
	for _, path := range paths {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
		if _, err := t.bot.Send(doc); err != nil {
			t.logger.Error("telegram file send failed", "chat_id", chatID, "path", path, "error", err)
		}
	}
}

func (t *TelegramChannel) sendAction(chatID int64, action string) {
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, action)); err != nil {
		t.logger.Debug("telegram chat action failed", "error", err)
	}
}
