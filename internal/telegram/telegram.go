// Package telegram hosts the Telegram client and routes updates to the
// activity tracker and the admin panel.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_ai_bot/internal/admin"
	"tg_ai_bot/internal/config"
	"tg_ai_bot/internal/domain"
	"tg_ai_bot/internal/logging"
)

type botRunner interface {
	Start(ctx context.Context)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"edited_message",
		"callback_query",
		"my_chat_member",
		"chat_member",
	}

	createBot = func(token string, options ...bot.Option) (botRunner, error) {
		return bot.New(token, options...)
	}
)

// ActivityRecorder receives tracked chat events.
type ActivityRecorder interface {
	RecordNewUser(ctx context.Context, who domain.Identity) domain.RecordResult
	RecordMessage(ctx context.Context, who, group domain.Identity, textLength int) domain.RecordResult
	RecordCommand(ctx context.Context, who, group domain.Identity, command string) domain.RecordResult
	RecordVoiceMessage(ctx context.Context, who domain.Identity, duration time.Duration) domain.RecordResult
	RecordGroupJoin(ctx context.Context, group domain.Identity, addedBy int64) domain.RecordResult
}

// AdminPanel answers /admin and admin button presses.
type AdminPanel interface {
	HandleCommand(ctx context.Context, m admin.Messenger, req admin.Request)
	HandleCallback(ctx context.Context, m admin.Messenger, req admin.Request)
}

// Handlers are the collaborators updates are routed to. Either may be nil.
type Handlers struct {
	Activity ActivityRecorder
	Admin    AdminPanel
}

// Client wraps the Telegram bot instance and logging dependencies.
type Client struct {
	bot    botRunner
	logger *logrus.Entry
}

// NewClient initializes the Telegram bot with long polling and the update router.
func NewClient(cfg config.Config, handlers Handlers, logger *logrus.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	r := &router{handlers: handlers, logger: logger}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(r.handler()),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}

	return &Client{
		bot:    tgBot,
		logger: logger,
	}, nil
}

// Start begins receiving updates via long polling until the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

type updateMeta struct {
	userID     int64
	chatID     int64
	text       string
	updateType string
}

type router struct {
	handlers Handlers
	logger   *logrus.Entry
}

func (r *router) handler() bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		var m admin.Messenger
		if b != nil {
			m = b
		}
		r.route(ctx, m, update)
	}
}

// route logs the update and hands it to the tracker or the admin panel.
// A nil messenger disables admin rendering.
func (r *router) route(ctx context.Context, m admin.Messenger, update *models.Update) {
	if update == nil {
		return
	}

	r.logUpdate(extractUpdateMeta(update))

	switch {
	case update.Message != nil:
		r.handleMessage(ctx, m, update.Message)
	case update.CallbackQuery != nil:
		r.handleCallback(ctx, m, update.CallbackQuery)
	case update.MyChatMember != nil:
		r.handleMembership(ctx, update.MyChatMember)
	}
}

func (r *router) logUpdate(meta updateMeta) {
	entry := logging.WithContext(r.logger, logging.Context{
		UserID: meta.userID,
		ChatID: meta.chatID,
		Event:  "telegram_update",
	}).WithField("update_type", meta.updateType)

	if meta.text != "" {
		entry = entry.WithField("text", meta.text)
	}

	entry.Info("telegram update received")
}

func (r *router) handleMessage(ctx context.Context, m admin.Messenger, msg *models.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	who := senderIdentity(msg.From)
	group := groupIdentity(msg.Chat)
	text := strings.TrimSpace(msg.Text)
	activity := r.handlers.Activity

	if command, ok := parseCommand(text); ok {
		if activity != nil {
			if command == "start" {
				activity.RecordNewUser(ctx, who)
			}
			activity.RecordCommand(ctx, who, group, command)
		}
		if command == "admin" && r.handlers.Admin != nil && m != nil {
			r.handlers.Admin.HandleCommand(ctx, m, admin.Request{UserID: who.ID, ChatID: msg.Chat.ID})
		}
		return
	}

	if activity == nil {
		return
	}

	switch {
	case msg.Voice != nil:
		activity.RecordVoiceMessage(ctx, who, time.Duration(msg.Voice.Duration)*time.Second)
	case text != "":
		activity.RecordMessage(ctx, who, group, utf8.RuneCountInString(text))
	}
}

func (r *router) handleCallback(ctx context.Context, m admin.Messenger, cq *models.CallbackQuery) {
	if r.handlers.Admin == nil || m == nil || !isAdminCallback(cq.Data) {
		return
	}

	r.handlers.Admin.HandleCallback(ctx, m, admin.Request{
		UserID:     cq.From.ID,
		ChatID:     messageChatID(cq.Message),
		MessageID:  messageID(cq.Message),
		CallbackID: cq.ID,
		Data:       cq.Data,
	})
}

// handleMembership registers a group when the bot is added to it.
func (r *router) handleMembership(ctx context.Context, upd *models.ChatMemberUpdated) {
	if r.handlers.Activity == nil {
		return
	}

	group := groupIdentity(upd.Chat)
	if group.ID == 0 || !joined(upd.OldChatMember.Type, upd.NewChatMember.Type) {
		return
	}

	r.handlers.Activity.RecordGroupJoin(ctx, group, upd.From.ID)
}

func joined(before, after models.ChatMemberType) bool {
	present := func(t models.ChatMemberType) bool {
		return t == models.ChatMemberTypeMember || t == models.ChatMemberTypeAdministrator
	}
	return present(after) && !present(before)
}

func isAdminCallback(data string) bool {
	for _, prefix := range admin.CallbackPrefixes {
		if strings.HasPrefix(data, prefix) {
			return true
		}
	}
	return false
}

// parseCommand returns the lowercased command name without the slash or a
// trailing @botname.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	name := strings.Fields(text)[0][1:]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}

func senderIdentity(user *models.User) domain.Identity {
	return domain.Identity{
		ID:       user.ID,
		Username: user.Username,
		Name:     strings.TrimSpace(user.FirstName + " " + user.LastName),
	}
}

// groupIdentity is empty for private chats.
func groupIdentity(chat models.Chat) domain.Identity {
	if chat.Type != models.ChatTypeGroup && chat.Type != models.ChatTypeSupergroup {
		return domain.Identity{}
	}
	return domain.Identity{
		ID:       chat.ID,
		Username: chat.Username,
		Name:     chat.Title,
		IsGroup:  true,
	}
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     chatID(&update.Message.Chat),
			text:       strings.TrimSpace(update.Message.Text),
			updateType: "message",
		}
	case update.EditedMessage != nil:
		return updateMeta{
			userID:     userID(update.EditedMessage.From),
			chatID:     chatID(&update.EditedMessage.Chat),
			text:       strings.TrimSpace(update.EditedMessage.Text),
			updateType: "edited_message",
		}
	case update.CallbackQuery != nil:
		return updateMeta{
			userID:     userID(&update.CallbackQuery.From),
			chatID:     messageChatID(update.CallbackQuery.Message),
			text:       strings.TrimSpace(update.CallbackQuery.Data),
			updateType: "callback_query",
		}
	case update.MyChatMember != nil:
		return updateMeta{
			userID:     userID(&update.MyChatMember.From),
			chatID:     chatID(&update.MyChatMember.Chat),
			updateType: "my_chat_member",
		}
	case update.ChatMember != nil:
		return updateMeta{
			userID:     userID(&update.ChatMember.From),
			chatID:     chatID(&update.ChatMember.Chat),
			updateType: "chat_member",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func chatID(chat *models.Chat) int64 {
	if chat == nil {
		return 0
	}

	return chat.ID
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return chatID(&msg.Message.Chat)
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return chatID(&msg.InaccessibleMessage.Chat)
	default:
		return 0
	}
}

func messageID(msg models.MaybeInaccessibleMessage) int {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return msg.Message.ID
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return msg.InaccessibleMessage.MessageID
	default:
		return 0
	}
}
