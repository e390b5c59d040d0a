// Package admin renders the in-chat admin panel: the statistics dashboard,
// the user manager and the feature toggles.
package admin

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_ai_bot/internal/domain"
	"tg_ai_bot/internal/logging"
)

// Callback data understood by the panel.
const (
	CallbackPanel         = "admin_panel"
	CallbackViewStats     = "admin_view_stats"
	CallbackRefreshStats  = "admin_refresh_stats"
	CallbackExportStats   = "admin_export_stats"
	CallbackUsers         = "admin_users"
	CallbackFeatures      = "admin_features"
	CallbackUsersFilter   = "admin_users_filter_"
	CallbackUsersRefresh  = "admin_users_refresh_"
	CallbackToggleFeature = "toggle_"
)

// CallbackPrefixes lists the prefixes routed to HandleCallback.
var CallbackPrefixes = []string{"admin_", CallbackToggleFeature}

const (
	denyText      = "You don't have permission to access this panel"
	exportedText  = "Statistics exported! Check your private messages."
	exportFailed  = "Failed to export statistics. Try again later."
	toggleFailed  = "Failed to update feature settings."
	refreshedText = "Statistics refreshed"
)

// Messenger is the subset of the Telegram API the panel talks to.
// *bot.Bot satisfies it.
type Messenger interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error)
}

// Translator localises UI strings for a user.
type Translator interface {
	Translate(ctx context.Context, userID int64, text string) string
}

// NoTranslation returns every string unchanged.
type NoTranslation struct{}

// Translate implements Translator.
func (NoTranslation) Translate(_ context.Context, _ int64, text string) string {
	return text
}

type snapshotSource interface {
	Snapshot(ctx context.Context) domain.Snapshot
	Invalidate()
}

type userLister interface {
	List(ctx context.Context, limit, offset int, filter domain.UserFilter) []domain.UserView
	Count(ctx context.Context, filter domain.CountFilter) int64
	Invalidate()
}

type featureStore interface {
	Load(ctx context.Context) (domain.FeatureFlags, error)
	Toggle(ctx context.Context, key string) (bool, error)
}

// Deps wires the panel to its data sources.
type Deps struct {
	Admins     domain.AdminSet
	Stats      snapshotSource
	Users      userLister
	Features   featureStore
	Translator Translator
	ExportDir  string
	PageSize   int
}

// Request is one admin interaction, either a command or a button press.
// MessageID is the message to edit in place; zero sends a new message.
type Request struct {
	UserID     int64
	ChatID     int64
	MessageID  int
	CallbackID string
	Data       string
}

// Panel answers admin commands and callbacks.
type Panel struct {
	deps   Deps
	logger *logrus.Entry
	now    func() time.Time
}

// NewPanel constructs a Panel.
func NewPanel(deps Deps, logger *logrus.Entry) (*Panel, error) {
	if deps.Stats == nil || deps.Users == nil || deps.Features == nil {
		return nil, errors.New("admin panel requires stats, users and features")
	}
	if logger == nil {
		logger = logging.Logger()
	}
	if deps.Translator == nil {
		deps.Translator = NoTranslation{}
	}
	if deps.ExportDir == "" {
		deps.ExportDir = "logs"
	}
	if deps.PageSize <= 0 {
		deps.PageSize = 10
	}

	return &Panel{
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}, nil
}

// IsAdmin reports whether userID may use the panel.
func (p *Panel) IsAdmin(userID int64) bool {
	return p != nil && p.deps.Admins.Contains(userID)
}

// HandleCommand shows the panel root in response to /admin.
func (p *Panel) HandleCommand(ctx context.Context, m Messenger, req Request) {
	if !p.IsAdmin(req.UserID) {
		p.deny(ctx, m, req)
		return
	}
	req.MessageID = 0
	p.showMenu(ctx, m, req)
}

// HandleCallback dispatches an admin button press. Unauthorised users get an
// alert and nothing else happens.
func (p *Panel) HandleCallback(ctx context.Context, m Messenger, req Request) {
	if !p.IsAdmin(req.UserID) {
		p.deny(ctx, m, req)
		return
	}

	p.requestLogger(req, "admin_action").Info("admin panel action")

	switch data := req.Data; {
	case data == CallbackPanel:
		p.showMenu(ctx, m, req)
		p.answer(ctx, m, req, "", false)
	case data == CallbackViewStats:
		p.showStats(ctx, m, req)
		p.answer(ctx, m, req, "", false)
	case data == CallbackRefreshStats:
		p.deps.Stats.Invalidate()
		p.showStats(ctx, m, req)
		p.answer(ctx, m, req, p.tr(ctx, req, refreshedText), false)
	case data == CallbackExportStats:
		p.exportStats(ctx, m, req)
	case data == CallbackUsers:
		p.showUsers(ctx, m, req, domain.FilterRecent, 0)
		p.answer(ctx, m, req, "", false)
	case strings.HasPrefix(data, CallbackUsersFilter):
		filter, page := parseUsersCallback(strings.TrimPrefix(data, CallbackUsersFilter))
		p.showUsers(ctx, m, req, filter, page)
		p.answer(ctx, m, req, "", false)
	case strings.HasPrefix(data, CallbackUsersRefresh):
		filter, page := parseUsersCallback(strings.TrimPrefix(data, CallbackUsersRefresh))
		p.deps.Users.Invalidate()
		p.showUsers(ctx, m, req, filter, page)
		p.answer(ctx, m, req, "", false)
	case data == CallbackFeatures:
		p.showFeatures(ctx, m, req)
		p.answer(ctx, m, req, "", false)
	case strings.HasPrefix(data, CallbackToggleFeature):
		p.toggleFeature(ctx, m, req, strings.TrimPrefix(data, CallbackToggleFeature))
	default:
		p.logger.WithFields(logging.Fields{
			"event":   "admin_unknown_action",
			"user_id": req.UserID,
			"action":  data,
		}).Warn("unknown admin action")
		p.answer(ctx, m, req, "", false)
	}
}

func (p *Panel) deny(ctx context.Context, m Messenger, req Request) {
	p.requestLogger(req, "admin_denied").Warn("admin access denied")

	text := p.tr(ctx, req, denyText)
	if req.CallbackID != "" {
		p.answer(ctx, m, req, text, true)
		return
	}
	p.send(ctx, m, req, text, nil)
}

func (p *Panel) showMenu(ctx context.Context, m Messenger, req Request) {
	p.send(ctx, m, req, p.tr(ctx, req, "🛠 Admin Panel"), menuKeyboard(p.labeler(ctx, req)))
}

func (p *Panel) showStats(ctx context.Context, m Messenger, req Request) {
	snap := p.deps.Stats.Snapshot(ctx)
	text := renderDashboard(snap, p.labeler(ctx, req))
	p.send(ctx, m, req, text, statsKeyboard(p.labeler(ctx, req)))
}

func (p *Panel) showUsers(ctx context.Context, m Messenger, req Request, filter domain.UserFilter, page int) {
	limit := p.deps.PageSize
	users := p.deps.Users.List(ctx, limit, page*limit, filter)
	counts := userCounts{
		total:     p.deps.Users.Count(ctx, domain.CountAll),
		active24h: p.deps.Users.Count(ctx, domain.CountActive24h),
		active7d:  p.deps.Users.Count(ctx, domain.CountActive7d),
		new24h:    p.deps.Users.Count(ctx, domain.CountNew24h),
		inactive:  p.deps.Users.Count(ctx, domain.CountInactive),
		groups:    p.deps.Users.Count(ctx, domain.CountGroups),
	}

	tr := p.labeler(ctx, req)
	text := renderUserPage(users, counts, filter, page, limit, p.now(), tr)
	p.send(ctx, m, req, text, usersKeyboard(filter, page, len(users) == limit, tr))
}

func (p *Panel) showFeatures(ctx context.Context, m Messenger, req Request) {
	flags, err := p.deps.Features.Load(ctx)
	if err != nil {
		p.logger.WithFields(logging.Fields{
			"event":   "admin_features_failed",
			"user_id": req.UserID,
		}).WithError(err).Error("failed to load feature settings")
		flags = domain.DefaultFeatureFlags()
	}

	tr := p.labeler(ctx, req)
	p.send(ctx, m, req, tr("🔧 Feature Settings"), featuresKeyboard(flags, tr))
}

func (p *Panel) toggleFeature(ctx context.Context, m Messenger, req Request, key string) {
	enabled, err := p.deps.Features.Toggle(ctx, key)
	if err != nil {
		p.logger.WithFields(logging.Fields{
			"event":   "admin_toggle_failed",
			"user_id": req.UserID,
			"feature": key,
		}).WithError(err).Error("failed to toggle feature")
		p.answer(ctx, m, req, p.tr(ctx, req, toggleFailed), true)
		return
	}

	p.deps.Stats.Invalidate()
	p.showFeatures(ctx, m, req)

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	p.answer(ctx, m, req, p.tr(ctx, req, featureLabel(key)+" "+state), false)
}

func (p *Panel) send(ctx context.Context, m Messenger, req Request, text string, keyboard *models.InlineKeyboardMarkup) {
	var err error
	if req.MessageID != 0 {
		params := &bot.EditMessageTextParams{
			ChatID:    req.ChatID,
			MessageID: req.MessageID,
			Text:      text,
		}
		if keyboard != nil {
			params.ReplyMarkup = keyboard
		}
		_, err = m.EditMessageText(ctx, params)
	} else {
		params := &bot.SendMessageParams{
			ChatID: req.ChatID,
			Text:   text,
		}
		if keyboard != nil {
			params.ReplyMarkup = keyboard
		}
		_, err = m.SendMessage(ctx, params)
	}

	if err != nil {
		p.requestLogger(req, "admin_render_failed").WithError(err).Warn("failed to render admin panel")
	}
}

func (p *Panel) answer(ctx context.Context, m Messenger, req Request, text string, alert bool) {
	if req.CallbackID == "" {
		return
	}

	if _, err := m.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: req.CallbackID,
		Text:            text,
		ShowAlert:       alert,
	}); err != nil {
		p.logger.WithFields(logging.Fields{
			"event":   "admin_answer_failed",
			"user_id": req.UserID,
		}).WithError(err).Warn("failed to answer callback query")
	}
}

func (p *Panel) requestLogger(req Request, event string) *logrus.Entry {
	entry := logging.WithContext(p.logger, logging.Context{
		UserID: req.UserID,
		ChatID: req.ChatID,
		Event:  event,
	})
	if req.Data != "" {
		entry = entry.WithField("action", req.Data)
	}
	return entry
}

func (p *Panel) tr(ctx context.Context, req Request, text string) string {
	return p.deps.Translator.Translate(ctx, req.UserID, text)
}

func (p *Panel) labeler(ctx context.Context, req Request) func(string) string {
	return func(text string) string {
		return p.tr(ctx, req, text)
	}
}

// parseUsersCallback splits "<filter>_<page>". Bad pages read as 0.
func parseUsersCallback(rest string) (domain.UserFilter, int) {
	idx := strings.LastIndex(rest, "_")
	if idx < 0 {
		return domain.ParseUserFilter(rest), 0
	}

	page, err := strconv.Atoi(rest[idx+1:])
	if err != nil || page < 0 {
		page = 0
	}
	return domain.ParseUserFilter(rest[:idx]), page
}
