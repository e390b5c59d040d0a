package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"tg_ai_bot/internal/domain"
	"tg_ai_bot/internal/feature/statistics"
)

var printer = message.NewPrinter(language.English)

func number(n int64) string {
	return printer.Sprintf("%d", n)
}

func mark(on bool) string {
	if on {
		return "✅"
	}
	return "❌"
}

// featureLabel is the short display name of a feature key.
func featureLabel(key string) string {
	switch key {
	case domain.FeatureMaintenance:
		return "Maintenance"
	case domain.FeatureImageGeneration:
		return "Image Gen"
	case domain.FeatureVoice:
		return "Voice"
	case domain.FeatureAIResponse:
		return "AI"
	default:
		return key
	}
}

// renderDashboard formats a snapshot as the plain-text dashboard. The same
// text is written to export files.
func renderDashboard(s domain.Snapshot, tr func(string) string) string {
	var b strings.Builder

	line := func(label string, value string) {
		fmt.Fprintf(&b, "• %s: %s\n", tr(label), value)
	}
	section := func(title string) {
		fmt.Fprintf(&b, "\n%s\n", tr(title))
	}

	b.WriteString(tr("📊 Administrative Statistics Dashboard"))
	b.WriteString("\n")

	section("👥 User Statistics")
	line("Total Users", number(s.TotalUsers))
	line("Active (24h)", number(s.ActiveUsers24h))
	line("Active (7d)", number(s.ActiveUsers7d))
	line("New Today", number(s.NewUsers24h))

	section("🌐 Group Statistics")
	line("Total Groups", number(s.TotalGroups))
	line("Active Groups (7d)", number(s.ActiveGroups7d))

	section("🖼️ Image Generation")
	line("Total Generated", number(s.TotalImagesGenerated))
	line("Generated (24h)", number(s.ImagesLast24h))

	section("🤖 AI Responses")
	line("Total Responses", number(s.TotalAIResponses))
	line("Responses (24h)", number(s.AIResponses24h))
	line("Voice Messages", number(s.VoiceMessagesProcessed))

	if s.Counters.Operations > 0 {
		section("🧮 Counters")
		for _, t := range domain.StatTypes {
			line(string(t), number(s.Counters.ByType[t]))
		}
		line("Operations", number(s.Counters.Operations))
	}

	if len(s.Daily) > 0 {
		section("📅 Last 7 days")
		for _, day := range s.Daily {
			fmt.Fprintf(&b, "• %s: %s msgs, %s images, %s new\n",
				day.Date,
				number(day.Counters.ByType[domain.StatMessage]),
				number(day.Counters.ByType[domain.StatImage]),
				number(day.Counters.ByType[domain.StatNewUser]),
			)
		}
	}

	section("⚙️ System Status")
	line("Uptime", statistics.FormatUptime(s.Uptime))
	line("CPU", fmt.Sprintf("%.1f%%", s.CPUPercent))
	line("Memory", fmt.Sprintf("%.1f%%", s.MemoryPercent))

	section("🔧 Feature Status")
	for _, key := range domain.FeatureKeys {
		on, _ := s.Features.Get(key)
		line(featureLabel(key), mark(on))
	}

	if !s.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "\n%s: %s\n", tr("Updated"), s.GeneratedAt.Format("2006-01-02 15:04:05"))
	}
	if s.Failed() {
		fmt.Fprintf(&b, "\n⚠️ %s: %s\n", tr("Some statistics may be incomplete"), s.Error)
	}

	return strings.TrimRight(b.String(), "\n")
}

type userCounts struct {
	total     int64
	active24h int64
	active7d  int64
	new24h    int64
	inactive  int64
	groups    int64
}

func renderUserPage(users []domain.UserView, c userCounts, filter domain.UserFilter, page, limit int, now time.Time, tr func(string) string) string {
	var b strings.Builder

	b.WriteString(tr("👥 User Management"))
	b.WriteString("\n\n")
	b.WriteString(tr("📊 User Statistics:"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "• %s: %s\n", tr("Total Users"), number(c.total))
	fmt.Fprintf(&b, "• %s: %s\n", tr("Active Today"), number(c.active24h))
	fmt.Fprintf(&b, "• %s: %s\n", tr("Active (7d)"), number(c.active7d))
	fmt.Fprintf(&b, "• %s: %s\n", tr("New Today"), number(c.new24h))
	fmt.Fprintf(&b, "• %s: %s\n", tr("Inactive (60d)"), number(c.inactive))
	fmt.Fprintf(&b, "• %s: %s\n", tr("Groups"), number(c.groups))

	fmt.Fprintf(&b, "\n%s (%s %d):\n", tr(filter.Title()), tr("Page"), page+1)

	if len(users) == 0 {
		b.WriteString(tr("No users found"))
		return b.String()
	}

	offset := page * limit
	for i, u := range users {
		b.WriteString("\n")
		b.WriteString(userRow(u, offset+i+1, filter, now, tr))
	}

	return strings.TrimRight(b.String(), "\n")
}

func userRow(u domain.UserView, position int, filter domain.UserFilter, now time.Time, tr func(string) string) string {
	icon := "👤"
	if u.IsGroup {
		icon = "👥"
	}

	name := strings.TrimSpace(u.Name)
	if name == "" {
		name = tr("Unknown")
	}

	head := fmt.Sprintf("%d. %s %s", position, icon, name)
	if u.Username != "" {
		head += " (@" + u.Username + ")"
	}

	meta := []string{fmt.Sprintf("ID: %d", u.UserID), lastSeen(u, tr)}
	if u.ActivityCount > 0 {
		meta = append(meta, fmt.Sprintf("%s %s", number(u.ActivityCount), tr("msgs")))
	}
	if u.IsGroup && u.MemberCount > 0 {
		meta = append(meta, fmt.Sprintf("%s %s", number(u.MemberCount), tr("members")))
	}
	if filter == domain.FilterNew && !u.CreatedAt.IsZero() {
		meta = append(meta, fmt.Sprintf("%s: %s", tr("Joined"), u.CreatedAt.In(now.Location()).Format("2006-01-02")))
	}

	return head + "\n   " + strings.Join(meta, " • ") + "\n"
}

func lastSeen(u domain.UserView, tr func(string) string) string {
	if !u.KnownActivity {
		return tr("Unknown")
	}
	switch u.DaysSinceActivity {
	case 0:
		return tr("Today")
	case 1:
		return tr("Yesterday")
	default:
		return fmt.Sprintf("%d%s", u.DaysSinceActivity, tr("d ago"))
	}
}

func button(text, data string) models.InlineKeyboardButton {
	return models.InlineKeyboardButton{Text: text, CallbackData: data}
}

func menuKeyboard(tr func(string) string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{button(tr("📊 Statistics"), CallbackViewStats)},
		{button(tr("👥 User Manager"), CallbackUsers)},
		{button(tr("🔧 Features"), CallbackFeatures)},
	}}
}

func statsKeyboard(tr func(string) string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{button(tr("🔄 Refresh"), CallbackRefreshStats)},
		{
			button(tr("📊 Export"), CallbackExportStats),
			button(tr("🔙 Back"), CallbackPanel),
		},
	}}
}

func usersKeyboard(filter domain.UserFilter, page int, hasNext bool, tr func(string) string) *models.InlineKeyboardMarkup {
	filterButton := func(f domain.UserFilter) models.InlineKeyboardButton {
		label := tr(filterLabel(f))
		if f == filter {
			label = "✅ " + label
		}
		return button(label, fmt.Sprintf("%s%s_0", CallbackUsersFilter, f))
	}

	rows := [][]models.InlineKeyboardButton{
		{filterButton(domain.FilterAll), filterButton(domain.FilterRecent), filterButton(domain.FilterActive)},
		{filterButton(domain.FilterNew), filterButton(domain.FilterGroups), filterButton(domain.FilterInactive)},
	}

	var nav []models.InlineKeyboardButton
	if page > 0 {
		nav = append(nav, button(tr("⬅️ Previous"), fmt.Sprintf("%s%s_%d", CallbackUsersFilter, filter, page-1)))
	}
	if hasNext {
		nav = append(nav, button(tr("Next ➡️"), fmt.Sprintf("%s%s_%d", CallbackUsersFilter, filter, page+1)))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}

	rows = append(rows, []models.InlineKeyboardButton{
		button(tr("🔄 Refresh"), fmt.Sprintf("%s%s_%d", CallbackUsersRefresh, filter, page)),
		button(tr("🔙 Back"), CallbackPanel),
	})

	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func filterLabel(f domain.UserFilter) string {
	switch f {
	case domain.FilterAll:
		return "All"
	case domain.FilterActive:
		return "Active"
	case domain.FilterNew:
		return "New"
	case domain.FilterInactive:
		return "Inactive"
	case domain.FilterGroups:
		return "Groups"
	default:
		return "Recent"
	}
}

func featuresKeyboard(flags domain.FeatureFlags, tr func(string) string) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(domain.FeatureKeys)+1)
	for _, key := range domain.FeatureKeys {
		on, _ := flags.Get(key)
		rows = append(rows, []models.InlineKeyboardButton{
			button(mark(on)+" "+tr(featureLabel(key)), CallbackToggleFeature+key),
		})
	}
	rows = append(rows, []models.InlineKeyboardButton{button(tr("🔙 Back"), CallbackPanel)})
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}
