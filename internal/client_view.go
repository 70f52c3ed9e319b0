package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"chatline/internal/chat"
)

// pre styled colors// all from lipglpss
var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	selectedItemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	listItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	unseenBadgeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("213")).Padding(0, 1)
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *TUIModel) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthUsername, modeAuthPassword:
		return model.renderAuthPromptView()
	case modeRoster:
		return model.renderRosterView()
	case modeFileBrowser:
		return model.renderFileBrowserView()
	default:
		return model.renderThreadView()
	}
}

func (model *TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("chatline")
	subtitle := subtitleStyle.Render("Direct messages from your terminal")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  q) Quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderAuthPromptView() string {
	title := "Log in"
	if model.authIntent == authIntentSignup {
		title = "Create an account"
	}
	hint := "Enter your username"
	if model.mode == modeAuthPassword {
		hint = "Enter your password"
	}

	viewSections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderRosterView() string {
	users := model.state.Users()
	title := appTitleStyle.Render(fmt.Sprintf("Welcome, %s", model.self.Username))
	subtitle := subtitleStyle.Render(fmt.Sprintf("Online: %d  |  Unread: %d", len(model.state.OnlineIDs()), model.state.TotalUnseen()))

	viewSections := []string{title, subtitle, model.renderStatusLine()}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}

	var lines []string
	if len(users) == 0 {
		lines = append(lines, menuHintStyle.Render("Nobody else has signed up yet."))
	}
	for idx, user := range users {
		line := fmt.Sprintf("%s %s", presenceDot(model.state.IsOnline(user.ID)), user.Username)
		if user.FullName != "" {
			line += timestampStyle.Render(" (" + user.FullName + ")")
		}
		if count := model.state.Unseen(user.ID); count > 0 {
			line += " " + unseenBadgeStyle.Render(fmt.Sprint(count))
		}
		if idx == model.selected {
			lines = append(lines, selectedItemStyle.Render("➤ "+line))
		} else {
			lines = append(lines, listItemStyle.Render("  "+line))
		}
	}
	viewSections = append(viewSections, menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	viewSections = append(viewSections, menuHintStyle.Render("↑/↓ select • Enter chat • R refresh • O log out • Q quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderThreadView() string {
	counterpart := model.state.Active()
	presence := "offline"
	if model.state.IsOnline(counterpart) {
		presence = "online"
	}
	headerSegments := []string{
		"chatline",
		fmt.Sprintf("Chat with %s (%s)", model.displayName(counterpart), presence),
		fmt.Sprintf("User %s", model.self.Username),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var messageLines []string
	switch {
	case model.state.Pending():
		messageLines = append(messageLines, systemMessageStyle.Render("Loading conversation…"))
	case len(model.state.Messages()) == 0:
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}
	for _, msg := range model.state.Messages() {
		messageLines = append(messageLines, model.renderChatMessage(msg))
	}

	sections := []string{header, model.renderStatusLine()}
	if notices := model.renderSystemNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections,
		messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...)),
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("Esc back to users • /attach send an image • /quit exit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderFileBrowserView() string {
	header := appTitleStyle.Render("Attach an image")
	viewSections := []string{header, menuHintStyle.Render(model.browser.path)}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	var lines []string
	if len(model.browser.items) == 0 {
		lines = append(lines, menuHintStyle.Render("No images here."))
	}
	for idx, item := range model.browser.items {
		label := item.Name
		if item.IsDir {
			label += "/"
		} else {
			label += timestampStyle.Render("  " + formatFileSize(item.Size))
		}
		if idx == model.browser.index {
			lines = append(lines, selectedItemStyle.Render("➤ "+label))
		} else {
			lines = append(lines, listItemStyle.Render("  "+label))
		}
	}
	viewSections = append(viewSections, menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	viewSections = append(viewSections, menuHintStyle.Render("↑/↓ select • Enter open/attach • Esc cancel"))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderStatusLine() string {
	switch {
	case model.isConnected && model.loading:
		return connectingStyle.Render("Uploading…")
	case model.isConnected:
		return connectedStyle.Render("Connected")
	case model.connectionErr != nil:
		return errorStyle.Render("Connection error: " + model.connectionErr.Error() + " (retrying)")
	default:
		return connectingStyle.Render("Connecting…")
	}
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) renderSystemNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(model.notices))
	for _, notice := range model.notices {
		lines = append(lines, systemMessageStyle.Render(notice))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// renderChatMessage stamps the time, colors the sender, marks read receipts
// on own messages and indents multi-line bodies.
func (model *TUIModel) renderChatMessage(msg chat.Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", msg.CreatedAt.Local().Format("15:04:05")))

	var nameStyle lipgloss.Style
	if msg.SenderID == model.self.ID {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Foreground(colorForUser(msg.SenderID))
	}
	name := nameStyle.Render(model.displayName(msg.SenderID))

	body := msg.Text
	if msg.ImageRef != "" {
		link := fmt.Sprintf("[image] %s/api/files/%s", model.httpBase, msg.ImageRef)
		body = strings.TrimSpace(body + "\n" + link)
	}
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(body, "\n", "\n   "))

	parts := []string{timestamp, " ", name, ": ", bodyText}
	if msg.SenderID == model.self.ID && msg.Seen {
		parts = append(parts, timestampStyle.Render(" ✓✓"))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, parts...)
}

func presenceDot(online bool) string {
	if online {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("○")
}

// color for users
func colorForUser(id string) lipgloss.Color {
	if id == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range id {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
