package ui

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha palette.
const (
	ctpCrust    lipgloss.Color = "#11111b"
	ctpText     lipgloss.Color = "#cdd6f4"
	ctpOverlay1 lipgloss.Color = "#7f849c"
	ctpBlue     lipgloss.Color = "#89b4fa"
	ctpGreen    lipgloss.Color = "#a6e3a1"
	ctpRed      lipgloss.Color = "#f38ba8"
	ctpYellow   lipgloss.Color = "#f9e2af"
	ctpTeal     lipgloss.Color = "#94e2d5"
	ctpPeach    lipgloss.Color = "#fab387"
	ctpMauve    lipgloss.Color = "#cba6f7"
)

// Semantic colors.
const (
	ColorSuccess = ctpGreen
	ColorError   = ctpRed
	ColorWarning = ctpYellow
	ColorInfo    = ctpTeal
	ColorAccent  = ctpMauve
	ColorAddress = ctpPeach
	ColorMuted   = ctpOverlay1
)

// Banner backgrounds per command.
const (
	BannerListen = ctpBlue
	BannerScan   = ctpTeal
	BannerPair   = ctpMauve
	BannerSync   = ctpMauve
	BannerKeys   = ctpYellow
	BannerRemove = ctpRed
)

// Status symbols.
const (
	SymbolSuccess = "✓"
	SymbolFail    = "✗"
	SymbolWarning = "!"
	SymbolInfo    = "→"
	SymbolBullet  = "•"
	SymbolBranch  = "└"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(ColorInfo).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(ColorMuted)
	boldStyle    = lipgloss.NewStyle().Bold(true)
	accentStyle  = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	addressStyle = lipgloss.NewStyle().Foreground(ColorAddress)
	nameStyle    = lipgloss.NewStyle().Foreground(ColorInfo).Bold(true)
	indexStyle   = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
)

// Highlight renders a device name, host alias or other value the user acts on.
func Highlight(s string) string { return nameStyle.Render(s) }

// Muted renders secondary text.
func Muted(s string) string { return mutedStyle.Render(s) }

// Bold renders a section heading.
func Bold(s string) string { return boldStyle.Render(s) }

// Accent renders a call to action.
func Accent(s string) string { return accentStyle.Render(s) }

// Address renders an ip or ip:port.
func Address(s string) string { return addressStyle.Render(s) }
