// Package output provides styled terminal output helpers (success, error,
// warning, entity and sync-state formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/marcus/tally/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	stateStyles  = map[string]lipgloss.Style{
		"active":       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"subscribing":  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"stalled":      lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"unsubscribed": lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, warningStyle.Render("Warning: "+fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeDuplicateKey = "duplicate_key"
	ErrCodeStoreError   = "store_error"
	ErrCodeSyncError    = "sync_error"
	ErrCodeOffline      = "offline"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// FormatState formats a subscription state with color
func FormatState(state string) string {
	style, ok := stateStyles[state]
	if !ok {
		return state
	}
	return style.Render(state)
}

// FormatOnline renders the connectivity badge
func FormatOnline(online bool) string {
	if online {
		return successStyle.Render("● online")
	}
	return warningStyle.Render("○ offline")
}

// labelFields are tried in order for an entity's one-line label.
var labelFields = []string{"name", "title", "description", "category", "receiptNumber", "email", "action"}

// EntityLabel picks a human label for an entity, or "" when none fits.
func EntityLabel(e models.Entity) string {
	for _, f := range labelFields {
		if s, ok := e[f].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// FormatEntityShort formats an entity on one line: id, label, age
func FormatEntityShort(e models.Entity) string {
	parts := []string{titleStyle.Render(e.ID())}
	if label := EntityLabel(e); label != "" {
		parts = append(parts, label)
	}
	if ts, ok := e.UpdatedAt(); ok {
		parts = append(parts, subtleStyle.Render(FormatTimeAgo(ts)))
	}
	return strings.Join(parts, "  ")
}

// FormatEntityLong formats every field of an entity, keys sorted, id first
func FormatEntityLong(collection string, e models.Entity) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s/%s", collection, e.ID())))
	sb.WriteString("\n")

	keys := make([]string, 0, len(e))
	width := 0
	for k := range e {
		if k == models.FieldID {
			continue
		}
		keys = append(keys, k)
		width = max(width, len(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("  %s  %s\n", keyStyle.Render(fmt.Sprintf("%-*s", width, k)), FormatValue(e[k])))
	}
	return sb.String()
}

// FormatValue renders a field value for display
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return subtleStyle.Render("-")
	case string:
		return x
	case time.Time:
		return x.Local().Format("2006-01-02 15:04:05")
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// FormatMutation formats a queued mutation on one line
func FormatMutation(m models.Mutation) string {
	line := fmt.Sprintf("#%d  %-6s  %s/%s", m.Seq, m.Op, m.Collection, m.EntityID)
	line += "  " + subtleStyle.Render(FormatTimeAgo(m.CreatedAt))
	if m.Attempts > 0 {
		line += "  " + warningStyle.Render(fmt.Sprintf("%d failed: %s", m.Attempts, Truncate(m.LastError, 60)))
	}
	return line
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nQUEUE:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}

// Truncate shortens s to n runes, marking the cut with an ellipsis
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

// IsTerminal reports whether f is an interactive terminal
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = 80
	}
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
