package util

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/manifoldco/promptui"
)

var (
	IsDebug       bool
	minSlugLength = 3

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true).
			Underline(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4757")).
			Bold(true)

	debugErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#FF4757")).
			Padding(1, 2)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA726")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)
)

// SetDebugMode sets the debug mode
func SetDebugMode(debug bool) {
	IsDebug = debug
}

// PromptSeriesSlug asks the user for a series slug when none was given on
// the command line.
func PromptSeriesSlug() (string, error) {
	prompt := promptui.Prompt{
		Label: "Enter series slug (e.g. naruto)",
		Validate: func(input string) error {
			if len(strings.TrimSpace(input)) < minSlugLength {
				return fmt.Errorf("slug must have at least %d characters", minSlugLength)
			}
			return nil
		},
	}

	slug, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("no slug provided: %w", err)
	}
	return strings.TrimSpace(slug), nil
}

// ErrorHandler returns a stylized error message.
// In debug mode the full error chain is rendered inside a bordered box.
func ErrorHandler(err error) string {
	if IsDebug {
		styledHeader := errorStyle.Render("🚨 DEBUG ERROR")
		styledError := debugErrorStyle.Render(fmt.Sprintf("%+v", err))
		return fmt.Sprintf("%s\n%s", styledHeader, styledError)
	}

	styledError := errorStyle.Render(fmt.Sprintf("❌ %v", err))
	styledHint := warningStyle.Render("💡 run the program with -debug to see details")
	return fmt.Sprintf("%s\n%s", styledError, styledHint)
}

// RenderTitle renders a prominent section title for CLI output
func RenderTitle(text string) string {
	return titleStyle.Render(text)
}

// RenderSuccess renders a success message for CLI output
func RenderSuccess(text string) string {
	return successStyle.Render(text)
}

// RenderWarning renders a warning message for CLI output
func RenderWarning(text string) string {
	return warningStyle.Render(text)
}
