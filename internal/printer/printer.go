// Package printer is the CLI's output layer: colored status lines to
// stdout, structured errors with suggestions to stderr.
package printer

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Keep color on when piped; NO_COLOR opts out.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a green checkmarked line.
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		green.Printf("✓ %s", msg)
		return
	}
	green.Print(msg)
}

// Info prints an uncolored informational message.
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a yellow warning line.
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠") {
		yellow.Printf("⚠ %s", msg)
		return
	}
	yellow.Print(msg)
}

// Step prints a cyan progress line for multi-step operations.
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Error prints a titled error with optional suggestions to stderr and
// returns a bare error for cobra, which suppresses its own printing.
func Error(title, explanation string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(os.Stderr, "%s\n", explanation)
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(os.Stderr, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(os.Stderr, "\nEither:\n")
		for i, suggestion := range suggestions {
			fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, suggestion)
		}
	}

	return fmt.Errorf("%s", title)
}

// Println prints a plain line.
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints a plain formatted message.
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}
