package main

import (
	"fmt"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// emit writes one glyph-prefixed line to stderr, keeping stdout free for the
// machine-readable output of list commands.
func emit(color, glyph, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, glyph+" "+fmt.Sprintf(format, args...)))
}

// printSuccess reports a completed command or a succeeded step.
func printSuccess(format string, args ...any) { emit(colorGreen, "✓", format, args...) }

// printError reports a failed command or a failed step.
func printError(format string, args ...any) { emit(colorRed, "✗", format, args...) }

// printWarning reports a degraded but non-fatal condition, like a skipped
// step or a server running without a token.
func printWarning(format string, args ...any) { emit(colorYellow, "⚠", format, args...) }

// printStep announces an action in progress.
func printStep(format string, args ...any) { emit(colorCyan, "→", format, args...) }

// printStatus renders one label/value line of a status report.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
