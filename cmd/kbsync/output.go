package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)
)

func disableColor() {
	color.NoColor = true
}

func printSuccess(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warningColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	infoColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printError("encode output: %v", err)
	}
}

// ProgressDisplay renders a single updating status line on a terminal and
// plain lines otherwise.
type ProgressDisplay struct {
	mu       sync.Mutex
	phase    string
	tty      bool
	width    int
	errors   []string
	lastLine int
}

// NewProgressDisplay creates a display on stdout.
func NewProgressDisplay() *ProgressDisplay {
	fd := int(os.Stdout.Fd())
	p := &ProgressDisplay{
		tty:   term.IsTerminal(fd),
		width: 80,
	}
	if p.tty {
		if w, _, err := term.GetSize(fd); err == nil && w >= 20 {
			p.width = w
		}
	}
	return p
}

// SetPhase changes the phase label.
func (p *ProgressDisplay) SetPhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.phase = phase
	if !p.tty {
		fmt.Println(phase)
		return
	}
	p.render(phase)
}

// Update shows processed/total and the current path.
func (p *ProgressDisplay) Update(processed, total int, current string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.tty {
		return
	}

	line := fmt.Sprintf("%s [%d/%d] %s", p.phase, processed, total, current)
	p.render(line)
}

// AddError records a per-file failure and prints it.
func (p *ProgressDisplay) AddError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.errors = append(p.errors, msg)
	if p.tty {
		p.clear()
	}
	warningColor.Fprintf(os.Stderr, "  ! %s\n", msg)
}

// Errors returns the recorded failures.
func (p *ProgressDisplay) Errors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.errors...)
}

// Close ends the status line.
func (p *ProgressDisplay) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tty && p.lastLine > 0 {
		fmt.Println()
		p.lastLine = 0
	}
}

func (p *ProgressDisplay) render(line string) {
	line = truncateLine(line, p.width-1)
	p.clear()
	fmt.Print(line)
	p.lastLine = utf8.RuneCountInString(line)
}

// truncateLine shortens line to at most max runes, ending in "...".
func truncateLine(line string, max int) string {
	if utf8.RuneCountInString(line) <= max {
		return line
	}
	runes := []rune(line)
	return string(runes[:max-3]) + "..."
}

func (p *ProgressDisplay) clear() {
	if p.lastLine == 0 {
		return
	}
	fmt.Print("\r" + strings.Repeat(" ", p.lastLine) + "\r")
	p.lastLine = 0
}
