// Package cli provides human-facing terminal output for the toggle
// controller. Colors are applied only when writing to a terminal.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	ansiReset  = "\033[0m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiDim    = "\033[2m"
)

// Printer writes status lines, optionally colored.
type Printer struct {
	out   io.Writer
	color bool
}

func NewPrinter(out io.Writer) *Printer {
	color := false
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Printer{out: out, color: color}
}

// Success prints a green status line.
func (p *Printer) Success(format string, args ...any) {
	p.line(ansiGreen, format, args...)
}

// Error prints a red status line.
func (p *Printer) Error(format string, args ...any) {
	p.line(ansiRed, format, args...)
}

// Warn prints a yellow status line.
func (p *Printer) Warn(format string, args ...any) {
	p.line(ansiYellow, format, args...)
}

// Info prints a dim status line.
func (p *Printer) Info(format string, args ...any) {
	p.line(ansiDim, format, args...)
}

func (p *Printer) line(color, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.color {
		fmt.Fprintf(p.out, "%s%s%s\n", color, text, ansiReset)
		return
	}
	fmt.Fprintln(p.out, text)
}
