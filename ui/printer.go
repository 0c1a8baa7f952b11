package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Printer writes styled status lines. Errors go to the error writer.
type Printer struct {
	out io.Writer
	err io.Writer
}

// NewPrinter creates a printer. Nil writers default to stdout and stderr.
func NewPrinter(out, errOut io.Writer) *Printer {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Printer{out: out, err: errOut}
}

// Out returns the standard output writer.
func (p *Printer) Out() io.Writer {
	return p.out
}

func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintf(p.out, "%s %s\n", successStyle.Render(SymbolSuccess), fmt.Sprintf(format, args...))
}

func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintf(p.err, "%s %s\n", errorStyle.Render(SymbolFail), fmt.Sprintf(format, args...))
}

func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintf(p.out, "%s %s\n", infoStyle.Render(SymbolInfo), fmt.Sprintf(format, args...))
}

func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintf(p.out, "%s %s\n", warnStyle.Render(SymbolWarning), fmt.Sprintf(format, args...))
}

// Println writes a plain line.
func (p *Printer) Println(a ...any) {
	fmt.Fprintln(p.out, a...)
}

// Printf writes formatted text without a trailing newline.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

// Blank writes an empty line.
func (p *Printer) Blank() {
	fmt.Fprintln(p.out)
}

// Banner writes a padded title block, e.g. "  CONNECTO LISTENER  ".
func (p *Printer) Banner(title string, background lipgloss.Color) {
	style := lipgloss.NewStyle().
		Foreground(ctpCrust).
		Background(background).
		Bold(true).
		Padding(0, 2)
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, style.Render(title))
	fmt.Fprintln(p.out)
}

// Section writes a bold heading followed by bulleted items.
func (p *Printer) Section(heading string, items ...string) {
	fmt.Fprintln(p.out, Bold(heading))
	for _, item := range items {
		fmt.Fprintf(p.out, "  %s %s\n", successStyle.Render(SymbolBullet), item)
	}
	fmt.Fprintln(p.out)
}

// Hints writes a muted heading followed by dimmed bullets.
func (p *Printer) Hints(heading string, items ...string) {
	fmt.Fprintln(p.out, Bold(heading))
	for _, item := range items {
		fmt.Fprintf(p.out, "  %s %s\n", Muted(SymbolBullet), item)
	}
	fmt.Fprintln(p.out)
}

// Steps writes a numbered list, "1." first.
func (p *Printer) Steps(heading string, steps ...string) {
	fmt.Fprintln(p.out, Muted(heading))
	for i, step := range steps {
		fmt.Fprintf(p.out, "  %s %s\n", infoStyle.Render(fmt.Sprintf("%d.", i+1)), step)
	}
	fmt.Fprintln(p.out)
}

// Command writes an indented shell command to copy.
func (p *Printer) Command(cmd string) {
	fmt.Fprintf(p.out, "  %s\n", Accent(cmd))
}
