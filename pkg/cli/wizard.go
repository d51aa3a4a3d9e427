// Package cli implements the terminal question flow behind "agentgate init".
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Wizard asks the setup questions one line at a time. An empty answer takes
// the offered default, so piping an empty stream through it yields a config
// made entirely of defaults.
type Wizard struct {
	raw io.Reader // kept for the terminal check in Secret
	in  *bufio.Reader
	out io.Writer
}

// NewWizard creates a Wizard reading answers from in and printing prompts to
// out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{raw: in, in: bufio.NewReader(in), out: out}
}

// StdWizard returns a Wizard on stdin/stdout.
func StdWizard() *Wizard {
	return NewWizard(os.Stdin, os.Stdout)
}

func (w *Wizard) answer() string {
	line, _ := w.in.ReadString('\n')
	return strings.TrimSpace(line)
}

// String asks for a free-form value.
func (w *Wizard) String(label, def string) string {
	if def != "" {
		fmt.Fprintf(w.out, "%s (%s): ", label, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", label)
	}
	if a := w.answer(); a != "" {
		return a
	}
	return def
}

// Secret asks for a value without echoing it when stdin is a real terminal.
// Piped input is read as a plain line so the wizard stays scriptable.
func (w *Wizard) Secret(label string) string {
	fmt.Fprintf(w.out, "%s: ", label)

	if f, ok := w.raw.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(w.out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}

	return w.answer()
}

// Int asks for a positive integer, re-asking until it gets one. An empty
// answer takes the default.
func (w *Wizard) Int(label string, def int) int {
	for {
		a := w.String(label, strconv.Itoa(def))
		if n, err := strconv.Atoi(a); err == nil && n > 0 {
			return n
		}
		fmt.Fprintln(w.out, "enter a positive number")
	}
}

// Select lists the options and asks the user to pick one by number or name.
// def must be one of options; an empty answer takes it.
func (w *Wizard) Select(label string, options []string, def string) string {
	fmt.Fprintf(w.out, "%s:\n", label)
	for i, opt := range options {
		fmt.Fprintf(w.out, "  %d. %s\n", i+1, opt)
	}

	for {
		a := w.String("choice", def)
		if n, err := strconv.Atoi(a); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		for _, opt := range options {
			if strings.EqualFold(a, opt) {
				return opt
			}
		}
		fmt.Fprintf(w.out, "enter 1-%d or one of the names\n", len(options))
	}
}

// YesNo asks a yes/no question.
func (w *Wizard) YesNo(label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	fmt.Fprintf(w.out, "%s [%s]: ", label, hint)

	a := strings.ToLower(w.answer())
	if a == "" {
		return def
	}
	return a == "y" || a == "yes"
}
