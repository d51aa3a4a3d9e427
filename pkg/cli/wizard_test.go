package cli

import (
	"strings"
	"testing"
)

func newTestWizard(input string) (*Wizard, *strings.Builder) {
	out := &strings.Builder{}
	return NewWizard(strings.NewReader(input), out), out
}

func TestWizardString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   string
		want  string
	}{
		{"typed value wins", "custom\n", "default", "custom"},
		{"empty keeps default", "\n", "default", "default"},
		{"whitespace keeps default", "   \n", "default", "default"},
		{"closed input keeps default", "", "default", "default"},
		{"no default passes value through", "value\n", "", "value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newTestWizard(tt.input)
			if got := w.String("Listen address", tt.def); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWizardStringShowsDefault(t *testing.T) {
	w, out := newTestWizard("\n")
	w.String("Listen address", ":8080")
	if !strings.Contains(out.String(), "(:8080)") {
		t.Errorf("prompt %q does not show the default", out.String())
	}
}

func TestWizardInt(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   int
		want  int
	}{
		{"typed number wins", "7\n", 3, 7},
		{"empty keeps default", "\n", 3, 3},
		{"junk then valid re-asks", "junk\n5\n", 3, 5},
		{"negative then valid re-asks", "-2\n9\n", 3, 9},
		{"zero then valid re-asks", "0\n4\n", 3, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newTestWizard(tt.input)
			if got := w.Int("Max connections", tt.def); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWizardSelect(t *testing.T) {
	options := []string{"sqlite", "postgres"}
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"pick by number", "2\n", "postgres"},
		{"pick by name", "postgres\n", "postgres"},
		{"name is case-insensitive", "POSTGRES\n", "postgres"},
		{"empty keeps default", "\n", "sqlite"},
		{"out of range then valid", "9\n1\n", "sqlite"},
		{"unknown name then valid", "mysql\n2\n", "postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newTestWizard(tt.input)
			if got := w.Select("Storage driver", options, "sqlite"); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWizardSelectListsOptions(t *testing.T) {
	w, out := newTestWizard("1\n")
	w.Select("Storage driver", []string{"sqlite", "postgres"}, "sqlite")
	if !strings.Contains(out.String(), "1. sqlite") || !strings.Contains(out.String(), "2. postgres") {
		t.Errorf("options not listed: %q", out.String())
	}
}

func TestWizardYesNo(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   bool
		want  bool
	}{
		{"y is yes", "y\n", false, true},
		{"yes is yes", "yes\n", false, true},
		{"n is no", "n\n", true, false},
		{"anything else is no", "nope\n", true, false},
		{"empty keeps default yes", "\n", true, true},
		{"empty keeps default no", "\n", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newTestWizard(tt.input)
			if got := w.YesNo("Overwrite", tt.def); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWizardSecretPipedInput(t *testing.T) {
	// A strings.Reader is not a terminal, so Secret reads a plain line.
	w, _ := newTestWizard("hunter2\n")
	if got := w.Secret("Admin password"); got != "hunter2" {
		t.Errorf("got %q, want hunter2", got)
	}
}
