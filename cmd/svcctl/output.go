package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
)

const (
	outputText = "text"
	outputYAML = "yaml"
)

// printer renders command results as styled text or YAML.
type printer struct {
	w      io.Writer
	format string

	header  lipgloss.Style
	running lipgloss.Style
	failed  lipgloss.Style
	muted   lipgloss.Style
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case outputText, outputYAML:
	default:
		return nil, fmt.Errorf("unknown output format %q (want text or yaml)", format)
	}

	r := lipgloss.NewRenderer(w)
	return &printer{
		w:       w,
		format:  format,
		header:  r.NewStyle().Bold(true),
		running: r.NewStyle().Foreground(lipgloss.Color("2")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("1")),
		muted:   r.NewStyle().Faint(true),
	}, nil
}

func (p *printer) yaml() bool {
	return p.format == outputYAML
}

func (p *printer) encode(v any) error {
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// table aligns rows with tabwriter and styles the finished lines, so
// escape codes never skew the column widths.
func (p *printer) table(header string, rows [][]string, style func(i int) *lipgloss.Style) {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, header)
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()

	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	for i, line := range lines {
		switch {
		case i == 0:
			line = p.header.Render(line)
		case style != nil:
			if s := style(i - 1); s != nil {
				line = s.Render(line)
			}
		}
		_, _ = fmt.Fprintln(p.w, line)
	}
}

func (p *printer) services(services []domain.Service) error {
	if p.yaml() {
		if services == nil {
			services = []domain.Service{}
		}
		return p.encode(services)
	}

	rows := make([][]string, len(services))
	for i, s := range services {
		pid := "-"
		if s.Running() {
			pid = fmt.Sprint(s.PID)
		}
		rows[i] = []string{pid, fmt.Sprint(s.Status), s.Label}
	}
	p.table("PID\tSTATUS\tLABEL", rows, func(i int) *lipgloss.Style {
		if services[i].Running() {
			return &p.running
		}
		return nil
	})
	return nil
}

type foundView struct {
	Label   string `yaml:"label"`
	Domain  string `yaml:"domain"`
	PID     int64  `yaml:"pid"`
	Session string `yaml:"session"`
}

func (p *printer) found(f *domain.FoundService) error {
	v := foundView{Label: f.Label, Domain: f.Domain.String(), PID: f.PID, Session: string(f.SessionType)}
	if p.yaml() {
		return p.encode(v)
	}
	_, _ = fmt.Fprintf(p.w, "%s\n", p.header.Render(v.Label))
	_, _ = fmt.Fprintf(p.w, "  domain:  %s\n", v.Domain)
	_, _ = fmt.Fprintf(p.w, "  pid:     %d\n", v.PID)
	_, _ = fmt.Fprintf(p.w, "  session: %s\n", v.Session)
	return nil
}

type statusView struct {
	Label    string `yaml:"label"`
	Loaded   bool   `yaml:"loaded"`
	Domain   string `yaml:"domain"`
	Session  string `yaml:"session"`
	PID      int64  `yaml:"pid"`
	Process  string `yaml:"process,omitempty"`
	StalePID bool   `yaml:"stale_pid,omitempty"`
	Plist    string `yaml:"plist,omitempty"`
	Kind     string `yaml:"kind,omitempty"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// processView is what the process table says about a reported pid.
type processView struct {
	Name  string
	Stale bool
}

func (p *printer) status(label string, e domain.EntryStatus, proc processView) error {
	v := statusView{
		Label:    label,
		Loaded:   e.Loaded(),
		Domain:   e.Domain.String(),
		Session:  string(e.SessionType),
		PID:      e.PID,
		Process:  proc.Name,
		StalePID: proc.Stale,
	}
	if e.Descriptor != nil {
		v.Plist = e.Descriptor.Path
		v.Kind = string(e.Descriptor.Kind)
		v.ReadOnly = e.Descriptor.ReadOnly
	}
	if p.yaml() {
		return p.encode(v)
	}

	state := p.muted.Render("not loaded")
	switch {
	case v.Loaded && v.StalePID:
		state = p.failed.Render("stale pid")
	case v.Loaded && v.PID != 0:
		state = p.running.Render("running")
	case v.Loaded:
		state = "loaded"
	}
	_, _ = fmt.Fprintf(p.w, "%s  %s\n", p.header.Render(v.Label), state)
	if v.Loaded {
		_, _ = fmt.Fprintf(p.w, "  domain:  %s\n", v.Domain)
		_, _ = fmt.Fprintf(p.w, "  session: %s\n", v.Session)
	}
	if v.PID != 0 {
		if v.Process != "" {
			_, _ = fmt.Fprintf(p.w, "  pid:     %d (%s)\n", v.PID, v.Process)
		} else {
			_, _ = fmt.Fprintf(p.w, "  pid:     %d\n", v.PID)
		}
	}
	if v.Plist != "" {
		ro := ""
		if v.ReadOnly {
			ro = " " + p.muted.Render("(read-only)")
		}
		_, _ = fmt.Fprintf(p.w, "  plist:   %s%s\n", v.Plist, ro)
	}
	return nil
}

func (p *printer) disabled(overrides map[string]bool) error {
	labels := make([]string, 0, len(overrides))
	for label := range overrides {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	if p.yaml() {
		return p.encode(overrides)
	}

	rows := make([][]string, len(labels))
	for i, label := range labels {
		state := "enabled"
		if overrides[label] {
			state = "disabled"
		}
		rows[i] = []string{state, label}
	}
	p.table("STATE\tLABEL", rows, func(i int) *lipgloss.Style {
		if overrides[labels[i]] {
			return &p.muted
		}
		return nil
	})
	return nil
}

func (p *printer) journal(entries []domain.JournalEntry) error {
	if p.yaml() {
		if entries == nil {
			entries = []domain.JournalEntry{}
		}
		return p.encode(entries)
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(p.w, "No commands recorded.")
		return nil
	}

	rows := make([][]string, len(entries))
	for i, e := range entries {
		outcome := "ok"
		if !e.Succeeded() {
			outcome = e.Error
		}
		rows[i] = []string{e.CreatedAt.Format("2006-01-02 15:04:05"), e.Operation, e.Target, e.Label, outcome}
	}
	p.table("TIME\tOP\tTARGET\tLABEL\tRESULT", rows, func(i int) *lipgloss.Style {
		if !entries[i].Succeeded() {
			return &p.failed
		}
		return nil
	})
	return nil
}

// text writes a single value: YAML wraps it under key, text prints it raw.
func (p *printer) text(key, value string) error {
	if p.yaml() {
		return p.encode(map[string]string{key: value})
	}
	_, _ = fmt.Fprintln(p.w, value)
	return nil
}

// note writes a status line in text mode. YAML output stays a single document.
func (p *printer) note(format string, args ...any) {
	if p.yaml() {
		return
	}
	_, _ = fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf(format, args...)))
}

// raw writes launchd's own text output unchanged in either format.
func (p *printer) raw(data []byte) error {
	if p.yaml() {
		return p.encode(map[string]string{"output": string(data)})
	}
	_, err := p.w.Write(data)
	return err
}
