// Copyright 2024 The whambam Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

// Package ui shows a live terminal dashboard for a run: throughput,
// latency percentiles, and status codes, refreshed from engine
// snapshots. It only ever reads from the engine; the one control it
// exerts is Stop on quit.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cloudy-native/whambam.dev/report"
	"github.com/cloudy-native/whambam.dev/requester"
)

const refreshInterval = 100 * time.Millisecond

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle  = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	sectionGap  = lipgloss.NewStyle().MarginTop(1)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("241")).
			Padding(0, 1)
)

type tickMsg time.Time

type model struct {
	work     *requester.Work
	snap     requester.Snapshot
	bar      progress.Model
	width    int
	finished bool
}

// Run displays the dashboard until the user quits or the terminal
// closes. It returns after the run has been stopped.
func Run(w *requester.Work) error {
	m := model{
		work: w,
		bar:  progress.New(progress.WithDefaultGradient()),
	}
	p := tea.NewProgram(m)
	_, err := p.Run()
	return err
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.work.Stop()
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 8
		if m.bar.Width > 60 {
			m.bar.Width = 60
		}
	case tickMsg:
		m.snap = m.work.Snapshot()
		select {
		case <-m.work.Done():
			m.finished = true
		default:
		}
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	s := m.snap

	var b strings.Builder
	b.WriteString(titleStyle.Render("whambam") + "  " + m.work.Method + " " + m.work.URL + "\n")

	state := okStyle.Render("running")
	if m.finished {
		state = labelStyle.Render("finished")
	}
	b.WriteString(fmt.Sprintf("%s  %s %s  %s %s\n",
		state,
		labelStyle.Render("elapsed"), valueStyle.Render(fmt.Sprintf("%.1fs", s.Elapsed.Seconds())),
		labelStyle.Render("req/s"), valueStyle.Render(fmt.Sprintf("%.1f", s.Throughput)),
	))

	if pct, ok := m.progress(); ok {
		b.WriteString(sectionGap.Render(m.bar.ViewAs(pct)) + "\n")
	}

	counts := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
		labelStyle.Render("completed"), valueStyle.Render(fmt.Sprintf("%d", s.Completed)),
		labelStyle.Render("ok"), okStyle.Render(fmt.Sprintf("%d", s.Success)),
		labelStyle.Render("errors"), errorStyle.Render(fmt.Sprintf("%d", s.Errors)),
		labelStyle.Render("1s rate"), valueStyle.Render(fmt.Sprintf("%d/s", s.Rate1s)),
	)
	b.WriteString(sectionGap.Render(counts) + "\n")

	latency := strings.Join([]string{
		row("min", s.MinLatency),
		row("p50", s.P50),
		row("p90", s.P90),
		row("p95", s.P95),
		row("p99", s.P99),
		row("max", s.MaxLatency),
	}, "\n")
	b.WriteString(sectionGap.Render(borderStyle.Render(latency)) + "\n")

	if len(s.StatusCodes) > 0 {
		codes := make([]int, 0, len(s.StatusCodes))
		for code := range s.StatusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		var lines []string
		for _, code := range codes {
			lines = append(lines, fmt.Sprintf("%s %s",
				labelStyle.Render(fmt.Sprintf("[%d]", code)),
				valueStyle.Render(fmt.Sprintf("%d", s.StatusCodes[code]))))
		}
		b.WriteString(sectionGap.Render(strings.Join(lines, "  ")) + "\n")
	}

	b.WriteString(helpStyle.Render("q: quit"))
	return b.String() + "\n"
}

func row(name string, ms float64) string {
	return fmt.Sprintf("%s  %s", labelStyle.Render(fmt.Sprintf("%-4s", name)), valueStyle.Render(report.Latency(ms)))
}

// progress reports run completion in [0, 1] when the run is bounded by
// a request count or a duration.
func (m model) progress() (float64, bool) {
	if m.finished {
		return 1, true
	}
	if m.work.N > 0 {
		return float64(m.snap.Completed) / float64(m.work.N), true
	}
	if m.work.Duration > 0 {
		pct := float64(m.snap.Elapsed) / float64(m.work.Duration)
		if pct > 1 {
			pct = 1
		}
		return pct, true
	}
	return 0, false
}
