package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"cadence/internal/domain"
	"cadence/internal/engine"
)

var statusColors = map[domain.Status]text.Colors{
	domain.StatusOverdue: {text.FgRed, text.Bold},
	domain.StatusDueSoon: {text.FgYellow},
	domain.StatusOK:      {text.FgGreen},
	domain.StatusUnknown: {text.FgHiBlack},
}

func colorStatus(s domain.Status) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDay(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02")
}

func printBoard(items []engine.ObligationView, loc *time.Location) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Category", "Status", "Next due", "Days", "Rule", "Seq"})
	for _, v := range items {
		days := "-"
		if v.DaysUntil != nil {
			days = fmt.Sprintf("%d", *v.DaysUntil)
		}
		seq := ""
		if v.SequenceNumber != nil {
			seq = fmt.Sprintf("%d", *v.SequenceNumber)
		}
		tw.AppendRow(table.Row{shortID(v.ID), v.Name, v.Category, colorStatus(v.Status), formatDay(v.NextDueAt, loc), days, string(v.Rule), seq})
	}
	tw.Render()
}

func printObligation(v engine.ObligationView, loc *time.Location) {
	tw := newTable()
	interval := "-"
	if v.IntervalDays != nil {
		interval = fmt.Sprintf("%d days", *v.IntervalDays)
	}
	tw.AppendRows([]table.Row{
		{"ID", v.ID},
		{"Name", v.Name},
		{"Category", v.Category},
		{"Interval", interval},
		{"Label", v.FrequencyLabel},
		{"Manual due", formatDay(v.ManualDueAt, loc)},
		{"Last completed", formatDay(v.LastCompletedAt, loc)},
		{"Next due", formatDay(v.NextDueAt, loc)},
		{"Status", colorStatus(v.Status)},
		{"Window", fmt.Sprintf("%d days", v.WindowDays)},
	})
	if v.GroupID != nil {
		tw.AppendRow(table.Row{"Group", fmt.Sprintf("%s #%d", *v.GroupID, *v.SequenceNumber)})
	}
	tw.Render()
}

func printHistory(h engine.History, loc *time.Location) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Completed", "Note", "Cost"})
	for _, entry := range h.Entries {
		cost := ""
		if entry.Cost != nil {
			cost = fmt.Sprintf("%.2f", *entry.Cost)
		}
		tw.AppendRow(table.Row{entry.CompletedAt.In(loc).Format("2006-01-02 15:04"), entry.Note, cost})
	}
	tw.AppendFooter(table.Row{fmt.Sprintf("%d total", h.Summary.Count), "", fmt.Sprintf("%.2f", h.Summary.TotalCost)})
	tw.Render()
}

func printSummary(s engine.Summary) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Category", "Total", "Overdue", "Due soon", "OK", "Unknown"})
	categories := make([]string, 0, len(s.Categories))
	for c := range s.Categories {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		n := s.Categories[c]
		tw.AppendRow(table.Row{c, n.Total, n.Overdue, n.DueSoon, n.OK, n.Unknown})
	}
	tw.AppendFooter(table.Row{"all", s.Total.Total, s.Total.Overdue, s.Total.DueSoon, s.Total.OK, s.Total.Unknown})
	tw.SetCaption("as of %s (%s)", s.AsOf.Format("2006-01-02 15:04"), s.Timezone)
	tw.Render()
}
