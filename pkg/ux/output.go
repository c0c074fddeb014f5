// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders hotswap CLI output.
//
// An Output styles text with lipgloss when it writes to a terminal and
// falls back to plain text otherwise, so piped output stays stable and
// greppable. All methods of one Output serialize their writes.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // titles
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconError   Icon = "✗"
)

// labelWidth aligns Field values. Wide enough for "generation:".
const labelWidth = 12

// styles are bound to one renderer so color detection follows the
// Output's writer rather than stdout.
type styles struct {
	title   lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	box     lipgloss.Style
	border  lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		label:   r.NewStyle().Foreground(ColorTealPrimary).Width(labelWidth + 1),
		value:   r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(ColorSlate),
		success: r.NewStyle().Foreground(ColorSuccess),
		failure: r.NewStyle().Foreground(ColorError),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorTealDeep).
			Padding(0, 1),
		border: r.NewStyle().Foreground(ColorTealDeep),
		header: r.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
		cell:   r.NewStyle().Padding(0, 1),
	}
}

// Output writes CLI output to one writer.
//
// # Thread Safety
//
// All methods are safe for concurrent use; each call writes atomically.
type Output struct {
	mu     sync.Mutex
	w      io.Writer
	styled bool
	styles styles
}

// New returns an Output that styles only when w is a terminal.
func New(w io.Writer) *Output {
	return newOutput(w, IsTerminal(w))
}

// NewStyled returns an Output that always styles, whatever w is. Colors
// still degrade to what the writer's color profile supports.
func NewStyled(w io.Writer) *Output {
	return newOutput(w, true)
}

func newOutput(w io.Writer, styled bool) *Output {
	return &Output{
		w:      w,
		styled: styled,
		styles: newStyles(lipgloss.NewRenderer(w)),
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Styled reports whether this Output renders with styles.
func (o *Output) Styled() bool { return o.styled }

// Writer is the underlying writer, for machine-readable output that must
// bypass styling.
func (o *Output) Writer() io.Writer { return o.w }

func (o *Output) println(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintln(o.w, s)
}

// Muted prints secondary text.
func (o *Output) Muted(text string) {
	if !o.styled {
		o.println(text)
		return
	}
	o.println(o.styles.muted.Render(text))
}

// Success prints text with a check mark.
func (o *Output) Success(text string) {
	if !o.styled {
		o.println(text)
		return
	}
	o.println(o.styles.success.Render(string(IconSuccess)) + " " + o.styles.success.Render(text))
}

// Failure prints text with a cross.
func (o *Output) Failure(text string) {
	if !o.styled {
		o.println(text)
		return
	}
	o.println(o.styles.failure.Render(string(IconError)) + " " + o.styles.failure.Render(text))
}

// Field prints one aligned "label: value" line.
func (o *Output) Field(label, value string) {
	if !o.styled {
		o.println(fmt.Sprintf("%-*s %s", labelWidth, label+":", value))
		return
	}
	o.println(o.styles.label.Render(label+":") + o.styles.value.Render(value))
}

// Box prints lines under a title. Plain output frames them with rules.
func (o *Output) Box(title string, lines []string) {
	if !o.styled {
		rule := strings.Repeat("=", 10)
		head := rule + " " + title + " " + rule
		var b strings.Builder
		b.WriteString(head + "\n")
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
		b.WriteString(strings.Repeat("=", len(head)))
		o.println(b.String())
		return
	}
	body := o.styles.title.Render(title)
	if len(lines) > 0 {
		body += "\n" + strings.Join(lines, "\n")
	}
	o.println(o.styles.box.Render(body))
}

// Table prints rows under headers. highlight, when non-nil, picks a style
// for a data row: "success", "failure" or "" for none.
//
// Plain output is space-aligned with two-space gutters and no trailing
// padding on the last column.
func (o *Output) Table(headers []string, rows [][]string, highlight func(row []string) string) {
	if !o.styled {
		o.println(plainTable(headers, rows))
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(o.styles.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return o.styles.header
			}
			if highlight != nil && row >= 0 && row < len(rows) {
				switch highlight(rows[row]) {
				case "success":
					return o.styles.cell.Foreground(ColorSuccess)
				case "failure":
					return o.styles.cell.Foreground(ColorError)
				}
			}
			return o.styles.cell
		})
	o.println(t.Render())
}

func plainTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	measure := func(cells []string) {
		for i, c := range cells {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}
	measure(headers)
	for _, r := range rows {
		measure(r)
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		for i, c := range cells {
			if i >= len(widths) {
				break
			}
			if i == len(cells)-1 || i == len(widths)-1 {
				b.WriteString(c)
				break
			}
			b.WriteString(c)
			b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
		}
		b.WriteString("\n")
	}
	writeRow(headers)
	for _, r := range rows {
		writeRow(r)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
