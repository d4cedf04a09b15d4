// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reporters

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianMD/pkg/ux"
)

// ProgressHeader is the column header of the progress stream.
const ProgressHeader = `#"Progress (%)"	"Step"	"Time (ps)"	"Speed (ns/day)"	"Elapsed Time (s)"	"Time Remaining"`

// ProgressOptions configures a Progress reporter.
type ProgressOptions struct {
	// StartStep is the absolute step the run resumes from. Frame steps are
	// counted from it, so a restarted stage still runs from 0% to 100%.
	StartStep int64

	// TotalSteps is the step count of this run, used for percentage and ETA.
	TotalSteps int64

	// MinPeriod drops rows that arrive sooner than this after the previous
	// row. The final row is always written. Zero disables throttling.
	MinPeriod time.Duration

	// Now overrides the wall clock.
	Now func() time.Time
}

// Progress writes human readable progress rows, styled when the output is
// a terminal.
type Progress struct {
	out      io.Writer
	interval int
	first    int64
	total    int64
	styled   bool
	limiter  *rate.Limiter
	now      func() time.Time

	started   bool
	startWall time.Time
	startStep int64
	startTime float64
}

// NewProgress returns a progress reporter writing to out every interval steps.
func NewProgress(out io.Writer, interval int, opts ProgressOptions) (*Progress, error) {
	if err := checkInterval(interval); err != nil {
		return nil, err
	}
	p := &Progress{
		out:      out,
		interval: interval,
		first:    opts.StartStep,
		total:    opts.TotalSteps,
		styled:   isTerminal(out),
		now:      opts.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if opts.MinPeriod > 0 {
		p.limiter = rate.NewLimiter(rate.Every(opts.MinPeriod), 1)
	}
	return p, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && ux.IsTerminal(f) && ux.ShouldShowColors()
}

// Interval implements Reporter.
func (p *Progress) Interval() int { return p.interval }

// Report implements Reporter.
func (p *Progress) Report(_ context.Context, f Frame) error {
	now := p.now()
	if !p.started {
		p.started = true
		p.startWall, p.startStep, p.startTime = now, f.Step, f.Time
		if err := p.line(ProgressHeader, true); err != nil {
			return err
		}
	}
	done := f.Step - p.first
	final := p.total > 0 && done >= p.total
	if p.limiter != nil && !final && !p.limiter.AllowN(now, 1) {
		return nil
	}

	elapsed := now.Sub(p.startWall).Seconds()
	doneSteps := f.Step - p.startStep
	cols := make([]string, 0, 6)
	if p.total > 0 {
		cols = append(cols, fmt.Sprintf("%.1f%%", 100*float64(done)/float64(p.total)))
	} else {
		cols = append(cols, "--")
	}
	cols = append(cols, fmt.Sprint(f.Step), num(f.Time))
	if elapsed > 0 && doneSteps > 0 {
		ns := (f.Time - p.startTime) / 1000
		cols = append(cols, fmt.Sprintf("%.3g", ns/(elapsed/86400)))
	} else {
		cols = append(cols, "--")
	}
	cols = append(cols, fmt.Sprintf("%.3f", elapsed))
	if doneSteps > 0 && p.total > 0 {
		remaining := elapsed / float64(doneSteps) * float64(p.total-done)
		cols = append(cols, FormatRemaining(remaining))
	} else {
		cols = append(cols, "--")
	}
	return p.line(strings.Join(cols, "\t"), false)
}

func (p *Progress) line(s string, header bool) error {
	if p.styled {
		if header {
			s = ux.Styles.Title.Render(s)
		} else {
			s = ux.Styles.Subtitle.Render(s)
		}
	}
	_, err := fmt.Fprintln(p.out, s)
	return err
}

// Close implements Reporter.
func (p *Progress) Close() error { return nil }

// FormatRemaining renders seconds as m:ss, h:mm:ss or d:h:mm:ss.
func FormatRemaining(seconds float64) string {
	s := int64(seconds + 0.5)
	if s < 0 {
		s = 0
	}
	d, s := s/86400, s%86400
	h, s := s/3600, s%3600
	m, s := s/60, s%60
	switch {
	case d > 0:
		return fmt.Sprintf("%d:%d:%02d:%02d", d, h, m, s)
	case h > 0:
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	default:
		return fmt.Sprintf("%d:%02d", m, s)
	}
}
