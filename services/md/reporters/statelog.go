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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
)

// StateLogHeader is the first line of a .log file.
const StateLogHeader = `#"Step"	"Potential Energy (kJ/mole)"	"Total Energy (kJ/mole)"	"Box Volume (nm^3)"	"Temperature (K)"`

// StateLog writes tab separated thermodynamic rows.
type StateLog struct {
	interval int
	w        *bufio.Writer
	closer   io.Closer
}

// NewStateLog creates (truncating) path and writes the header.
func NewStateLog(path string, interval int) (*StateLog, error) {
	if err := checkInterval(interval); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	l := newStateLog(f, interval)
	l.closer = f
	if err := l.header(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// NewStateLogWriter writes rows to w. Close flushes but does not close w.
func NewStateLogWriter(w io.Writer, interval int) (*StateLog, error) {
	if err := checkInterval(interval); err != nil {
		return nil, err
	}
	l := newStateLog(w, interval)
	return l, l.header()
}

func newStateLog(w io.Writer, interval int) *StateLog {
	return &StateLog{interval: interval, w: bufio.NewWriter(w)}
}

func (l *StateLog) header() error {
	_, err := fmt.Fprintln(l.w, StateLogHeader)
	return err
}

// Interval implements Reporter.
func (l *StateLog) Interval() int { return l.interval }

// Report implements Reporter. Rows are flushed immediately so the log can be
// followed while the run progresses.
func (l *StateLog) Report(_ context.Context, f Frame) error {
	_, err := fmt.Fprintf(l.w, "%d\t%s\t%s\t%s\t%s\n",
		f.Step,
		num(f.PotentialEnergy),
		num(f.PotentialEnergy+f.KineticEnergy),
		num(f.Volume),
		num(f.Temperature),
	)
	if err != nil {
		return err
	}
	return l.w.Flush()
}

// Close implements Reporter.
func (l *StateLog) Close() error {
	err := l.w.Flush()
	if l.closer != nil {
		if cerr := l.closer.Close(); err == nil {
			err = cerr
		}
		l.closer = nil
	}
	return err
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
