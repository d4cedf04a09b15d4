// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sdf reads and writes MDL structure-data files: V2000 molfiles
// separated by "$$$$" lines, each followed by "> <name>" data items.
//
// The connection table is kept verbatim so records pass through the
// free-energy pipeline unchanged apart from their data items.
package sdf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Delimiter ends every record.
const Delimiter = "$$$$"

var (
	// ErrNoMolBlock is returned for a record without an "M  END" line.
	ErrNoMolBlock = errors.New("record has no M  END line")

	// ErrBadCounts is returned when the counts line cannot be parsed.
	ErrBadCounts = errors.New("malformed counts line")
)

// ParseError locates a malformed record.
type ParseError struct {
	Record int // 1-based
	Line   int // 1-based, within the stream
	Err    error
}

// Error returns the error message.
func (e *ParseError) Error() string {
	return fmt.Sprintf("sdf record %d (line %d): %v", e.Record, e.Line, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Tag is one data item.
type Tag struct {
	Name  string
	Value string
}

// Record is a single molecule.
type Record struct {
	// Molfile is the header, counts line, atom and bond blocks and
	// properties through "M  END", newline terminated.
	Molfile string

	Tags []Tag
}

// Title returns the first header line.
func (r *Record) Title() string {
	title, _, _ := strings.Cut(r.Molfile, "\n")
	return strings.TrimSpace(title)
}

// NumAtoms returns the atom count from the counts line.
func (r *Record) NumAtoms() int {
	n, _, err := counts(r.Molfile)
	if err != nil {
		return 0
	}
	return n
}

// Tag returns the value of the first data item named name.
func (r *Record) Tag(name string) (string, bool) {
	for _, t := range r.Tags {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}

// SetTag replaces the data item named name, or appends it.
func (r *Record) SetTag(name, value string) {
	for i := range r.Tags {
		if r.Tags[i].Name == name {
			r.Tags[i].Value = value
			return
		}
	}
	r.Tags = append(r.Tags, Tag{Name: name, Value: value})
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	return &Record{Molfile: r.Molfile, Tags: append([]Tag(nil), r.Tags...)}
}

func counts(molfile string) (atoms, bonds int, err error) {
	lines := strings.SplitN(molfile, "\n", 5)
	if len(lines) < 4 {
		return 0, 0, ErrBadCounts
	}
	c := lines[3]
	if len(c) < 6 {
		return 0, 0, ErrBadCounts
	}
	atoms, err = strconv.Atoi(strings.TrimSpace(c[0:3]))
	if err != nil {
		return 0, 0, ErrBadCounts
	}
	bonds, err = strconv.Atoi(strings.TrimSpace(c[3:6]))
	if err != nil {
		return 0, 0, ErrBadCounts
	}
	return atoms, bonds, nil
}

// =============================================================================
// Reading
// =============================================================================

// Reader iterates over the records of a stream.
type Reader struct {
	sc     *bufio.Scanner
	line   int
	record int
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next record, or io.EOF after the last one. Blank input
// after the final delimiter is not a record.
func (r *Reader) Next() (*Record, error) {
	var lines []string
	start := r.line + 1
	for r.sc.Scan() {
		r.line++
		text := strings.TrimRight(r.sc.Text(), "\r")
		if strings.TrimSpace(text) == Delimiter {
			return r.parse(lines, start)
		}
		lines = append(lines, text)
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("read sdf: %w", err)
	}
	if strings.TrimSpace(strings.Join(lines, "")) == "" {
		return nil, io.EOF
	}
	// final record without a delimiter
	return r.parse(lines, start)
}

func (r *Reader) parse(lines []string, start int) (*Record, error) {
	r.record++
	end := -1
	for i, l := range lines {
		if strings.HasPrefix(l, "M  END") {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, &ParseError{Record: r.record, Line: start, Err: ErrNoMolBlock}
	}
	rec := &Record{Molfile: strings.Join(lines[:end+1], "\n") + "\n"}
	if _, _, err := counts(rec.Molfile); err != nil {
		return nil, &ParseError{Record: r.record, Line: start + 3, Err: err}
	}

	var cur *Tag
	var value []string
	flush := func() {
		if cur != nil {
			cur.Value = strings.Join(value, "\n")
			rec.Tags = append(rec.Tags, *cur)
		}
		cur, value = nil, nil
	}
	for _, l := range lines[end+1:] {
		switch {
		case strings.HasPrefix(l, ">"):
			flush()
			name := ""
			if i := strings.Index(l, "<"); i >= 0 {
				if j := strings.Index(l[i:], ">"); j > 0 {
					name = l[i+1 : i+j]
				}
			}
			cur = &Tag{Name: name}
		case strings.TrimSpace(l) == "":
			flush()
		case cur != nil:
			value = append(value, l)
		}
	}
	flush()
	return rec, nil
}

// ReadAll reads every record of r.
func ReadAll(r io.Reader) ([]*Record, error) {
	rd := NewReader(r)
	var out []*Record
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// ReadFile reads every record of the file at path.
func ReadFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}

// =============================================================================
// Writing
// =============================================================================

// Writer encodes records. Call Flush when done.
type Writer struct {
	w *bufio.Writer
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write encodes one record followed by the delimiter.
func (w *Writer) Write(rec *Record) error {
	mol := rec.Molfile
	if !strings.HasSuffix(mol, "\n") {
		mol += "\n"
	}
	if _, err := w.w.WriteString(mol); err != nil {
		return err
	}
	for _, t := range rec.Tags {
		fmt.Fprintf(w.w, "> <%s>\n", t.Name)
		// a blank line ends the value, so blank lines inside it are dropped
		for _, l := range strings.Split(t.Value, "\n") {
			if strings.TrimSpace(l) != "" {
				w.w.WriteString(l)
				w.w.WriteByte('\n')
			}
		}
		w.w.WriteByte('\n')
	}
	_, err := w.w.WriteString(Delimiter + "\n")
	return err
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// WriteFile writes recs to path, truncating any existing file.
func WriteFile(path string, recs ...*Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := NewWriter(f)
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
