// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package selection implements the atom selection language used for
// trajectory subsetting and positional restraints.
//
// Grammar:
//
//	expr    = and { "or" and }
//	and     = unary { ["and"] unary }
//	unary   = "not" unary | primary
//	primary = "(" expr ")" | keyword | property value { value }
//	range   = ("index" | "resid") ( n "to" m | n { n } )
//
// Keywords are all, none, protein, backbone, sidechain, water, ion, ligand,
// hydrogen, heavy, noh and ca_protein. Properties are name, resname,
// element and chain. Adjacent terms are joined by an implicit "and", so
// "noh ligand" selects ligand heavy atoms.
package selection

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// Sentinel errors.
var (
	// ErrSyntax indicates an expression that does not parse.
	ErrSyntax = errors.New("invalid selection syntax")

	// ErrEmptySelection indicates an expression that matches no atoms.
	ErrEmptySelection = errors.New("selection matches no atoms")
)

// SelectionError reports a selection that is invalid or selects nothing.
type SelectionError struct {
	Expr string
	// Pos is the byte offset of the offending token, or -1.
	Pos int
	Err error
}

// Error returns the error message.
func (e *SelectionError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("selection %q at offset %d: %v", e.Expr, e.Pos, e.Err)
	}
	return fmt.Sprintf("selection %q: %v", e.Expr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SelectionError) Unwrap() error {
	return e.Err
}

// predicate reports whether atom i of top is selected.
type predicate func(top *structure.Topology, i int) bool

// Expr is a compiled selection.
type Expr struct {
	src  string
	pred predicate
}

// String returns the source expression.
func (e *Expr) String() string { return e.src }

// Match reports whether atom i is selected.
func (e *Expr) Match(top *structure.Topology, i int) bool {
	return e.pred(top, i)
}

// Indices returns the selected atom indices in ascending order. The result
// may be empty.
func (e *Expr) Indices(top *structure.Topology) []int {
	var out []int
	for i := range top.Atoms {
		if e.pred(top, i) {
			out = append(out, i)
		}
	}
	return out
}

// Parse compiles expr.
func Parse(expr string) (*Expr, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{src: expr, toks: toks}
	if len(toks) == 0 {
		return nil, p.fail(-1, "empty expression")
	}
	pred, err := p.or()
	if err != nil {
		return nil, err
	}
	if t, ok := p.peek(); ok {
		return nil, p.fail(t.pos, "unexpected %q", t.text)
	}
	return &Expr{src: expr, pred: pred}, nil
}

// Select parses expr and returns the matching atoms of top.
//
// Outputs:
//
//	[]int - Selected atom indices, ascending.
//	error - *SelectionError wrapping ErrSyntax or ErrEmptySelection.
func Select(top *structure.Topology, expr string) ([]int, error) {
	e, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	idx := e.Indices(top)
	if len(idx) == 0 {
		return nil, &SelectionError{Expr: expr, Pos: -1, Err: ErrEmptySelection}
	}
	return idx, nil
}

// =============================================================================
// Tokens
// =============================================================================

type token struct {
	text string
	pos  int
}

func tokenize(s string) ([]token, error) {
	var toks []token
	start := -1
	flush := func(end int) {
		if start >= 0 {
			toks = append(toks, token{text: s[start:end], pos: start})
			start = -1
		}
	}
	for i, r := range s {
		switch {
		case r == '(' || r == ')':
			flush(i)
			toks = append(toks, token{text: string(r), pos: i})
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush(i)
		default:
			if start < 0 {
				start = i
			}
		}
	}
	flush(len(s))
	return toks, nil
}

// =============================================================================
// Parser
// =============================================================================

type parser struct {
	src  string
	toks []token
	i    int
}

func (p *parser) fail(pos int, format string, args ...any) error {
	return &SelectionError{Expr: p.src, Pos: pos, Err: fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))}
}

func (p *parser) peek() (token, bool) {
	if p.i >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.i], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.i++
	}
	return t, ok
}

func (p *parser) or() (predicate, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || !strings.EqualFold(t.text, "or") {
			return left, nil
		}
		p.i++
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(top *structure.Topology, i int) bool { return l(top, i) || right(top, i) }
	}
}

func (p *parser) and() (predicate, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.text == ")" || strings.EqualFold(t.text, "or") {
			return left, nil
		}
		if strings.EqualFold(t.text, "and") {
			p.i++
		}
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(top *structure.Topology, i int) bool { return l(top, i) && right(top, i) }
	}
}

func (p *parser) unary() (predicate, error) {
	t, ok := p.peek()
	if ok && strings.EqualFold(t.text, "not") {
		p.i++
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return func(top *structure.Topology, i int) bool { return !inner(top, i) }, nil
	}
	return p.primary()
}

func (p *parser) primary() (predicate, error) {
	t, ok := p.next()
	if !ok {
		return nil, p.fail(len(p.src), "unexpected end of expression")
	}
	if t.text == "(" {
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		closing, ok := p.next()
		if !ok || closing.text != ")" {
			return nil, p.fail(t.pos, "unbalanced parenthesis")
		}
		return inner, nil
	}
	word := strings.ToLower(t.text)
	if pred, ok := keywords[word]; ok {
		return pred, nil
	}
	switch word {
	case "name", "resname", "element", "chain":
		vals := p.values()
		if len(vals) == 0 {
			return nil, p.fail(t.pos, "%s needs at least one value", word)
		}
		return property(word, vals), nil
	case "index", "resid":
		return p.numeric(word, t)
	}
	return nil, p.fail(t.pos, "unknown keyword %q", t.text)
}

// values consumes property values up to the next operator or keyword.
func (p *parser) values() []string {
	var vals []string
	for {
		t, ok := p.peek()
		if !ok || t.text == "(" || t.text == ")" || reserved(t.text) {
			return vals
		}
		vals = append(vals, t.text)
		p.i++
	}
}

func (p *parser) numeric(word string, kw token) (predicate, error) {
	raw := p.values()
	if len(raw) == 0 {
		return nil, p.fail(kw.pos, "%s needs at least one number", word)
	}
	var lo, hi int
	var set map[int]bool
	if len(raw) == 3 && strings.EqualFold(raw[1], "to") {
		var err1, err2 error
		lo, err1 = strconv.Atoi(raw[0])
		hi, err2 = strconv.Atoi(raw[2])
		if err1 != nil || err2 != nil || hi < lo {
			return nil, p.fail(kw.pos, "bad %s range %q", word, strings.Join(raw, " "))
		}
	} else {
		set = make(map[int]bool, len(raw))
		for _, r := range raw {
			n, err := strconv.Atoi(r)
			if err != nil {
				return nil, p.fail(kw.pos, "%s value %q is not an integer", word, r)
			}
			set[n] = true
		}
	}
	in := func(n int) bool {
		if set != nil {
			return set[n]
		}
		return n >= lo && n <= hi
	}
	if word == "index" {
		return func(_ *structure.Topology, i int) bool { return in(i) }, nil
	}
	return func(top *structure.Topology, i int) bool {
		return in(top.Residues[top.Atoms[i].Residue].Number)
	}, nil
}

func property(word string, vals []string) predicate {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[strings.ToUpper(v)] = true
	}
	switch word {
	case "name":
		return func(top *structure.Topology, i int) bool { return set[strings.ToUpper(top.Atoms[i].Name)] }
	case "resname":
		return func(top *structure.Topology, i int) bool { return set[strings.ToUpper(residueOf(top, i).Name)] }
	case "element":
		return func(top *structure.Topology, i int) bool { return set[strings.ToUpper(top.Atoms[i].Element)] }
	default:
		return func(top *structure.Topology, i int) bool { return set[strings.ToUpper(residueOf(top, i).Chain)] }
	}
}

func reserved(s string) bool {
	w := strings.ToLower(s)
	switch w {
	case "and", "or", "not", "name", "resname", "element", "chain", "index", "resid":
		return true
	}
	_, ok := keywords[w]
	return ok
}
