// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package forcefield loads ffxml force-field files and binds their
// parameters to a topology.
//
// A ForceField is assembled from one or more files (typically a protein
// force field plus a solvent model). Residues are matched to templates by
// residue name and atom-name set, bonds come from the templates, and angle
// and torsion terms are derived from the resulting bond graph.
package forcefield

import (
	"fmt"
	"io"
	"strconv"
)

// AtomType is a force-field atom type.
type AtomType struct {
	Name    string
	Class   string
	Element string
	Mass    float64
}

// TemplateAtom is one atom of a residue template.
type TemplateAtom struct {
	Name   string
	Type   string
	Charge *float64
}

// Template describes the atoms and internal bonds of one residue kind.
type Template struct {
	Name  string
	Atoms []TemplateAtom

	// Bonds index into Atoms.
	Bonds [][2]int

	// External lists atoms that bond to a neighboring residue.
	External []int

	// Source is the file that defined the template.
	Source string
}

// AtomIndex returns the index of the named atom, or -1.
func (t *Template) AtomIndex(name string) int {
	for i, a := range t.Atoms {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// HasExternal reports whether the named atom is an external bond site.
func (t *Template) HasExternal(name string) bool {
	idx := t.AtomIndex(name)
	for _, e := range t.External {
		if e == idx {
			return true
		}
	}
	return false
}

type bondParam struct {
	length, k float64
}

type angleParam struct {
	angle, k float64
}

type nonbondParam struct {
	charge         *float64
	sigma, epsilon float64
}

// ForceField is the merged content of one or more ffxml files.
//
// Thread Safety:
//
//	Read-only after loading. Safe for concurrent Parameterize calls.
type ForceField struct {
	Files []string

	types     map[string]AtomType
	templates map[string]*Template

	bondsByClass  map[[2]string]bondParam
	bondsByType   map[[2]string]bondParam
	anglesByClass map[[3]string]angleParam
	anglesByType  map[[3]string]angleParam
	propers       []torsionDef
	impropers     []torsionDef

	nbByType  map[string]nonbondParam
	nbByClass map[string]nonbondParam

	coulomb14 float64
	lj14      float64
}

// New returns an empty force field.
func New() *ForceField {
	return &ForceField{
		types:         make(map[string]AtomType),
		templates:     make(map[string]*Template),
		bondsByClass:  make(map[[2]string]bondParam),
		bondsByType:   make(map[[2]string]bondParam),
		anglesByClass: make(map[[3]string]angleParam),
		anglesByType:  make(map[[3]string]angleParam),
		nbByType:      make(map[string]nonbondParam),
		nbByClass:     make(map[string]nonbondParam),
		coulomb14:     1,
		lj14:          1,
	}
}

// Load decodes one ffxml document from r and merges it into f. Later files
// override templates and parameters of earlier ones with the same key.
func (f *ForceField) Load(name string, r io.Reader) error {
	doc, err := decodeXML(r)
	if err != nil {
		return &ForceFieldError{ForceField: name, Err: err}
	}
	for _, t := range doc.AtomTypes {
		f.types[t.Name] = AtomType{Name: t.Name, Class: t.Class, Element: t.Element, Mass: t.Mass}
	}
	for _, xr := range doc.Residues {
		tmpl, err := buildTemplate(xr, name)
		if err != nil {
			return &ForceFieldError{ForceField: name, Residue: xr.Name, Err: err}
		}
		f.templates[tmpl.Name] = tmpl
	}
	for _, b := range doc.Bonds {
		p := bondParam{length: b.Length, k: b.K}
		if b.Type1 != "" {
			f.bondsByType[pairKey(b.Type1, b.Type2)] = p
		} else {
			f.bondsByClass[pairKey(b.Class1, b.Class2)] = p
		}
	}
	for _, a := range doc.Angles {
		p := angleParam{angle: a.Angle, k: a.K}
		if a.Type1 != "" {
			f.anglesByType[tripleKey(a.Type1, a.Type2, a.Type3)] = p
		} else {
			f.anglesByClass[tripleKey(a.Class1, a.Class2, a.Class3)] = p
		}
	}
	if doc.Torsions != nil {
		for _, t := range doc.Torsions.Propers {
			def, err := parseTorsion(t)
			if err != nil {
				return &ForceFieldError{ForceField: name, Err: err}
			}
			f.propers = append(f.propers, def)
		}
		for _, t := range doc.Torsions.Impropers {
			def, err := parseTorsion(t)
			if err != nil {
				return &ForceFieldError{ForceField: name, Err: err}
			}
			f.impropers = append(f.impropers, def)
		}
	}
	if nb := doc.Nonbonded; nb != nil {
		f.coulomb14 = nb.Coulomb14Scale
		f.lj14 = nb.LJ14Scale
		for _, a := range nb.Atoms {
			p := nonbondParam{sigma: a.Sigma, epsilon: a.Epsilon}
			if a.Charge != nil {
				q, err := strconv.ParseFloat(*a.Charge, 64)
				if err != nil {
					return &ForceFieldError{ForceField: name, Detail: "nonbonded charge", Err: ErrInvalidForceField}
				}
				p.charge = &q
			}
			if a.Type != "" {
				f.nbByType[a.Type] = p
			} else {
				f.nbByClass[a.Class] = p
			}
		}
	}
	f.Files = append(f.Files, name)
	return nil
}

// Template returns the template with the given name.
func (f *ForceField) Template(name string) (*Template, bool) {
	t, ok := f.templates[name]
	return t, ok
}

// Type returns the atom type with the given name.
func (f *ForceField) Type(name string) (AtomType, bool) {
	t, ok := f.types[name]
	return t, ok
}

func buildTemplate(xr xmlResidue, source string) (*Template, error) {
	t := &Template{Name: xr.Name, Source: source}
	for _, a := range xr.Atoms {
		ta := TemplateAtom{Name: a.Name, Type: a.Type}
		if a.Charge != nil {
			q, err := strconv.ParseFloat(*a.Charge, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: charge of %s", ErrInvalidForceField, a.Name)
			}
			ta.Charge = &q
		}
		t.Atoms = append(t.Atoms, ta)
	}
	for _, b := range xr.Bonds {
		var i, j int
		if b.From != nil && b.To != nil {
			i, j = *b.From, *b.To
		} else {
			i, j = t.AtomIndex(b.AtomName1), t.AtomIndex(b.AtomName2)
		}
		if i < 0 || j < 0 || i >= len(t.Atoms) || j >= len(t.Atoms) {
			return nil, fmt.Errorf("%w: bond %s-%s", ErrInvalidForceField, b.AtomName1, b.AtomName2)
		}
		t.Bonds = append(t.Bonds, [2]int{i, j})
	}
	for _, e := range xr.ExternalBonds {
		idx := -1
		if e.From != nil {
			idx = *e.From
		} else {
			idx = t.AtomIndex(e.AtomName)
		}
		if idx < 0 || idx >= len(t.Atoms) {
			return nil, fmt.Errorf("%w: external bond %s", ErrInvalidForceField, e.AtomName)
		}
		t.External = append(t.External, idx)
	}
	return t, nil
}

func pairKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// tripleKey orders the outer names so X-Y-Z and Z-Y-X share a key.
func tripleKey(a, b, c string) [3]string {
	if c < a {
		a, c = c, a
	}
	return [3]string{a, b, c}
}
