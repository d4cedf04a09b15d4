// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forcefield

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
)

// The ffxml schema, restricted to the force terms the engine evaluates.
// Attribute names follow the published format so stock files load unchanged.

type xmlForceField struct {
	XMLName   xml.Name       `xml:"ForceField"`
	AtomTypes []xmlAtomType  `xml:"AtomTypes>Type"`
	Residues  []xmlResidue   `xml:"Residues>Residue"`
	Bonds     []xmlBondParam `xml:"HarmonicBondForce>Bond"`
	Angles    []xmlAngle     `xml:"HarmonicAngleForce>Angle"`
	Torsions  *xmlTorsions   `xml:"PeriodicTorsionForce"`
	Nonbonded *xmlNonbonded  `xml:"NonbondedForce"`
}

type xmlAtomType struct {
	Name    string  `xml:"name,attr"`
	Class   string  `xml:"class,attr"`
	Element string  `xml:"element,attr"`
	Mass    float64 `xml:"mass,attr"`
}

type xmlResidue struct {
	Name          string            `xml:"name,attr"`
	Atoms         []xmlResidueAtom  `xml:"Atom"`
	Bonds         []xmlResidueBond  `xml:"Bond"`
	ExternalBonds []xmlExternalBond `xml:"ExternalBond"`
}

type xmlResidueAtom struct {
	Name   string  `xml:"name,attr"`
	Type   string  `xml:"type,attr"`
	Charge *string `xml:"charge,attr"`
}

type xmlResidueBond struct {
	AtomName1 string `xml:"atomName1,attr"`
	AtomName2 string `xml:"atomName2,attr"`
	From      *int   `xml:"from,attr"`
	To        *int   `xml:"to,attr"`
}

type xmlExternalBond struct {
	AtomName string `xml:"atomName,attr"`
	From     *int   `xml:"from,attr"`
}

type xmlBondParam struct {
	Class1 string  `xml:"class1,attr"`
	Class2 string  `xml:"class2,attr"`
	Type1  string  `xml:"type1,attr"`
	Type2  string  `xml:"type2,attr"`
	Length float64 `xml:"length,attr"`
	K      float64 `xml:"k,attr"`
}

type xmlAngle struct {
	Class1 string  `xml:"class1,attr"`
	Class2 string  `xml:"class2,attr"`
	Class3 string  `xml:"class3,attr"`
	Type1  string  `xml:"type1,attr"`
	Type2  string  `xml:"type2,attr"`
	Type3  string  `xml:"type3,attr"`
	Angle  float64 `xml:"angle,attr"`
	K      float64 `xml:"k,attr"`
}

type xmlTorsions struct {
	Propers   []xmlTorsion `xml:"Proper"`
	Impropers []xmlTorsion `xml:"Improper"`
}

// xmlTorsion keeps raw attributes because the periodicityN/phaseN/kN series
// has no fixed length.
type xmlTorsion struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

type xmlNonbonded struct {
	Coulomb14Scale float64          `xml:"coulomb14scale,attr"`
	LJ14Scale      float64          `xml:"lj14scale,attr"`
	Atoms          []xmlNonbondAtom `xml:"Atom"`
}

type xmlNonbondAtom struct {
	Type    string  `xml:"type,attr"`
	Class   string  `xml:"class,attr"`
	Charge  *string `xml:"charge,attr"`
	Sigma   float64 `xml:"sigma,attr"`
	Epsilon float64 `xml:"epsilon,attr"`
}

func decodeXML(r io.Reader) (*xmlForceField, error) {
	var ff xmlForceField
	if err := xml.NewDecoder(r).Decode(&ff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidForceField, err)
	}
	return &ff, nil
}

// torsionDef is a parsed Proper or Improper entry. Names are atom classes or
// types depending on byType; an empty name is a wildcard.
type torsionDef struct {
	names  [4]string
	byType bool
	terms  []torsionTerm
}

type torsionTerm struct {
	periodicity int
	phase       float64
	k           float64
}

func parseTorsion(t xmlTorsion) (torsionDef, error) {
	attrs := make(map[string]string, len(t.Attrs))
	for _, a := range t.Attrs {
		attrs[a.Name.Local] = a.Value
	}
	var def torsionDef
	if _, ok := attrs["type1"]; ok {
		def.byType = true
	}
	prefix := "class"
	if def.byType {
		prefix = "type"
	}
	for i := 0; i < 4; i++ {
		def.names[i] = attrs[fmt.Sprintf("%s%d", prefix, i+1)]
	}
	for n := 1; ; n++ {
		ps, ok := attrs[fmt.Sprintf("periodicity%d", n)]
		if !ok {
			break
		}
		per, err := strconv.Atoi(ps)
		if err != nil {
			return def, fmt.Errorf("%w: periodicity%d=%q", ErrInvalidForceField, n, ps)
		}
		phase, err := strconv.ParseFloat(attrs[fmt.Sprintf("phase%d", n)], 64)
		if err != nil {
			return def, fmt.Errorf("%w: phase%d", ErrInvalidForceField, n)
		}
		k, err := strconv.ParseFloat(attrs[fmt.Sprintf("k%d", n)], 64)
		if err != nil {
			return def, fmt.Errorf("%w: k%d", ErrInvalidForceField, n)
		}
		def.terms = append(def.terms, torsionTerm{periodicity: per, phase: phase, k: k})
	}
	return def, nil
}
