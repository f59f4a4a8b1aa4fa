/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package jit

// CallKind is fixed when the code generator sets up a call site.
type CallKind uint8

const (
	CallNone CallKind = iota
	CallCall
	CallConstruct
	CallTailCall
	CallCallVarargs
	CallConstructVarargs
	CallTailCallVarargs
)

func (k CallKind) String() string {
	switch k {
	case CallNone:
		return "none"
	case CallCall:
		return "call"
	case CallConstruct:
		return "construct"
	case CallTailCall:
		return "tailcall"
	case CallCallVarargs:
		return "call-varargs"
	case CallConstructVarargs:
		return "construct-varargs"
	case CallTailCallVarargs:
		return "tailcall-varargs"
	}
	return "invalid"
}

// ParseCallKind is the inverse of String. ok is false for unknown names.
func ParseCallKind(s string) (CallKind, bool) {
	for k := CallNone; k <= CallTailCallVarargs; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return CallNone, false
}

func (k CallKind) IsTailCall() bool {
	return k == CallTailCall || k == CallTailCallVarargs
}

func (k CallKind) IsVarargs() bool {
	return k == CallCallVarargs || k == CallConstructVarargs || k == CallTailCallVarargs
}

// SpecializationKind selects which code block of an executable a call enters.
type SpecializationKind uint8

const (
	CodeForCall SpecializationKind = iota
	CodeForConstruct
)

func (s SpecializationKind) String() string {
	if s == CodeForConstruct {
		return "construct"
	}
	return "call"
}

// SpecializationKindFor maps constructing call kinds to CodeForConstruct,
// everything else (including None) to CodeForCall.
func SpecializationKindFor(k CallKind) SpecializationKind {
	if k == CallConstruct || k == CallConstructVarargs {
		return CodeForConstruct
	}
	return CodeForCall
}
