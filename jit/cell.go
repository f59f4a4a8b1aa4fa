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

import (
	"fmt"
	"hash/fnv"
)

// Cell is anything the heap allocates and marks.
type Cell interface {
	cellIndex() uint32
	setCellIndex(idx uint32)
	visitChildren(visit func(Cell))
}

// cellHeader is embedded into every cell. Index 0 means not allocated.
type cellHeader struct {
	index uint32
}

func (h *cellHeader) cellIndex() uint32 {
	return h.index
}

func (h *cellHeader) setCellIndex(idx uint32) {
	h.index = idx
}

// Executable is the compiled-once part of a function: its source identity
// and the code blocks generated for it (one per specialization kind).
type Executable struct {
	cellHeader
	Name          string
	NumParameters int
	CodeSize      int // bytes of machine code per code block

	codeBlocks [2]*CodeBlock
}

func (e *Executable) visitChildren(visit func(Cell)) {}

// CodeBlockFor returns the current code block or nil if none was generated yet.
func (e *Executable) CodeBlockFor(kind SpecializationKind) *CodeBlock {
	return e.codeBlocks[kind]
}

// HashFor identifies the executable in diagnostics.
func (e *Executable) HashFor(kind SpecializationKind) uint64 {
	h := fnv.New64a()
	h.Write([]byte(e.Name))
	h.Write([]byte{0, byte(kind)})
	return h.Sum64()
}

func (e *Executable) String() string {
	return e.Name
}

// Callee is a function object. Several callees (closures) can share one
// Executable.
type Callee struct {
	cellHeader
	Executable *Executable
	Label      string
}

func (c *Callee) visitChildren(visit func(Cell)) {
	if c.Executable != nil {
		visit(c.Executable)
	}
}

func (c *Callee) String() string {
	if c.Label != "" {
		return c.Label
	}
	if c.Executable != nil {
		return fmt.Sprintf("%s@%d", c.Executable.Name, c.index)
	}
	return fmt.Sprintf("callee@%d", c.index)
}
