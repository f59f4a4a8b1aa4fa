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

import "fmt"

/*
Frame Shuffle Data
==================

A tail call replaces the caller's frame with the callee's. Before the jump the
outgoing arguments have to be moved into the slots the callee expects, which
may overlap with slots that still hold live values. The code generator
records where every value currently lives; the shuffler later emits the
moves in a safe order.

FrameShuffleData is owned by exactly one CallLinkInfo. It is a value: the
record stores a Clone, never the caller's slices or maps.
*/

// Reg represents a hardware register index.
type Reg uint8

// RecoveryLoc describes where a value lives at the call.
type RecoveryLoc uint8

const (
	RecoverNone  RecoveryLoc = iota // slot is dead
	RecoverReg                      // in a register (Reg)
	RecoverStack                    // on the caller's frame at StackOff
	RecoverImm                      // compile-time constant (Imm)
)

// ValueRecovery tells the shuffler how to rematerialize one value.
type ValueRecovery struct {
	Loc      RecoveryLoc
	Reg      Reg
	StackOff int32
	Imm      int64
}

func (v ValueRecovery) String() string {
	switch v.Loc {
	case RecoverReg:
		return fmt.Sprintf("r%d", v.Reg)
	case RecoverStack:
		return fmt.Sprintf("[fp%+d]", v.StackOff)
	case RecoverImm:
		return fmt.Sprintf("$%d", v.Imm)
	}
	return "-"
}

type FrameShuffleData struct {
	NumLocals     int
	NumParameters int // parameters the callee declares
	NumPassedArgs int // arguments the caller actually passes
	Callee        ValueRecovery
	Args          []ValueRecovery
	Registers     map[Reg]ValueRecovery // callee-save registers to restore before the jump
}

// Clone returns a deep copy that shares no storage with d.
func (d FrameShuffleData) Clone() FrameShuffleData {
	result := d
	if d.Args != nil {
		result.Args = make([]ValueRecovery, len(d.Args))
		copy(result.Args, d.Args)
	}
	if d.Registers != nil {
		result.Registers = make(map[Reg]ValueRecovery, len(d.Registers))
		for r, v := range d.Registers {
			result.Registers[r] = v
		}
	}
	return result
}

// Padding is the number of undefined arguments the shuffler has to fill in
// when fewer arguments are passed than the callee declares.
func (d FrameShuffleData) Padding() int {
	if d.NumPassedArgs >= d.NumParameters {
		return 0
	}
	return d.NumParameters - d.NumPassedArgs
}

func (d FrameShuffleData) String() string {
	return fmt.Sprintf("shuffle{locals=%d params=%d passed=%d callee=%v args=%v regs=%d}",
		d.NumLocals, d.NumParameters, d.NumPassedArgs, d.Callee, d.Args, len(d.Registers))
}
