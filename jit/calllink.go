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
	"math"
	"sync/atomic"
)

/*
Call Link Info
==============

One CallLinkInfo sits next to every call instruction the code generator
emits. It remembers what the call was last linked to so the machine code
in its CallSlot can jump straight to the callee instead of taking the
slow path.

A record is in exactly one of three states:

  - Unlinked:     no callee, no stub, not on any linked-sites list
  - LinkedDirect: callee set, stub nil
  - LinkedStub:   stub set, callee nil

Readers on the hot path only load callKind, callee and the slot and bump
slowPathCount; all of those are atomics. Everything else is written while
the VM is at a safepoint (linking, weak visiting, destruction).
*/

type LinkState uint8

const (
	Unlinked LinkState = iota
	LinkedDirect
	LinkedStub
)

func (s LinkState) String() string {
	switch s {
	case LinkedDirect:
		return "direct"
	case LinkedStub:
		return "stub"
	}
	return "unlinked"
}

type CallLinkInfo struct {
	link  listMembership // relation into the callee code block's linked-sites list
	owner *CodeBlock
	slot  CallSlot

	callKind        atomic.Uint32
	maxNumArguments atomic.Uint32
	slowPathCount   atomic.Uint32

	hasEverBeenRepatched bool
	hasSeenClosure       bool
	clearedByGC          bool
	allowStubs           bool

	callee     atomic.Pointer[Callee]
	calleeCode *CodeBlock // code block whose list we are on while LinkedDirect

	lastSeenCallee   *Callee // weak, profiling only
	stub             PolymorphicStub
	frameShuffleData *FrameShuffleData
}

// NewCallLinkInfo returns an unlinked record with every flag false and zero counters.
func NewCallLinkInfo() *CallLinkInfo {
	return &CallLinkInfo{link: newListMembership()}
}

// ID is unique per record for the lifetime of the process.
func (c *CallLinkInfo) ID() uint64 {
	return c.link.handle
}

func (c *CallLinkInfo) Owner() *CodeBlock {
	return c.owner
}

func (c *CallLinkInfo) Slot() *CallSlot {
	return &c.slot
}

func (c *CallLinkInfo) SetUpCall(kind CallKind) {
	c.callKind.Store(uint32(kind))
}

func (c *CallLinkInfo) CallKind() CallKind {
	return CallKind(c.callKind.Load())
}

func (c *CallLinkInfo) SpecializationKind() SpecializationKind {
	return SpecializationKindFor(c.CallKind())
}

func (c *CallLinkInfo) IsTailCall() bool {
	return c.CallKind().IsTailCall()
}

func (c *CallLinkInfo) IsVarargs() bool {
	return c.CallKind().IsVarargs()
}

func (c *CallLinkInfo) State() LinkState {
	if c.stub != nil {
		return LinkedStub
	}
	if c.callee.Load() != nil {
		return LinkedDirect
	}
	return Unlinked
}

func (c *CallLinkInfo) IsLinked() bool {
	return c.stub != nil || c.callee.Load() != nil
}

func (c *CallLinkInfo) IsOnList() bool {
	return c.link.isOnList()
}

// Callee is the direct link target or nil.
func (c *CallLinkInfo) Callee() *Callee {
	return c.callee.Load()
}

func (c *CallLinkInfo) CalleeCode() *CodeBlock {
	return c.calleeCode
}

func (c *CallLinkInfo) Stub() PolymorphicStub {
	return c.stub
}

func (c *CallLinkInfo) HasEverBeenRepatched() bool {
	return c.hasEverBeenRepatched
}

func (c *CallLinkInfo) setRepatched() {
	c.hasEverBeenRepatched = true
}

func (c *CallLinkInfo) HasSeenClosure() bool {
	return c.hasSeenClosure
}

func (c *CallLinkInfo) ClearedByGC() bool {
	return c.clearedByGC
}

func (c *CallLinkInfo) StubsAllowed() bool {
	return c.allowStubs
}

// SetStubsAllowed is the code generator's policy decision for this site.
func (c *CallLinkInfo) SetStubsAllowed(allowed bool) {
	c.allowStubs = allowed
}

func (c *CallLinkInfo) DisallowStubs() {
	c.allowStubs = false
}

func (c *CallLinkInfo) MaxNumArguments() int {
	return int(c.maxNumArguments.Load())
}

// UpdateMaxNumArguments raises the high-water mark; lower values are ignored.
func (c *CallLinkInfo) UpdateMaxNumArguments(n int) {
	if n < 0 {
		return
	}
	v := uint32(math.MaxUint32)
	if uint64(n) < math.MaxUint32 {
		v = uint32(n)
	}
	for {
		old := c.maxNumArguments.Load()
		if v <= old || c.maxNumArguments.CompareAndSwap(old, v) {
			return
		}
	}
}

func (c *CallLinkInfo) SlowPathCount() int {
	return int(c.slowPathCount.Load())
}

func (c *CallLinkInfo) IncrementSlowPathCount() {
	c.slowPathCount.Add(1)
}

func (c *CallLinkInfo) HaveLastSeenCallee() bool {
	return c.lastSeenCallee != nil
}

func (c *CallLinkInfo) LastSeenCallee() *Callee {
	return c.lastSeenCallee
}

func (c *CallLinkInfo) SetLastSeenCallee(callee *Callee) {
	c.lastSeenCallee = callee
}

func (c *CallLinkInfo) ClearLastSeenCallee() {
	c.lastSeenCallee = nil
}

// SetFrameShuffleData stores a private copy of data.
func (c *CallLinkInfo) SetFrameShuffleData(data FrameShuffleData) {
	clone := data.Clone()
	c.frameShuffleData = &clone
}

// FrameShuffleData returns a copy of the stored descriptor.
func (c *CallLinkInfo) FrameShuffleData() (FrameShuffleData, bool) {
	if c.frameShuffleData == nil {
		return FrameShuffleData{}, false
	}
	return c.frameShuffleData.Clone(), true
}

// ClearStub detaches this record from its stub and drops the stub.
func (c *CallLinkInfo) ClearStub() {
	if c.stub == nil {
		return
	}
	c.stub.ClearCallNodesFor(c)
	c.stub = nil
}

// Unlink points the call instruction back at the slow path and forgets the
// link target. Calling it on an unlinked record does nothing.
func (c *CallLinkInfo) Unlink(vm *VM) {
	if !c.IsLinked() {
		// every variant of a polymorphic stub may ask its owner to unlink on its own
		if c.link.isOnList() {
			panic("calllink: unlinked call site is still on a linked-sites list")
		}
		return
	}

	vm.repatcher.UnlinkFor(vm, c)

	// only on a list while the callee code block is alive and tracking us
	if c.link.isOnList() {
		c.link.remove()
	}
	c.callee.Store(nil)
	c.calleeCode = nil
	c.ClearStub()
}

// VisitWeak runs once per collection after marking. Links to unmarked
// callees are cut, the last seen callee is forgotten once it dies.
func (c *CallLinkInfo) VisitWeak(vm *VM) {
	handleSpecificCallee := func(callee *Callee) {
		if vm.heap.IsMarked(callee.Executable) {
			c.hasSeenClosure = true
		} else {
			c.clearedByGC = true
		}
	}

	if c.IsLinked() {
		if c.stub != nil {
			if !c.stub.VisitWeak(vm) {
				if vm.options.VerboseLinking {
					vm.dataLog(fmt.Sprintf("Clearing closure call to %v, stub routine %p.", c.stub.Variants(), c.stub))
				}
				vm.traceCallSite("clear closure call", c)
				c.Unlink(vm)
				c.clearedByGC = true
			}
		} else if callee := c.callee.Load(); !vm.heap.IsMarked(callee) {
			if vm.options.VerboseLinking {
				vm.dataLog(fmt.Sprintf("Clearing call to %p (%016x).", callee, callee.Executable.HashFor(c.SpecializationKind())))
			}
			vm.traceCallSite("clear call", c)
			handleSpecificCallee(callee)
			c.Unlink(vm)
		}
	}
	if c.lastSeenCallee != nil && !vm.heap.IsMarked(c.lastSeenCallee) {
		handleSpecificCallee(c.lastSeenCallee)
		c.lastSeenCallee = nil
	}
}

// Destroy runs when the owning code block is discarded. The stub goes first,
// then the list entry, so neither collection keeps a pointer to us.
func (c *CallLinkInfo) Destroy() {
	c.ClearStub()
	if c.link.isOnList() {
		c.link.remove()
	}
	c.callee.Store(nil)
	c.calleeCode = nil
}

func (c *CallLinkInfo) membership() *listMembership {
	return &c.link
}

func (c *CallLinkInfo) unlinkFromCallee(vm *VM) {
	c.Unlink(vm)
}

func (c *CallLinkInfo) String() string {
	s := fmt.Sprintf("site#%d %v %v", c.ID(), c.CallKind(), c.State())
	switch c.State() {
	case LinkedDirect:
		s += " -> " + c.Callee().String()
	case LinkedStub:
		s += fmt.Sprintf(" -> %v", c.stub.Variants())
	}
	return s
}
