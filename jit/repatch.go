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

import "sync/atomic"

type slotMode uint8

const (
	slotSlowPath slotMode = iota
	slotDirect
	slotStub
)

// callTarget is what the patched call instruction jumps to. It is immutable
// once published.
type callTarget struct {
	mode     slotMode
	expected *Callee // slotDirect: guard against this callee
	code     *CodeBlock
	stub     PolymorphicStub
}

var slowPathTarget = &callTarget{mode: slotSlowPath}

// CallSlot stands in for the patchable call instruction. Executing threads
// load it without locking; only a Repatcher stores into it.
type CallSlot struct {
	target atomic.Pointer[callTarget]
}

func (s *CallSlot) load() *callTarget {
	if t := s.target.Load(); t != nil {
		return t
	}
	return slowPathTarget
}

func (s *CallSlot) IsSlowPath() bool {
	return s.load().mode == slotSlowPath
}

func (s *CallSlot) IsDirect() bool {
	return s.load().mode == slotDirect
}

func (s *CallSlot) IsStub() bool {
	return s.load().mode == slotStub
}

// Repatcher rewrites call instructions.
type Repatcher interface {
	// UnlinkFor sends the call back to the generic slow path.
	UnlinkFor(vm *VM, info *CallLinkInfo)
	LinkDirectFor(vm *VM, info *CallLinkInfo, callee *Callee, code *CodeBlock)
	LinkStubFor(vm *VM, info *CallLinkInfo, stub PolymorphicStub)
}

// SlotRepatcher patches the CallSlot of each record.
type SlotRepatcher struct {
	unlinks atomic.Uint64
	links   atomic.Uint64
}

func (r *SlotRepatcher) UnlinkFor(vm *VM, info *CallLinkInfo) {
	info.slot.target.Store(slowPathTarget)
	r.unlinks.Add(1)
}

func (r *SlotRepatcher) LinkDirectFor(vm *VM, info *CallLinkInfo, callee *Callee, code *CodeBlock) {
	info.slot.target.Store(&callTarget{mode: slotDirect, expected: callee, code: code})
	r.links.Add(1)
}

func (r *SlotRepatcher) LinkStubFor(vm *VM, info *CallLinkInfo, stub PolymorphicStub) {
	info.slot.target.Store(&callTarget{mode: slotStub, stub: stub})
	r.links.Add(1)
}

// Counts returns how many links and unlinks were patched so far.
func (r *SlotRepatcher) Counts() (links, unlinks uint64) {
	return r.links.Load(), r.unlinks.Load()
}
