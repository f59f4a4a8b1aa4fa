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
	"sync/atomic"
)

// PolymorphicStub is the multi-target dispatch routine a call site owns once
// it has seen more than one callee.
type PolymorphicStub interface {
	// VisitWeak drops variants whose callee died and reports whether any
	// variant survived.
	VisitWeak(vm *VM) bool
	// ClearCallNodesFor removes every back reference to owner.
	ClearCallNodesFor(owner *CallLinkInfo)
	Variants() []CallVariant
	// Lookup is the dispatch itself; it must not block.
	Lookup(callee *Callee) (*CodeBlock, bool)
}

// CallVariant is one case of a polymorphic stub. A closure variant has no
// Callee and matches every function object sharing Executable.
type CallVariant struct {
	Callee     *Callee
	Executable *Executable
	Code       *CodeBlock
}

func (v CallVariant) IsClosureCall() bool {
	return v.Callee == nil
}

func (v CallVariant) Matches(callee *Callee) bool {
	if v.Callee != nil {
		return v.Callee == callee
	}
	return callee != nil && callee.Executable == v.Executable
}

func (v CallVariant) String() string {
	if v.Callee == nil {
		return "closure:" + v.Executable.Name
	}
	return v.Callee.String()
}

const (
	stubHeaderSize  = 48
	stubVariantSize = 24
)

type callNode struct {
	link    listMembership
	owner   *CallLinkInfo
	variant CallVariant
}

func (n *callNode) membership() *listMembership {
	return &n.link
}

// unlinkFromCallee runs when the variant's code block is jettisoned. Several
// nodes of the same stub may end up here for one owner.
func (n *callNode) unlinkFromCallee(vm *VM) {
	if n.owner != nil {
		n.owner.Unlink(vm)
	}
	if n.link.isOnList() {
		n.link.remove()
	}
}

// PolymorphicCallStub holds one call node per variant. Each node is on the
// linked-sites list of its variant's code block and points back at the
// owning record.
type PolymorphicCallStub struct {
	nodes    []*callNode
	dispatch atomic.Pointer[[]CallVariant]
}

func NewPolymorphicCallStub(owner *CallLinkInfo, variants []CallVariant) *PolymorphicCallStub {
	s := &PolymorphicCallStub{nodes: make([]*callNode, 0, len(variants))}
	for _, v := range variants {
		n := &callNode{link: newListMembership(), owner: owner, variant: v}
		if v.Code != nil && !v.Code.IsDiscarded() {
			v.Code.addIncoming(n)
		}
		s.nodes = append(s.nodes, n)
	}
	s.publish()
	return s
}

// publish swaps in a fresh dispatch table for the hot path.
func (s *PolymorphicCallStub) publish() {
	table := make([]CallVariant, len(s.nodes))
	for i, n := range s.nodes {
		table[i] = n.variant
	}
	s.dispatch.Store(&table)
}

func (s *PolymorphicCallStub) Lookup(callee *Callee) (*CodeBlock, bool) {
	table := s.dispatch.Load()
	if table == nil {
		return nil, false
	}
	for _, v := range *table {
		if v.Matches(callee) {
			return v.Code, true
		}
	}
	return nil, false
}

func (s *PolymorphicCallStub) Variants() []CallVariant {
	result := make([]CallVariant, len(s.nodes))
	for i, n := range s.nodes {
		result[i] = n.variant
	}
	return result
}

// Owners lists the records the stub still points back to.
func (s *PolymorphicCallStub) Owners() []*CallLinkInfo {
	var result []*CallLinkInfo
	for _, n := range s.nodes {
		if n.owner == nil {
			continue
		}
		dup := false
		for _, o := range result {
			if o == n.owner {
				dup = true
				break
			}
		}
		if !dup {
			result = append(result, n.owner)
		}
	}
	return result
}

func (s *PolymorphicCallStub) CodeSize() int {
	return stubHeaderSize + stubVariantSize*len(s.nodes)
}

func (s *PolymorphicCallStub) variantIsLive(vm *VM, v CallVariant) bool {
	if v.Callee != nil && !vm.heap.IsMarked(v.Callee) {
		return false
	}
	if !vm.heap.IsMarked(v.Executable) {
		return false
	}
	return v.Code == nil || !v.Code.IsDiscarded()
}

func (s *PolymorphicCallStub) VisitWeak(vm *VM) bool {
	live := make([]*callNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		if s.variantIsLive(vm, n.variant) {
			live = append(live, n)
			continue
		}
		n.owner = nil
		if n.link.isOnList() {
			n.link.remove()
		}
	}
	if len(live) != len(s.nodes) {
		s.nodes = live
		s.publish()
	}
	return len(live) > 0
}

func (s *PolymorphicCallStub) ClearCallNodesFor(owner *CallLinkInfo) {
	kept := s.nodes[:0]
	for _, n := range s.nodes {
		if n.owner != owner {
			kept = append(kept, n)
			continue
		}
		n.owner = nil
		if n.link.isOnList() {
			n.link.remove()
		}
	}
	for i := len(kept); i < len(s.nodes); i++ {
		s.nodes[i] = nil
	}
	s.nodes = kept
	s.publish()
}

func (s *PolymorphicCallStub) String() string {
	return fmt.Sprintf("stub%v", s.Variants())
}
