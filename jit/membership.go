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
	"sync/atomic"

	"github.com/google/btree"
)

// Every code block keeps the calls linked to it in a btree ordered by
// membership handle. Entries never point into freed memory: a member removes
// itself by handle, the list drains itself when the code block goes away.

var nextLinkHandle atomic.Uint64

// incomingCall is a directly linked CallLinkInfo or a variant node of a
// polymorphic stub.
type incomingCall interface {
	membership() *listMembership
	unlinkFromCallee(vm *VM)
}

type incomingEntry struct {
	handle uint64
	call   incomingCall
}

func newLinkedSites() *btree.BTreeG[incomingEntry] {
	return btree.NewG[incomingEntry](8, func(a, b incomingEntry) bool {
		return a.handle < b.handle
	})
}

type listMembership struct {
	handle uint64
	list   *CodeBlock
}

func newListMembership() listMembership {
	return listMembership{handle: nextLinkHandle.Add(1)}
}

func (m *listMembership) isOnList() bool {
	return m.list != nil
}

func (m *listMembership) remove() {
	m.list.incoming.Delete(incomingEntry{handle: m.handle})
	m.list = nil
}

// addIncoming puts call on the linked-sites list of c.
func (c *CodeBlock) addIncoming(call incomingCall) {
	m := call.membership()
	if m.list != nil {
		panic("calllink: call is already on a linked-sites list")
	}
	m.list = c
	c.incoming.ReplaceOrInsert(incomingEntry{handle: m.handle, call: call})
}

// NumIncomingCalls counts records and stub nodes currently linked to c.
func (c *CodeBlock) NumIncomingCalls() int {
	return c.incoming.Len()
}

// UnlinkIncomingCalls unlinks everything that jumps into c. Unlinking one
// entry may remove others (all nodes of a stub go together), so the list is
// drained from the front instead of iterated.
func (c *CodeBlock) UnlinkIncomingCalls(vm *VM) {
	for {
		e, ok := c.incoming.DeleteMin()
		if !ok {
			return
		}
		e.call.membership().list = nil
		e.call.unlinkFromCallee(vm)
	}
}
