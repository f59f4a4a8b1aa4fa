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
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// CodeBlock is one unit of generated code. It owns the CallLinkInfos of the
// call instructions it contains and the list of calls linked into it.
type CodeBlock struct {
	ID       uuid.UUID
	Owner    *Executable
	Kind     SpecializationKind
	CodeSize int

	callLinkInfos []*CallLinkInfo
	incoming      *btree.BTreeG[incomingEntry]
	discarded     bool
}

var uuidCounter uint64 = uint64(time.Now().UnixNano())

// newUUID returns a UUIDv4-like value without relying on crypto/rand.
// It is not suitable for cryptographic use but avoids startup stalls on low-entropy systems.
func newUUID() uuid.UUID {
	ctr := atomic.AddUint64(&uuidCounter, 1)
	now := uint64(time.Now().UnixNano())
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], ctr)
	binary.LittleEndian.PutUint64(b[8:16], ctr^now^(now<<17))
	// RFC4122 variant + version 4
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return uuid.UUID(b)
}

func newCodeBlock(owner *Executable, kind SpecializationKind) *CodeBlock {
	return &CodeBlock{
		ID:       newUUID(),
		Owner:    owner,
		Kind:     kind,
		CodeSize: owner.CodeSize,
		incoming: newLinkedSites(),
	}
}

/* implement NonLockingReadMap */
func (c CodeBlock) GetKey() string {
	return c.ID.String()
}

func (c CodeBlock) ComputeSize() uint {
	sz := uint(c.CodeSize) + 96 /* struct */ + 8*uint(len(c.callLinkInfos))
	for _, info := range c.callLinkInfos {
		sz += 128
		if s, ok := info.stub.(*PolymorphicCallStub); ok {
			sz += uint(s.CodeSize())
		}
	}
	return sz
}

// AddCallLinkInfo emits a new call instruction of the given kind into c.
func (c *CodeBlock) AddCallLinkInfo(vm *VM, kind CallKind) *CallLinkInfo {
	if c.discarded {
		panic("codeblock: emitting a call into discarded code")
	}
	info := NewCallLinkInfo()
	info.owner = c
	info.SetUpCall(kind)
	info.SetStubsAllowed(vm.options.AllowPolymorphicStubs)
	c.callLinkInfos = append(c.callLinkInfos, info)
	return info
}

func (c *CodeBlock) CallLinkInfos() []*CallLinkInfo {
	return c.callLinkInfos
}

func (c *CodeBlock) IsDiscarded() bool {
	return c.discarded
}

// Discard throws the code away: every call into it is unlinked, every call
// site inside it is destroyed and the block leaves the registry.
func (c *CodeBlock) Discard(vm *VM) {
	if c.discarded {
		return
	}
	c.UnlinkIncomingCalls(vm)
	for _, info := range c.callLinkInfos {
		info.Destroy()
	}
	c.callLinkInfos = nil
	c.discarded = true
	vm.codeBlocks.Remove(c.GetKey())
	if c.Owner != nil && c.Owner.codeBlocks[c.Kind] == c {
		c.Owner.codeBlocks[c.Kind] = nil
	}
	vm.traceEvent("discard "+c.String(), "codeblock")
}

func (c *CodeBlock) String() string {
	name := "?"
	if c.Owner != nil {
		name = c.Owner.Name
	}
	return fmt.Sprintf("%s#%v/%s", name, c.Kind, c.ID.String()[:8])
}
