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
	"io"
	"math"
	"strings"
	"testing"
)

// countingRepatcher counts effective unlinks on top of the slot patching.
type countingRepatcher struct {
	SlotRepatcher
	unlinkCalls int
}

func (r *countingRepatcher) UnlinkFor(vm *VM, info *CallLinkInfo) {
	r.unlinkCalls++
	r.SlotRepatcher.UnlinkFor(vm, info)
}

func newTestVM(t *testing.T) (*VM, *countingRepatcher) {
	t.Helper()
	opts := DefaultOptions()
	opts.MarkWorkers = 2
	vm := NewVM(opts)
	r := new(countingRepatcher)
	vm.repatcher = r
	vm.SetLogOutput(io.Discard)
	return vm, r
}

// newFunction allocates a rooted function object with its own executable.
func newFunction(vm *VM, name string) *Callee {
	exe := vm.NewExecutable(name, 2, 256)
	c := vm.NewCallee(exe, name)
	vm.heap.AddRoot(c)
	return c
}

// newCallSite emits a call instruction into a fresh, rooted caller.
func newCallSite(vm *VM, kind CallKind) *CallLinkInfo {
	caller := newFunction(vm, "caller")
	return vm.CodeBlockFor(caller.Executable, CodeForCall).AddCallLinkInfo(vm, kind)
}

func variantOf(vm *VM, c *Callee) CallVariant {
	return CallVariant{Callee: c, Executable: c.Executable, Code: vm.CodeBlockFor(c.Executable, CodeForCall)}
}

type siteSnapshot struct {
	state         LinkState
	onList        bool
	kind          CallKind
	maxArgs       int
	slowPathCount int
	repatched     bool
	closure       bool
	cleared       bool
	stubsAllowed  bool
	callee        *Callee
	lastSeen      *Callee
	stub          PolymorphicStub
}

func snapshot(c *CallLinkInfo) siteSnapshot {
	return siteSnapshot{
		state:         c.State(),
		onList:        c.IsOnList(),
		kind:          c.CallKind(),
		maxArgs:       c.MaxNumArguments(),
		slowPathCount: c.SlowPathCount(),
		repatched:     c.HasEverBeenRepatched(),
		closure:       c.HasSeenClosure(),
		cleared:       c.ClearedByGC(),
		stubsAllowed:  c.StubsAllowed(),
		callee:        c.Callee(),
		lastSeen:      c.LastSeenCallee(),
		stub:          c.Stub(),
	}
}

func TestFreshCallLinkInfo(t *testing.T) {
	c := NewCallLinkInfo()
	if c.CallKind() != CallNone {
		t.Fatalf("expected call kind none, got %v", c.CallKind())
	}
	if c.State() != Unlinked || c.IsLinked() || c.IsOnList() {
		t.Fatalf("fresh record must be unlinked and off-list, got %v", c.State())
	}
	if c.MaxNumArguments() != 0 || c.SlowPathCount() != 0 {
		t.Fatalf("counters not zero: max=%d slow=%d", c.MaxNumArguments(), c.SlowPathCount())
	}
	if c.HasEverBeenRepatched() || c.HasSeenClosure() || c.ClearedByGC() || c.StubsAllowed() {
		t.Fatalf("flags not false: %+v", snapshot(c))
	}
	if c.Stub() != nil || c.HaveLastSeenCallee() {
		t.Fatalf("fresh record owns sub-objects")
	}
	if _, ok := c.FrameShuffleData(); ok {
		t.Fatalf("fresh record has shuffle data")
	}
	if !c.Slot().IsSlowPath() {
		t.Fatalf("fresh slot must go to the slow path")
	}
}

func TestUnlinkDirect(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallCall)
	target := newFunction(vm, "target")
	code := vm.CodeBlockFor(target.Executable, CodeForCall)
	LinkDirect(vm, site, target, code)

	if site.State() != LinkedDirect || !site.IsOnList() || code.NumIncomingCalls() != 1 {
		t.Fatalf("link did not register: %v onList=%v incoming=%d", site.State(), site.IsOnList(), code.NumIncomingCalls())
	}
	if !site.Slot().IsDirect() || !site.HasEverBeenRepatched() {
		t.Fatalf("slot not patched to the callee")
	}

	site.Unlink(vm)
	if site.State() != Unlinked || site.IsOnList() {
		t.Fatalf("after unlink: state=%v onList=%v", site.State(), site.IsOnList())
	}
	if code.NumIncomingCalls() != 0 {
		t.Fatalf("linked-sites list still has %d entries", code.NumIncomingCalls())
	}
	if r.unlinkCalls != 1 || !site.Slot().IsSlowPath() {
		t.Fatalf("expected exactly one repatch to the slow path, got %d", r.unlinkCalls)
	}
}

func TestUnlinkTwiceIsNoop(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallConstruct)
	target := newFunction(vm, "target")
	LinkDirect(vm, site, target, vm.CodeBlockFor(target.Executable, CodeForConstruct))

	site.Unlink(vm)
	before := snapshot(site)
	site.Unlink(vm)
	site.Unlink(vm)
	if after := snapshot(site); after != before {
		t.Fatalf("redundant unlink changed the record:\n%+v\n%+v", before, after)
	}
	if r.unlinkCalls != 1 {
		t.Fatalf("repatcher called %d times, expected once", r.unlinkCalls)
	}
}

func TestUnlinkNeverLinked(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallCall)
	site.Unlink(vm)
	site.Unlink(vm)
	if r.unlinkCalls != 0 || site.State() != Unlinked {
		t.Fatalf("unlinking an unlinked record must not repatch")
	}
}

func TestUnlinkedOnListIsFatal(t *testing.T) {
	vm, _ := newTestVM(t)
	site := newCallSite(vm, CallCall)
	target := newFunction(vm, "target")
	vm.CodeBlockFor(target.Executable, CodeForCall).addIncoming(site)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic for an unlinked record on a list")
		}
		if !strings.Contains(r.(string), "still on a linked-sites list") {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()
	site.Unlink(vm)
}

func TestClearStubWithoutStub(t *testing.T) {
	vm, _ := newTestVM(t)
	site := newCallSite(vm, CallCall)
	target := newFunction(vm, "target")
	LinkDirect(vm, site, target, vm.CodeBlockFor(target.Executable, CodeForCall))
	site.IncrementSlowPathCount()
	site.UpdateMaxNumArguments(3)

	before := snapshot(site)
	site.ClearStub()
	site.ClearStub()
	if after := snapshot(site); after != before {
		t.Fatalf("ClearStub without stub changed the record:\n%+v\n%+v", before, after)
	}
}

func TestClearStubDetachesBackReferences(t *testing.T) {
	vm, _ := newTestVM(t)
	site := newCallSite(vm, CallCall)
	a, b := newFunction(vm, "a"), newFunction(vm, "b")
	va, vb := variantOf(vm, a), variantOf(vm, b)
	if !LinkPolymorphic(vm, site, []CallVariant{va, vb}) {
		t.Fatalf("stub link refused")
	}
	stub := site.Stub().(*PolymorphicCallStub)
	if len(stub.Owners()) != 1 || stub.Owners()[0] != site {
		t.Fatalf("stub does not point back at its owner")
	}
	if va.Code.NumIncomingCalls() != 1 || vb.Code.NumIncomingCalls() != 1 {
		t.Fatalf("stub nodes not on the targets' lists")
	}

	site.ClearStub()
	if site.Stub() != nil {
		t.Fatalf("stub still owned")
	}
	if len(stub.Owners()) != 0 {
		t.Fatalf("stub still references the record")
	}
	if va.Code.NumIncomingCalls() != 0 || vb.Code.NumIncomingCalls() != 0 {
		t.Fatalf("stub nodes left behind on target lists")
	}
}

func TestVisitWeakDirectDeadCallee(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallCall)
	target := newFunction(vm, "target")
	code := vm.CodeBlockFor(target.Executable, CodeForCall)
	LinkDirect(vm, site, target, code)

	vm.heap.RemoveRoot(target)
	vm.heap.Mark()
	site.VisitWeak(vm)

	if site.State() != Unlinked || site.IsOnList() {
		t.Fatalf("dead callee still linked: %v", site.State())
	}
	if !site.ClearedByGC() || site.HasSeenClosure() {
		t.Fatalf("expected cleared-by-gc, got %+v", snapshot(site))
	}
	if code.NumIncomingCalls() != 0 || r.unlinkCalls != 1 {
		t.Fatalf("list=%d repatches=%d", code.NumIncomingCalls(), r.unlinkCalls)
	}
}

func TestVisitWeakDirectClosureCase(t *testing.T) {
	vm, _ := newTestVM(t)
	site := newCallSite(vm, CallCall)
	target := newFunction(vm, "target")
	LinkDirect(vm, site, target, vm.CodeBlockFor(target.Executable, CodeForCall))

	// the function object dies, its executable survives through another root
	vm.heap.AddRoot(target.Executable)
	vm.heap.RemoveRoot(target)
	vm.heap.Mark()
	site.VisitWeak(vm)

	if site.State() != Unlinked {
		t.Fatalf("expected unlink, got %v", site.State())
	}
	if !site.HasSeenClosure() || site.ClearedByGC() {
		t.Fatalf("expected closure case, got %+v", snapshot(site))
	}
}

func TestVisitWeakDirectLiveCallee(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallCall)
	target := newFunction(vm, "target")
	LinkDirect(vm, site, target, vm.CodeBlockFor(target.Executable, CodeForCall))

	vm.heap.Mark()
	before := snapshot(site)
	site.VisitWeak(vm)
	if after := snapshot(site); after != before || r.unlinkCalls != 0 {
		t.Fatalf("live link touched:\n%+v\n%+v", before, after)
	}
}

func TestVisitWeakStubPartiallyAlive(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallCall)
	a, b := newFunction(vm, "a"), newFunction(vm, "b")
	vb := variantOf(vm, b)
	LinkPolymorphic(vm, site, []CallVariant{variantOf(vm, a), vb})

	vm.heap.RemoveRoot(b)
	vm.heap.Mark()
	before := snapshot(site)
	site.VisitWeak(vm)

	if site.State() != LinkedStub {
		t.Fatalf("stub with a live variant was unlinked")
	}
	if after := snapshot(site); after != before || r.unlinkCalls != 0 {
		t.Fatalf("flags changed:\n%+v\n%+v", before, after)
	}
	variants := site.Stub().Variants()
	if len(variants) != 1 || variants[0].Callee != a {
		t.Fatalf("dead variant not pruned: %v", variants)
	}
	if vb.Code.NumIncomingCalls() != 0 {
		t.Fatalf("pruned variant still on its target list")
	}
	if _, ok := site.Stub().Lookup(b); ok {
		t.Fatalf("pruned variant still dispatches")
	}
}

func TestVisitWeakStubAllDead(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallCall)
	a, b := newFunction(vm, "a"), newFunction(vm, "b")
	LinkPolymorphic(vm, site, []CallVariant{variantOf(vm, a), variantOf(vm, b)})
	stub := site.Stub().(*PolymorphicCallStub)

	vm.heap.RemoveRoot(a)
	vm.heap.RemoveRoot(b)
	vm.heap.Mark()
	site.VisitWeak(vm)

	if site.State() != Unlinked || site.IsOnList() || !site.ClearedByGC() {
		t.Fatalf("expected unlinked + cleared, got %+v", snapshot(site))
	}
	if len(stub.Owners()) != 0 || r.unlinkCalls != 1 {
		t.Fatalf("owners=%d repatches=%d", len(stub.Owners()), r.unlinkCalls)
	}
}

func TestVisitWeakLastSeenCalleeOnly(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallCall)
	old := newFunction(vm, "old")
	site.SetLastSeenCallee(old)

	vm.heap.RemoveRoot(old)
	vm.heap.Mark()
	site.VisitWeak(vm)

	if site.HaveLastSeenCallee() {
		t.Fatalf("dead last seen callee retained")
	}
	if site.State() != Unlinked || r.unlinkCalls != 0 {
		t.Fatalf("link state touched")
	}
	if !site.ClearedByGC() {
		t.Fatalf("dead last seen callee not classified")
	}
}

func TestVisitWeakLastSeenCalleeAlive(t *testing.T) {
	vm, _ := newTestVM(t)
	site := newCallSite(vm, CallCall)
	f := newFunction(vm, "f")
	site.SetLastSeenCallee(f)
	vm.heap.Mark()
	site.VisitWeak(vm)
	if site.LastSeenCallee() != f {
		t.Fatalf("live last seen callee dropped")
	}
}

func TestFrameShuffleDataIsCopied(t *testing.T) {
	site := NewCallLinkInfo()
	d := FrameShuffleData{
		NumLocals:     4,
		NumParameters: 3,
		NumPassedArgs: 2,
		Callee:        ValueRecovery{Loc: RecoverReg, Reg: 1},
		Args:          []ValueRecovery{{Loc: RecoverStack, StackOff: -8}, {Loc: RecoverImm, Imm: 7}},
		Registers:     map[Reg]ValueRecovery{3: {Loc: RecoverStack, StackOff: 16}},
	}
	site.SetFrameShuffleData(d)

	d.Args[0].StackOff = 99
	d.Registers[3] = ValueRecovery{Loc: RecoverReg, Reg: 9}
	d.Registers[4] = ValueRecovery{}
	d.NumLocals = 0

	got, ok := site.FrameShuffleData()
	if !ok {
		t.Fatalf("shuffle data missing")
	}
	if got.NumLocals != 4 || got.Args[0].StackOff != -8 || got.Registers[3].StackOff != 16 || len(got.Registers) != 1 {
		t.Fatalf("stored copy aliases the caller: %v", got)
	}

	got.Args[1].Imm = 1
	again, _ := site.FrameShuffleData()
	if again.Args[1].Imm != 7 {
		t.Fatalf("accessor returned shared storage")
	}
	if again.Padding() != 1 {
		t.Fatalf("expected padding 1, got %d", again.Padding())
	}

	site.SetFrameShuffleData(FrameShuffleData{NumLocals: 1})
	replaced, _ := site.FrameShuffleData()
	if replaced.NumLocals != 1 || replaced.Args != nil {
		t.Fatalf("replacement not stored: %v", replaced)
	}
}

func TestDestroyLinkedStub(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallCall)
	a, b := newFunction(vm, "a"), newFunction(vm, "b")
	va, vb := variantOf(vm, a), variantOf(vm, b)
	LinkPolymorphic(vm, site, []CallVariant{va, vb})
	stub := site.Stub().(*PolymorphicCallStub)

	site.Destroy()
	if len(stub.Owners()) != 0 {
		t.Fatalf("stub still points at the destroyed record")
	}
	if site.IsOnList() || va.Code.NumIncomingCalls() != 0 || vb.Code.NumIncomingCalls() != 0 {
		t.Fatalf("dangling list entries after destroy")
	}
	if r.unlinkCalls != 0 {
		t.Fatalf("destroy must not repatch")
	}
}

func TestDestroyLinkedDirect(t *testing.T) {
	vm, _ := newTestVM(t)
	site := newCallSite(vm, CallCall)
	target := newFunction(vm, "target")
	code := vm.CodeBlockFor(target.Executable, CodeForCall)
	LinkDirect(vm, site, target, code)
	site.Destroy()
	if site.IsOnList() || code.NumIncomingCalls() != 0 {
		t.Fatalf("destroy left the record on the list")
	}
	if site.State() != Unlinked || site.CalleeCode() != nil {
		t.Fatalf("destroyed record still linked: %v", site.State())
	}
}

// orderStub records whether its owner was still listed when told to detach.
type orderStub struct {
	ownerListed []bool
}

func (s *orderStub) VisitWeak(vm *VM) bool { return true }

func (s *orderStub) ClearCallNodesFor(owner *CallLinkInfo) {
	s.ownerListed = append(s.ownerListed, owner.IsOnList())
}

func (s *orderStub) Variants() []CallVariant { return nil }

func (s *orderStub) Lookup(callee *Callee) (*CodeBlock, bool) { return nil, false }

func TestDestroyDetachesStubBeforeLeavingList(t *testing.T) {
	vm, _ := newTestVM(t)
	site := newCallSite(vm, CallCall)
	target := newFunction(vm, "target")
	code := vm.CodeBlockFor(target.Executable, CodeForCall)
	LinkDirect(vm, site, target, code)
	stub := &orderStub{}
	site.stub = stub

	site.Destroy()
	if len(stub.ownerListed) != 1 || !stub.ownerListed[0] {
		t.Fatalf("stub was not detached while the record was still listed: %v", stub.ownerListed)
	}
	if site.Stub() != nil || site.IsOnList() || code.NumIncomingCalls() != 0 {
		t.Fatalf("destroy left references behind")
	}
}

func TestUpdateMaxNumArgumentsClamps(t *testing.T) {
	site := NewCallLinkInfo()
	site.UpdateMaxNumArguments(7)
	site.UpdateMaxNumArguments(math.MaxUint32 + 10)
	if site.MaxNumArguments() != math.MaxUint32 {
		t.Fatalf("expected clamp to MaxUint32, got %d", site.MaxNumArguments())
	}
	site.UpdateMaxNumArguments(5)
	site.UpdateMaxNumArguments(-1)
	if site.MaxNumArguments() != math.MaxUint32 {
		t.Fatalf("high-water mark went down to %d", site.MaxNumArguments())
	}
}

func TestStubVariantsUnlinkOwnerOnce(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallCall)
	exe := vm.NewExecutable("shared", 1, 128)
	vm.heap.AddRoot(exe)
	f1, f2 := vm.NewCallee(exe, "f1"), vm.NewCallee(exe, "f2")
	code := vm.CodeBlockFor(exe, CodeForCall)
	LinkPolymorphic(vm, site, []CallVariant{
		{Callee: f1, Executable: exe, Code: code},
		{Callee: f2, Executable: exe, Code: code},
	})
	if code.NumIncomingCalls() != 2 {
		t.Fatalf("expected two nodes on the list, got %d", code.NumIncomingCalls())
	}

	code.UnlinkIncomingCalls(vm)
	if site.State() != Unlinked || site.IsOnList() {
		t.Fatalf("owner not unlinked: %v", site.State())
	}
	if code.NumIncomingCalls() != 0 || r.unlinkCalls != 1 {
		t.Fatalf("incoming=%d repatches=%d", code.NumIncomingCalls(), r.unlinkCalls)
	}
}

func TestDiscardCallerDestroysSites(t *testing.T) {
	vm, _ := newTestVM(t)
	caller := newFunction(vm, "caller")
	callerCode := vm.CodeBlockFor(caller.Executable, CodeForCall)
	site := callerCode.AddCallLinkInfo(vm, CallCall)
	target := newFunction(vm, "target")
	targetCode := vm.CodeBlockFor(target.Executable, CodeForCall)
	LinkDirect(vm, site, target, targetCode)

	callerCode.Discard(vm)
	if targetCode.NumIncomingCalls() != 0 || site.IsOnList() {
		t.Fatalf("discarded caller left entries on the target")
	}
	if vm.LookupCodeBlock(callerCode.GetKey()) != nil {
		t.Fatalf("discarded code block still registered")
	}
	if caller.Executable.CodeBlockFor(CodeForCall) != nil {
		t.Fatalf("executable still references discarded code")
	}
	callerCode.Discard(vm)
}

func TestDiscardTargetUnlinksCallers(t *testing.T) {
	vm, r := newTestVM(t)
	site := newCallSite(vm, CallCall)
	target := newFunction(vm, "target")
	targetCode := vm.CodeBlockFor(target.Executable, CodeForCall)
	LinkDirect(vm, site, target, targetCode)

	targetCode.Discard(vm)
	if site.State() != Unlinked || site.IsOnList() || r.unlinkCalls != 1 {
		t.Fatalf("caller still linked into discarded code: %+v", snapshot(site))
	}
	if site.ClearedByGC() {
		t.Fatalf("jettison is not a collector clear")
	}
}
