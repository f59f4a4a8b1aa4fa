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

/*
Linker
------
the slow path decides how a call site is promoted:
 - below SlowPathLinkThreshold misses the site stays on the slow path
 - unlinked -> direct link to the callee's code block
 - direct + different callee -> polymorphic stub (if the site allows stubs)
 - stub + new callee -> bigger stub, until MaxPolymorphicVariants; then the
   site gives up on stubs and goes back to the slow path

all of this runs at a safepoint.
*/

// LinkDirect links an unlinked call site to code, guarded by callee.
func LinkDirect(vm *VM, info *CallLinkInfo, callee *Callee, code *CodeBlock) {
	if info.IsLinked() {
		panic("calllink: direct link of an already linked call site")
	}
	info.callee.Store(callee)
	info.calleeCode = code
	info.setRepatched()
	vm.repatcher.LinkDirectFor(vm, info, callee, code)
	code.addIncoming(info)
	vm.traceCallSite("link direct", info)
}

// LinkPolymorphic replaces the current link of info by a fresh stub over
// variants. It refuses (and returns false) when the site disallows stubs.
func LinkPolymorphic(vm *VM, info *CallLinkInfo, variants []CallVariant) bool {
	if !info.StubsAllowed() || len(variants) == 0 {
		return false
	}
	// the stub's nodes track the targets from now on
	if info.link.isOnList() {
		info.link.remove()
	}
	info.callee.Store(nil)
	info.calleeCode = nil
	info.ClearStub()

	stub := NewPolymorphicCallStub(info, variants)
	info.stub = stub
	info.setRepatched()
	vm.repatcher.LinkStubFor(vm, info, stub)
	vm.traceCallSite("link stub", info)
	return true
}

// withVariant adds (callee, code) to variants. A second function object of an
// executable that is already present turns that entry into a closure variant.
func withVariant(variants []CallVariant, callee *Callee, code *CodeBlock) []CallVariant {
	result := make([]CallVariant, 0, len(variants)+1)
	merged := false
	for _, v := range variants {
		if v.Matches(callee) {
			return variants
		}
		if v.Executable == callee.Executable {
			v.Callee = nil
			v.Code = code
			merged = true
		}
		result = append(result, v)
	}
	if !merged {
		result = append(result, CallVariant{Callee: callee, Executable: callee.Executable, Code: code})
	}
	return result
}

// linkFor is the slow path's promotion step after a miss on info.
func (vm *VM) linkFor(info *CallLinkInfo, callee *Callee, code *CodeBlock) {
	switch info.State() {
	case Unlinked:
		if info.SlowPathCount() < vm.options.SlowPathLinkThreshold {
			return
		}
		LinkDirect(vm, info, callee, code)
	case LinkedDirect:
		old := info.Callee()
		if old == callee {
			return
		}
		variants := []CallVariant{{Callee: old, Executable: old.Executable, Code: info.calleeCode}}
		LinkPolymorphic(vm, info, withVariant(variants, callee, code))
	case LinkedStub:
		variants := info.stub.Variants()
		grown := withVariant(variants, callee, code)
		if sameVariants(grown, variants) {
			return
		}
		if len(grown) > vm.options.MaxPolymorphicVariants {
			info.DisallowStubs()
			info.Unlink(vm)
			return
		}
		LinkPolymorphic(vm, info, grown)
	}
}

func sameVariants(a, b []CallVariant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
