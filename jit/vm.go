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
	"io"
	"os"
	"sync"
	"time"

	"github.com/launix-de/NonLockingReadMap"
)

// VM ties the call-site machinery to a heap, a repatcher and the registry of
// live code blocks. Mutations of link state happen inside AtSafepoint.
type VM struct {
	options    Options
	heap       *Heap
	repatcher  Repatcher
	codeBlocks NonLockingReadMap.NonLockingReadMap[CodeBlock, string]

	safepoint sync.Mutex
	trace     *Tracefile
	log       io.Writer
}

func NewVM(opts Options) *VM {
	opts = opts.normalized()
	vm := &VM{
		options:   opts,
		heap:      NewHeap(opts.MarkWorkers),
		repatcher: new(SlotRepatcher),
		log:       os.Stdout,
	}
	vm.codeBlocks = NonLockingReadMap.New[CodeBlock, string]()
	return vm
}

func (vm *VM) Options() Options {
	return vm.options
}

func (vm *VM) Heap() *Heap {
	return vm.heap
}

func (vm *VM) Repatcher() Repatcher {
	return vm.repatcher
}

// SetLogOutput redirects diagnostic lines (stdout by default).
func (vm *VM) SetLogOutput(w io.Writer) {
	vm.log = w
}

// StartTrace routes trace events to t until Close.
func (vm *VM) StartTrace(t *Tracefile) {
	vm.AtSafepoint(func() {
		vm.trace = t
	})
}

func (vm *VM) Close() {
	vm.AtSafepoint(func() {
		if vm.trace != nil {
			vm.trace.Close()
			vm.trace = nil
		}
	})
}

func (vm *VM) dataLog(line string) {
	fmt.Fprintln(vm.log, line)
}

func (vm *VM) traceEvent(name string, cat string) {
	if vm.options.TracePrint {
		vm.dataLog("trace: " + cat + ": " + name)
	}
	if vm.trace != nil {
		vm.trace.Event(name, cat, "i")
	}
}

func (vm *VM) traceCallSite(name string, info *CallLinkInfo) {
	if vm.options.TracePrint {
		vm.dataLog("trace: calllink: " + name + " " + info.String())
	}
	if vm.trace != nil {
		vm.trace.EventFull(name, "calllink", "i", time.Since(vm.trace.start).Microseconds(), 0, 0, map[string]any{
			"site":  info.ID(),
			"kind":  info.CallKind().String(),
			"state": info.State().String(),
		})
	}
}

// AtSafepoint runs fn while no other link-state writer is active.
func (vm *VM) AtSafepoint(fn func()) {
	vm.safepoint.Lock()
	defer vm.safepoint.Unlock()
	fn()
}

func (vm *VM) NewExecutable(name string, numParameters int, codeSize int) *Executable {
	e := &Executable{Name: name, NumParameters: numParameters, CodeSize: codeSize}
	vm.heap.Allocate(e)
	return e
}

func (vm *VM) NewCallee(exe *Executable, label string) *Callee {
	c := &Callee{Executable: exe, Label: label}
	vm.heap.Allocate(c)
	return c
}

// CodeBlockFor returns the code block of exe for kind and generates one if
// there is none yet.
func (vm *VM) CodeBlockFor(exe *Executable, kind SpecializationKind) *CodeBlock {
	if cb := exe.codeBlocks[kind]; cb != nil {
		return cb
	}
	cb := newCodeBlock(exe, kind)
	exe.codeBlocks[kind] = cb
	vm.codeBlocks.Set(cb)
	vm.traceEvent("compile "+cb.String(), "codeblock")
	return cb
}

// CodeBlocks lists every registered code block; safe without a safepoint.
func (vm *VM) CodeBlocks() []*CodeBlock {
	return vm.codeBlocks.GetAll()
}

func (vm *VM) LookupCodeBlock(id string) *CodeBlock {
	return vm.codeBlocks.Get(id)
}

// Call dispatches one execution of the call instruction info with callee and
// argc arguments and returns the code block that runs. Hits never lock.
func (vm *VM) Call(info *CallLinkInfo, callee *Callee, argc int) *CodeBlock {
	t := info.slot.load()
	switch t.mode {
	case slotDirect:
		if t.expected == callee {
			return t.code
		}
	case slotStub:
		if code, ok := t.stub.Lookup(callee); ok {
			return code
		}
	}
	return vm.callSlowPath(info, callee, argc)
}

func (vm *VM) callSlowPath(info *CallLinkInfo, callee *Callee, argc int) *CodeBlock {
	info.IncrementSlowPathCount()
	info.UpdateMaxNumArguments(argc)
	var code *CodeBlock
	vm.AtSafepoint(func() {
		code = vm.CodeBlockFor(callee.Executable, info.SpecializationKind())
		info.SetLastSeenCallee(callee)
		if info.owner != nil && info.owner.IsDiscarded() {
			return // the caller's code is gone; nothing left to patch
		}
		vm.linkFor(info, callee, code)
	})
	return code
}

type CollectionStats struct {
	Marked              int
	Swept               int
	VisitedCallSites    int
	ClearedCallSites    int
	DiscardedCodeBlocks int
	Duration            time.Duration
}

// Collect runs a full collection: mark, then the weak sweep over every call
// site of every registered code block, then discarding of code whose
// executable died, then sweeping of dead cells. It never stops halfway.
func (vm *VM) Collect() (stats CollectionStats) {
	start := time.Now()
	vm.AtSafepoint(func() {
		vm.tracePhase("mark", func() {
			stats.Marked = vm.heap.Mark()
		})

		blocks := vm.codeBlocks.GetAll()
		vm.tracePhase("weak sweep", func() {
			for _, cb := range blocks {
				for _, info := range cb.callLinkInfos {
					wasLinked := info.IsLinked()
					info.VisitWeak(vm)
					stats.VisitedCallSites++
					if wasLinked && !info.IsLinked() {
						stats.ClearedCallSites++
					}
				}
			}
		})
		vm.tracePhase("discard", func() {
			for _, cb := range blocks {
				if !vm.heap.IsMarked(cb.Owner) {
					cb.Discard(vm)
					stats.DiscardedCodeBlocks++
				}
			}
		})
		vm.tracePhase("sweep", func() {
			stats.Swept = vm.heap.Sweep()
		})

		stats.Duration = time.Since(start)
		vm.traceEvent(fmt.Sprintf("collect marked=%d swept=%d cleared=%d", stats.Marked, stats.Swept, stats.ClearedCallSites), "gc")
	})
	return
}

// tracePhase records f as a begin/end pair in the gc category.
func (vm *VM) tracePhase(name string, f func()) {
	if vm.trace == nil {
		f()
		return
	}
	vm.trace.Duration(name, "gc", f)
}
