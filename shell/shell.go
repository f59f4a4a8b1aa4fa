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
package shell

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/launix-de/jitlink/jit"
)

const helptext = `commands:
  fn NAME [PARAMS [CODESIZE]]   create a rooted function with its own executable
  closure NAME FN               create a rooted function object sharing FN's executable
  site NAME KIND [FN]           emit a call instruction (call, construct, tailcall, ...) into FN (default main)
  call SITE FN [ARGC]           execute the call instruction SITE with callee FN
  drop FN                       remove FN's root so the next gc may collect it
  gc                            run a collection
  jettison FN [call|construct]  discard FN's code block
  unlink SITE                   unlink SITE
  clearstub SITE                drop SITE's polymorphic stub
  shuffle SITE LOCALS ARG...    set tail call shuffle data (ARG: rN, fp+N, fp-N, $N)
  show [SITE]                   print call sites and code blocks
  help                          this text
`

// Shell drives a VM with one command per line. Errors panic; Repl and
// RunScript recover them per line. show reads link state at a safepoint, so
// it never interleaves with a collection.
type Shell struct {
	mu    sync.Mutex
	vm    *jit.VM
	out   io.Writer
	fns   map[string]*jit.Callee
	sites map[string]*jit.CallLinkInfo
}

func New(vm *jit.VM, out io.Writer) *Shell {
	s := &Shell{
		vm:    vm,
		out:   out,
		fns:   make(map[string]*jit.Callee),
		sites: make(map[string]*jit.CallLinkInfo),
	}
	s.newFunction("main", 0, 1024)
	return s
}

func (s *Shell) newFunction(name string, params int, codeSize int) *jit.Callee {
	exe := s.vm.NewExecutable(name, params, codeSize)
	c := s.vm.NewCallee(exe, name)
	s.vm.Heap().AddRoot(c)
	s.fns[name] = c
	return c
}

func (s *Shell) fn(name string) *jit.Callee {
	c, ok := s.fns[name]
	if !ok {
		panic("unknown function: " + name)
	}
	return c
}

func (s *Shell) site(name string) *jit.CallLinkInfo {
	c, ok := s.sites[name]
	if !ok {
		panic("unknown call site: " + name)
	}
	return c
}

// Collect runs a collection on behalf of a background job and drops the
// names of call sites whose code was discarded.
func (s *Shell) Collect() jit.CollectionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect()
}

func (s *Shell) collect() jit.CollectionStats {
	stats := s.vm.Collect()
	s.forgetDiscardedSites()
	return stats
}

func (s *Shell) forgetDiscardedSites() {
	for name, info := range s.sites {
		if info.Owner().IsDiscarded() {
			delete(s.sites, name)
		}
	}
}

func atoi(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		panic(err)
	}
	return i
}

func parseRecovery(s string) jit.ValueRecovery {
	switch {
	case strings.HasPrefix(s, "r"):
		return jit.ValueRecovery{Loc: jit.RecoverReg, Reg: jit.Reg(atoi(s[1:]))}
	case strings.HasPrefix(s, "fp"):
		return jit.ValueRecovery{Loc: jit.RecoverStack, StackOff: int32(atoi(strings.TrimPrefix(s[2:], "+")))}
	case strings.HasPrefix(s, "$"):
		return jit.ValueRecovery{Loc: jit.RecoverImm, Imm: int64(atoi(s[1:]))}
	}
	panic("bad value location: " + s)
}

func expectArgs(args []string, min int, max int) {
	if len(args) < min || len(args) > max {
		panic(fmt.Sprintf("%s: expected %d..%d arguments, got %d", args[0], min-1, max-1, len(args)-1))
	}
}

// Exec runs a single command line.
func (s *Shell) Exec(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "help":
		fmt.Fprint(s.out, helptext)
	case "fn":
		expectArgs(args, 2, 4)
		params, codeSize := 0, 256
		if len(args) > 2 {
			params = atoi(args[2])
		}
		if len(args) > 3 {
			codeSize = atoi(args[3])
		}
		if _, ok := s.fns[args[1]]; ok {
			panic("function already exists: " + args[1])
		}
		s.newFunction(args[1], params, codeSize)
	case "closure":
		expectArgs(args, 3, 3)
		if _, ok := s.fns[args[1]]; ok {
			panic("function already exists: " + args[1])
		}
		c := s.vm.NewCallee(s.fn(args[2]).Executable, args[1])
		s.vm.Heap().AddRoot(c)
		s.fns[args[1]] = c
	case "site":
		expectArgs(args, 3, 4)
		kind, ok := jit.ParseCallKind(args[2])
		if !ok || kind == jit.CallNone {
			panic("unknown call kind: " + args[2])
		}
		owner := "main"
		if len(args) > 3 {
			owner = args[3]
		}
		if _, ok := s.sites[args[1]]; ok {
			panic("call site already exists: " + args[1])
		}
		var info *jit.CallLinkInfo
		exe := s.fn(owner).Executable
		s.vm.AtSafepoint(func() {
			info = s.vm.CodeBlockFor(exe, jit.CodeForCall).AddCallLinkInfo(s.vm, kind)
		})
		s.sites[args[1]] = info
	case "call":
		expectArgs(args, 3, 4)
		argc := 0
		if len(args) > 3 {
			argc = atoi(args[3])
		}
		info := s.site(args[1])
		code := s.vm.Call(info, s.fn(args[2]), argc)
		var state jit.LinkState
		s.vm.AtSafepoint(func() {
			state = info.State()
		})
		fmt.Fprintf(s.out, "%s -> %v (%v)\n", args[1], code, state)
	case "drop":
		expectArgs(args, 2, 2)
		c := s.fn(args[1])
		s.vm.Heap().RemoveRoot(c)
		delete(s.fns, args[1])
	case "gc":
		stats := s.collect()
		fmt.Fprintf(s.out, "gc: marked %d, swept %d, cleared %d call sites, discarded %d code blocks in %v\n",
			stats.Marked, stats.Swept, stats.ClearedCallSites, stats.DiscardedCodeBlocks, stats.Duration)
	case "jettison":
		expectArgs(args, 2, 3)
		kind := jit.CodeForCall
		if len(args) > 2 && args[2] == "construct" {
			kind = jit.CodeForConstruct
		}
		cb := s.fn(args[1]).Executable.CodeBlockFor(kind)
		if cb == nil {
			panic("no code for " + args[1])
		}
		s.vm.AtSafepoint(func() {
			cb.Discard(s.vm)
		})
		s.forgetDiscardedSites()
	case "unlink":
		expectArgs(args, 2, 2)
		info := s.site(args[1])
		s.vm.AtSafepoint(func() {
			info.Unlink(s.vm)
		})
	case "clearstub":
		expectArgs(args, 2, 2)
		info := s.site(args[1])
		s.vm.AtSafepoint(func() {
			info.ClearStub()
		})
	case "shuffle":
		expectArgs(args, 3, 1<<16)
		info := s.site(args[1])
		d := jit.FrameShuffleData{NumLocals: atoi(args[2]), NumPassedArgs: len(args) - 3}
		for _, a := range args[3:] {
			d.Args = append(d.Args, parseRecovery(a))
		}
		if fn := info.LastSeenCallee(); fn != nil {
			d.NumParameters = fn.Executable.NumParameters
		}
		s.vm.AtSafepoint(func() {
			info.SetFrameShuffleData(d)
		})
	case "show":
		expectArgs(args, 1, 2)
		var info *jit.CallLinkInfo
		if len(args) == 2 {
			info = s.site(args[1])
		}
		s.vm.AtSafepoint(func() {
			if info != nil {
				s.showSite(args[1], info)
			} else {
				s.show()
			}
		})
	default:
		panic("unknown command: " + args[0] + " (try help)")
	}
}

func (s *Shell) showSite(name string, info *jit.CallLinkInfo) {
	state := info.State()
	fmt.Fprintf(s.out, "%s: %v %v slowpath=%d maxargs=%d", name, info.CallKind(), state, info.SlowPathCount(), info.MaxNumArguments())
	switch state {
	case jit.LinkedDirect:
		fmt.Fprintf(s.out, " -> %v", info.Callee())
	case jit.LinkedStub:
		fmt.Fprintf(s.out, " -> %v", info.Stub().Variants())
		if stub, ok := info.Stub().(*jit.PolymorphicCallStub); ok {
			fmt.Fprintf(s.out, " stub=%s", units.BytesSize(float64(stub.CodeSize())))
		}
	}
	var flags []string
	if info.HasEverBeenRepatched() {
		flags = append(flags, "repatched")
	}
	if info.HasSeenClosure() {
		flags = append(flags, "closure")
	}
	if info.ClearedByGC() {
		flags = append(flags, "cleared")
	}
	if !info.StubsAllowed() {
		flags = append(flags, "nostubs")
	}
	if info.IsOnList() {
		flags = append(flags, "listed")
	}
	if len(flags) > 0 {
		fmt.Fprintf(s.out, " [%s]", strings.Join(flags, " "))
	}
	if last := info.LastSeenCallee(); last != nil {
		fmt.Fprintf(s.out, " last=%v", last)
	}
	if d, ok := info.FrameShuffleData(); ok {
		fmt.Fprintf(s.out, " %v", d)
	}
	fmt.Fprintln(s.out)
}

func (s *Shell) show() {
	names := make([]string, 0, len(s.sites))
	for name := range s.sites {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.showSite(name, s.sites[name])
	}
	var total uint
	blocks := s.vm.CodeBlocks()
	for _, cb := range blocks {
		size := cb.ComputeSize()
		total += size
		fmt.Fprintf(s.out, "code %v: %d call sites, %d incoming, %s\n", cb, len(cb.CallLinkInfos()), cb.NumIncomingCalls(), units.BytesSize(float64(size)))
	}
	fmt.Fprintf(s.out, "%d code blocks, %s, %d cells\n", len(blocks), units.BytesSize(float64(total)), s.vm.Heap().Size())
}
