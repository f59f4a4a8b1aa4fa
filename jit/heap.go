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
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/jtolds/gls"
	"github.com/launix-de/NonLockingReadMap"
)

/*
the heap only knows reachability:
 - cells are registered with Allocate and get a stable index
 - roots are counted, a cell stays a root until every AddRoot is undone
 - Mark sets one bit per reachable cell, readers query it without locks
 - Sweep drops every cell that was not marked

Mark and Sweep must run at a safepoint.
*/
type Heap struct {
	mu      sync.Mutex
	cells   []Cell // cells[0] is never used
	free    []uint32
	roots   map[uint32]int
	marks   NonLockingReadMap.NonBlockingBitMap
	workers int
}

func NewHeap(workers int) *Heap {
	if workers < 1 {
		workers = 1
	}
	return &Heap{
		cells:   make([]Cell, 1, 64),
		roots:   make(map[uint32]int),
		workers: workers,
	}
}

func (h *Heap) Allocate(c Cell) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.cellIndex() != 0 {
		panic("heap: cell allocated twice")
	}
	var idx uint32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
		h.cells[idx] = c
	} else {
		idx = uint32(len(h.cells))
		h.cells = append(h.cells, c)
	}
	c.setCellIndex(idx)
}

func (h *Heap) AddRoot(c Cell) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.cellIndex() == 0 {
		panic("heap: root is not allocated")
	}
	h.roots[c.cellIndex()]++
}

func (h *Heap) RemoveRoot(c Cell) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := c.cellIndex()
	if h.roots[idx] <= 1 {
		delete(h.roots, idx)
	} else {
		h.roots[idx]--
	}
}

// IsMarked reports whether c was reached by the last Mark.
func (h *Heap) IsMarked(c Cell) bool {
	idx := c.cellIndex()
	if idx == 0 {
		return false
	}
	return h.marks.Get(idx)
}

// IsAllocated is false once c was swept.
func (h *Heap) IsAllocated(c Cell) bool {
	return c.cellIndex() != 0
}

func (h *Heap) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cells) - 1 - len(h.free)
}

// markBits is the workers' claim table: whoever flips a cell's bit first
// traces its children.
type markBits []atomic.Uint64

func newMarkBits(n int) markBits {
	return make(markBits, n/64+1)
}

// claim sets the bit of idx and reports whether it was clear before.
func (m markBits) claim(idx uint32) bool {
	bit := uint64(1) << (idx & 63)
	return m[idx>>6].Or(bit)&bit == 0
}

// Mark recomputes the mark bits from the roots and returns the number of
// marked cells. Roots are split across worker goroutines; the result is
// published into the lock-free bitmap after all workers joined.
func (h *Heap) Mark() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.marks.Reset()

	roots := make([]Cell, 0, len(h.roots))
	for idx := range h.roots {
		roots = append(roots, h.cells[idx])
	}
	if len(roots) == 0 {
		return 0
	}
	claims := newMarkBits(len(h.cells))
	workers := h.workers
	if workers > len(roots) {
		workers = len(roots)
	}
	chunk := (len(roots) + workers - 1) / workers

	done := make(chan any, workers)
	started := 0
	for start := 0; start < len(roots); start += chunk {
		end := start + chunk
		if end > len(roots) {
			end = len(roots)
		}
		gls.Go(func(part []Cell) func() {
			return func() {
				defer func() {
					done <- recover()
				}()
				markFrom(claims, part)
			}
		}(roots[start:end]))
		started++
	}
	for i := 0; i < started; i++ {
		if r := <-done; r != nil {
			panic(r)
		}
	}

	h.marks.Set(uint32(len(h.cells)), false)
	marked := 0
	for i := range claims {
		w := claims[i].Load()
		for w != 0 {
			h.marks.Set(uint32(i*64+bits.TrailingZeros64(w)), true)
			w &= w - 1
			marked++
		}
	}
	return marked
}

func markFrom(claims markBits, stack []Cell) {
	stack = append([]Cell(nil), stack...)
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !claims.claim(c.cellIndex()) {
			continue
		}
		c.visitChildren(func(child Cell) {
			stack = append(stack, child)
		})
	}
}

// Sweep frees every allocated cell the last Mark did not reach and returns
// how many were freed.
func (h *Heap) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	swept := 0
	for idx := 1; idx < len(h.cells); idx++ {
		c := h.cells[idx]
		if c == nil || h.marks.Get(uint32(idx)) {
			continue
		}
		h.cells[idx] = nil
		c.setCellIndex(0)
		h.free = append(h.free, uint32(idx))
		swept++
	}
	return swept
}
