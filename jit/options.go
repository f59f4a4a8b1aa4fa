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

import "runtime"

// Options is copied into the VM once and never changes afterwards.
type Options struct {
	VerboseLinking         bool // print a line whenever the collector clears a call
	TracePrint             bool // mirror trace events to the log
	AllowPolymorphicStubs  bool // default policy for new call sites
	MaxPolymorphicVariants int
	SlowPathLinkThreshold  int // slow path misses before a site gets linked
	MarkWorkers            int
}

func DefaultOptions() Options {
	return Options{
		AllowPolymorphicStubs:  true,
		MaxPolymorphicVariants: 8,
		SlowPathLinkThreshold:  2,
		MarkWorkers:            runtime.NumCPU(),
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.MaxPolymorphicVariants <= 0 {
		o.MaxPolymorphicVariants = d.MaxPolymorphicVariants
	}
	if o.SlowPathLinkThreshold <= 0 {
		o.SlowPathLinkThreshold = 1
	}
	if o.MarkWorkers <= 0 {
		o.MarkWorkers = d.MarkWorkers
	}
	return o
}
