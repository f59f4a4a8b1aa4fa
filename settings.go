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
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dc0d/onexit"
	"github.com/launix-de/jitlink/jit"
)

type SettingsT struct {
	VerboseLinking         bool
	Trace                  bool
	TraceDir               string
	TracePrint             bool
	AllowPolymorphicStubs  bool
	MaxPolymorphicVariants int
	SlowPathLinkThreshold  int
	MarkWorkers            int // 0 = one per CPU
	GCInterval             int // seconds, 0 = no periodic collection
}

var Settings SettingsT = SettingsT{false, false, ".", false, true, 8, 2, 0, 0}

// LoadSettings overlays the JSON file onto Settings. A missing file is not an error.
func LoadSettings(filename string) error {
	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&Settings); err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	return nil
}

func SaveSettings(filename string) error {
	b, err := json.MarshalIndent(Settings, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}

func (s SettingsT) Options() jit.Options {
	o := jit.DefaultOptions()
	o.VerboseLinking = s.VerboseLinking
	o.TracePrint = s.TracePrint
	o.AllowPolymorphicStubs = s.AllowPolymorphicStubs
	o.MaxPolymorphicVariants = s.MaxPolymorphicVariants
	o.SlowPathLinkThreshold = s.SlowPathLinkThreshold
	if s.MarkWorkers > 0 {
		o.MarkWorkers = s.MarkWorkers
	}
	return o
}

// call this after you filled Settings
func InitSettings() *jit.VM {
	vm := jit.NewVM(Settings.Options())
	if Settings.Trace {
		name := filepath.Join(Settings.TraceDir, fmt.Sprintf("trace_%d.json", time.Now().Unix()))
		f, err := os.Create(name)
		if err != nil {
			panic(err)
		}
		vm.StartTrace(jit.NewTrace(f))
		fmt.Println("tracing to " + name)
	}
	onexit.Register(func() { vm.Close() }) // close trace file on exit
	return vm
}
