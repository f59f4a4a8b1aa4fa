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

import "io"
import "sync"
import "time"
import "encoding/json"

// Tracefile writes chrome://tracing compatible JSON.
type Tracefile struct {
	isFirst bool
	file    io.WriteCloser
	m       sync.Mutex
	start   time.Time
}

func NewTrace(file io.WriteCloser) *Tracefile {
	file.Write([]byte("["))
	result := new(Tracefile)
	result.file = file
	result.isFirst = true
	result.start = time.Now()
	return result
}

func (t *Tracefile) Close() {
	t.file.Write([]byte("]"))
	t.file.Close()
}

func (t *Tracefile) Duration(name string, cat string, f func()) {
	t.EventHalf(name, cat, "B", 0, 0)
	defer t.EventHalf(name, cat, "E", 0, 0)
	f()
}

func (t *Tracefile) Event(name string, cat string, typ string) {
	t.EventHalf(name, cat, typ, 0, 0)
}

func (t *Tracefile) EventHalf(name string, cat string, typ string, tid int, pid int) {
	ts := time.Since(t.start).Microseconds()
	t.EventFull(name, cat, typ, ts, tid, pid, nil)
}

/*
*

	@name string function
	@cat string comma separated categories (for filtering)
	@typ B/E for begin/end, i for instant events
	@ts timestamp in microseconds
	@pid process id
	@tid thread id
	@args extra key/values shown in the viewer, may be nil
*/
func (t *Tracefile) EventFull(name string, cat string, typ string, ts int64, tid int, pid int, args map[string]any) {
	t.m.Lock()
	defer t.m.Unlock()
	if t.isFirst {
		t.isFirst = false
	} else {
		t.file.Write([]byte(",\n"))
	}
	t.file.Write([]byte("{\"name\": "))
	b, _ := json.Marshal(name) // name
	t.file.Write(b)
	t.file.Write([]byte(", \"cat\": "))
	b, _ = json.Marshal(cat) // cat
	t.file.Write(b)
	t.file.Write([]byte(", \"ph\": \""))
	t.file.Write([]byte(typ))
	t.file.Write([]byte("\", \"ts\": "))
	b, _ = json.Marshal(ts) // ts
	t.file.Write(b)
	t.file.Write([]byte(", \"pid\": "))
	b, _ = json.Marshal(pid) // pid
	t.file.Write(b)
	t.file.Write([]byte(", \"tid\": "))
	b, _ = json.Marshal(tid) // tid
	t.file.Write(b)
	if args != nil {
		t.file.Write([]byte(", \"args\": "))
		b, _ = json.Marshal(args)
		t.file.Write(b)
	}
	t.file.Write([]byte(", \"s\": \"g\"}"))
}
