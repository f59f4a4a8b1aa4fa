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
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

const newprompt = "\033[32m>\033[0m "

// ReplInstance is set while Repl runs so the exit handler can close it.
var ReplInstance *readline.Instance

// execSafe runs one line and reports a panic instead of propagating it.
func (s *Shell) execSafe(line string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(s.out, "error:", r)
			ok = false
		}
	}()
	s.Exec(line)
	return true
}

// RunScript executes src line by line and returns the number of failed lines.
func (s *Shell) RunScript(name string, src io.Reader) int {
	failed := 0
	scanner := bufio.NewScanner(src)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !s.execSafe(line) {
			fmt.Fprintf(s.out, "  at %s:%d\n", name, lineno)
			failed++
		}
	}
	return failed
}

func (s *Shell) Repl() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".jitlink-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	ReplInstance = l
	defer func() {
		l.Close()
		ReplInstance = nil
	}()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		s.execSafe(line)
	}
}
