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
/*
	jitlink: call-site linking and inline caches for a JIT, driven from a
	small command shell
*/
package main

import "os"
import "fmt"
import "flag"
import "time"
import "sync"
import "syscall"
import "os/signal"
import "github.com/fsnotify/fsnotify"
import "github.com/launix-de/jitlink/jit"
import "github.com/launix-de/jitlink/shell"

func runScript(sh *shell.Shell, filename string) {
	f, err := os.Open(filename)
	if err != nil {
		panic(err)
	}
	defer f.Close()
	if failed := sh.RunScript(filename, f); failed > 0 {
		fmt.Printf("%s: %d failed commands\n", filename, failed)
	}
}

// watchScript reruns filename whenever it changes on disk.
func watchScript(sh *shell.Shell, filename string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		panic(err)
	}
	go func() {
		for {
			select {
			case <-watcher.Events:
				// flush all other events
				for {
					time.Sleep(10 * time.Millisecond) // delay a bit, so we don't read empty files
					select {
					case <-watcher.Events:
						// ignore
					default:
						goto to_reread
					}
				}
			to_reread:
				func() {
					defer func() {
						if err := recover(); err != nil {
							fmt.Println(err)
						}
					}()
					fmt.Println("Reloading " + filename + " ...")
					runScript(sh, filename)
				}()
				watcher.Add(filename) // text editors rename, so we have to rewatch
			case err := <-watcher.Errors:
				fmt.Println("watch:", err)
			}
		}
	}()
	if err := watcher.Add(filename); err != nil {
		panic(err)
	}
}

// workaround for flags package to allow multiple values
type arrayFlags []string

func (i *arrayFlags) String() string {
	return "dummy"
}

func (i *arrayFlags) Set(value string) error {
	*i = append(*i, value)
	return nil
}

func main() {
	fmt.Print(`jitlink Copyright (C) 2026   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;

`)

	// parse command line options
	var commands arrayFlags
	flag.Var(&commands, "c", "Execute shell command")

	settingsfile := "jitlink.json"
	flag.StringVar(&settingsfile, "settings", settingsfile, "JSON settings file")
	verbose := flag.Bool("verbose", false, "Log every cleared call link")
	trace := flag.Bool("trace", false, "Write a chrome trace file")
	watch := flag.Bool("watch", false, "Rerun the script files whenever they change")
	gcInterval := flag.Int("gc-interval", -1, "Seconds between periodic collections (0 = off)")
	writeSettings := flag.Bool("write-settings", false, "Store the effective settings and exit")

	flag.Parse()
	scripts := flag.Args()

	if err := LoadSettings(settingsfile); err != nil {
		panic(err)
	}
	if *verbose {
		Settings.VerboseLinking = true
	}
	if *trace {
		Settings.Trace = true
	}
	if *gcInterval >= 0 {
		Settings.GCInterval = *gcInterval
	}
	if *writeSettings {
		if err := SaveSettings(settingsfile); err != nil {
			panic(err)
		}
		return
	}
	vm := InitSettings()
	sh := shell.New(vm, os.Stdout)

	for _, script := range scripts {
		fmt.Println("Loading " + script + " ...")
		runScript(sh, script)
		if *watch {
			watchScript(sh, script)
		}
	}
	for _, command := range commands {
		fmt.Println("Executing " + command + " ...")
		sh.Exec(command)
	}

	// install exit handler
	cancelChan := make(chan os.Signal, 1)
	signal.Notify(cancelChan, syscall.SIGTERM, syscall.SIGINT)
	go (func() {
		<-cancelChan
		exitroutine(vm)
		os.Exit(1)
	})()

	fmt.Print(`

    Type help to show help

`)
	// start cron
	go cronroutine(sh)

	// REPL shell
	sh.Repl()

	// normal shutdown
	exitroutine(vm)
}

var exitsignal chan bool = make(chan bool, 1) // set true to start shutdown routine and wait for all jobs
var exitable sync.WaitGroup
var exitOnce sync.Once

func cronroutine(sh *shell.Shell) {
	exitable.Add(1)
	defer exitable.Done()
	if Settings.GCInterval <= 0 {
		<-exitsignal
		return
	}
	for {
		select {
		case <-exitsignal:
			return
		case <-time.After(time.Duration(Settings.GCInterval) * time.Second):
		}
		stats := sh.Collect()
		if Settings.VerboseLinking {
			fmt.Printf("periodic gc: cleared %d call sites, discarded %d code blocks in %v\n", stats.ClearedCallSites, stats.DiscardedCodeBlocks, stats.Duration)
		}
	}
}

func exitroutine(vm *jit.VM) {
	exitOnce.Do(func() {
		exitsignal <- true
		exitable.Wait()
		fmt.Println("Exit procedure...")
		if shell.ReplInstance != nil {
			// in case it dosen't exit properly
			shell.ReplInstance.Close()
		}
		fmt.Println("closing trace...")
		vm.Close()
		fmt.Println("Exit procedure finished")
	})
}
