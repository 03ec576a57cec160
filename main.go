/*
Copyright (C) 2025, 2026  Riccardo Manfrin

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
	otp hot swappable code unit runtime with generation rotated dispatch tables
*/
package main

import "io"
import "os"
import "fmt"
import "flag"
import "sort"
import "sync"
import "time"
import "context"
import "syscall"
import "runtime"
import "strconv"
import "strings"
import "os/signal"
import "crypto/rand"
import "runtime/pprof"
import "runtime/debug"
import "encoding/json"
import "github.com/google/uuid"
import "github.com/chzyer/readline"
import "github.com/riccardomanfrin/otp/vm"
import "github.com/riccardomanfrin/otp/loader"
import "github.com/riccardomanfrin/otp/observer"

const newprompt = "\033[32m>\033[0m "
const resultprompt = "\033[31m=\033[0m "

var exports *vm.ExportTable
var ld *loader.Loader
var obs *observer.Observer

// workaround for flags package to allow multiple values
type arrayFlags []string

func (i *arrayFlags) String() string {
    return "dummy"
}

func (i *arrayFlags) Set(value string) error {
    *i = append(*i, value)
    return nil
}

const helptext = `commands:
  load <file>              load a code unit (.unit, also .gz, .xz, .lz4)
  loaddir <dir>            load every code unit in a directory
  watch <dir>              hot swap units whenever they change in a directory
  stub <m> <f> <a>         make sure a callable entry exists (undef until loaded)
  lookup <m> <f> <a>       find an entry in the active generation
  loaded <m> <f> <a>       like lookup, but only entries with loaded code
  call <m> <f> <a> [save]  resolve the address a call would dispatch to
  patch <m> <f> <a> <0xaddr>  point a loaded entry at another address
  break <m> <f> <a>        install a breakpoint
  unbreak <m> <f> <a>      remove a breakpoint
  whereis <0xaddr>         resolve an address back into its code block
  modules                  list loaded modules
  exports [n]              list entries of the active generation
  cycle                    run one empty staging cycle
  purge                    drop swapped out old module versions
  stats                    dispatch statistics as JSON
  info                     dump the dispatch tables
  trace <on|off>           toggle the chrome trace file
  set [name] [value]       show or change settings
  exit                     quit`

// parseMFA turns three command words into an identifier. It does not
// create atoms on the way, so mistyped names just miss.
func parseMFA(fields []string) (vm.MFA, error) {
	if len(fields) != 3 {
		return vm.MFA{}, fmt.Errorf("expecting module function arity")
	}
	atoms := exports.Atoms()
	module, ok := atoms.Get(fields[0])
	if !ok {
		return vm.MFA{}, fmt.Errorf("unknown module %s", fields[0])
	}
	function, ok := atoms.Get(fields[1])
	if !ok {
		return vm.MFA{}, fmt.Errorf("unknown function %s", fields[1])
	}
	arity, err := strconv.Atoi(fields[2])
	if err != nil {
		return vm.MFA{}, fmt.Errorf("bad arity %s", fields[2])
	}
	return vm.MFA{Module: module, Function: function, Arity: uint32(arity)}, nil
}

func parseAddr(s string) (vm.Address, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %s", s)
	}
	return vm.Address(n), nil
}

func describe(ep *vm.Export, ix vm.CodeIndex) string {
	addr := ep.DispatchAddress(ix)
	var where string
	if obj, offset, ok := ld.Arena.FindCode(addr); ok {
		where = fmt.Sprintf("%#x (%s+%d)", uintptr(addr), obj, offset)
	} else if ep.TrampolineActive(ix) {
		where = fmt.Sprintf("%#x (trampoline)", uintptr(addr))
	} else {
		where = fmt.Sprintf("%#x", uintptr(addr))
	}
	extra := ""
	if ep.IsBuiltin() {
		extra = fmt.Sprintf(" builtin %d", ep.BuiltinNumber())
	}
	if ep.Traced() {
		extra += " traced"
	}
	return exports.FormatMFA(ep.MFA) + " -> " + where + extra
}

// execute runs one shell command against the live tables. Violated
// invariants further down panic; the caller recovers and reports them.
func execute(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	ix := exports.Indexer()
	switch fields[0] {
	case "help":
		return helptext
	case "load":
		if len(fields) != 2 {
			return "usage: load <file>"
		}
		mv, err := ld.Load(fields[1])
		if err != nil {
			return "error: " + err.Error()
		}
		return fmt.Sprintf("loaded %s version %d instance %s", mv.Name, mv.Version, mv.Instance)
	case "loaddir":
		if len(fields) != 2 {
			return "usage: loaddir <dir>"
		}
		n, err := ld.LoadDir(fields[1])
		if err != nil {
			return fmt.Sprintf("loaded %d units, then: %s", n, err)
		}
		return fmt.Sprintf("loaded %d units", n)
	case "watch":
		if len(fields) != 2 {
			return "usage: watch <dir>"
		}
		if err := ld.Watch(fields[1]); err != nil {
			return "error: " + err.Error()
		}
		return "watching " + fields[1]
	case "stub":
		if len(fields) != 4 {
			return "usage: stub <m> <f> <a>"
		}
		arity, err := strconv.Atoi(fields[3])
		if err != nil {
			return "bad arity " + fields[3]
		}
		atoms := exports.Atoms()
		mfa := vm.MFA{Module: atoms.Intern(fields[1]), Function: atoms.Intern(fields[2]), Arity: uint32(arity)}
		return describe(exports.GetOrMakeStub(mfa), ix.Active())
	case "lookup", "loaded":
		mfa, err := parseMFA(fields[1:])
		if err != nil {
			return "error: " + err.Error()
		}
		var ep *vm.Export
		if fields[0] == "loaded" {
			ep = exports.LoadedLookup(mfa, ix.Active())
		} else {
			ep = exports.Lookup(mfa, ix.Active())
		}
		if ep == nil {
			return "not found"
		}
		return describe(ep, ix.Active())
	case "call":
		if len(fields) < 4 {
			return "usage: call <m> <f> <a> [save]"
		}
		mfa, err := parseMFA(fields[1:4])
		if err != nil {
			return "error: " + err.Error()
		}
		var result string
		dispatch := func() {
			dix := vm.DispatchIndex(ix)
			ep := exports.Lookup(mfa, ix.Active())
			if ep == nil {
				result = "undefined function " + exports.FormatMFA(mfa)
				return
			}
			if dix == vm.SaveCallsIx {
				result = fmt.Sprintf("call %s saved, tracer at %#x", exports.FormatMFA(mfa), uintptr(ep.DispatchAddress(dix)))
			} else if !ep.Loaded(dix) {
				result = fmt.Sprintf("call %s raises undef via the error handler", exports.FormatMFA(mfa))
			} else {
				result = "call dispatches " + describe(ep, dix)
			}
		}
		if len(fields) > 4 && fields[4] == "save" {
			vm.WithSaveCalls(dispatch)
		} else {
			dispatch()
		}
		return result
	case "patch":
		if len(fields) != 5 {
			return "usage: patch <m> <f> <a> <0xaddr>"
		}
		mfa, err := parseMFA(fields[1:4])
		if err != nil {
			return "error: " + err.Error()
		}
		addr, err := parseAddr(fields[4])
		if err != nil {
			return "error: " + err.Error()
		}
		// only the address moves, membership stays as it is
		ep := exports.LoadedLookup(mfa, ix.Active())
		if ep == nil {
			return "not loaded"
		}
		ep.SetDispatchAddress(ix.Active(), addr)
		return describe(ep, ix.Active())
	case "break", "unbreak":
		mfa, err := parseMFA(fields[1:])
		if err != nil {
			return "error: " + err.Error()
		}
		ep := exports.Lookup(mfa, ix.Active())
		if ep == nil {
			return "not found"
		}
		if fields[0] == "break" {
			err = vm.SetBreakpoint(ep, ix.Active())
		} else {
			err = vm.ClearBreakpoint(ep, ix.Active())
		}
		if err != nil {
			return "error: " + err.Error()
		}
		return describe(ep, ix.Active())
	case "whereis":
		if len(fields) != 2 {
			return "usage: whereis <0xaddr>"
		}
		addr, err := parseAddr(fields[1])
		if err != nil {
			return "error: " + err.Error()
		}
		obj, offset, ok := ld.Arena.FindCode(addr)
		if !ok {
			return "address is not in any code block"
		}
		return fmt.Sprintf("%s+%d", obj, offset)
	case "modules":
		modules := ld.Modules.List(ix.Active())
		sort.Slice(modules, func(i, j int) bool { return modules[i].Name < modules[j].Name })
		var b strings.Builder
		for _, mv := range modules {
			fmt.Fprintf(&b, "%s version %d instance %s from %s\n", mv.Name, mv.Version, mv.Instance, mv.Path)
		}
		fmt.Fprintf(&b, "%d modules, %d old versions pending purge", len(modules), len(ld.Modules.Old()))
		return b.String()
	case "exports":
		limit := exports.Count(ix.Active())
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				limit = n
			}
		}
		var b strings.Builder
		shown := 0
		exports.ForEach(ix.Active(), func(ep *vm.Export) {
			if shown < limit {
				b.WriteString(describe(ep, ix.Active()))
				b.WriteString("\n")
			}
			shown++
		})
		fmt.Fprintf(&b, "%d entries", shown)
		return b.String()
	case "cycle":
		if err := ix.BeginStaging(context.Background()); err != nil {
			return "error: " + err.Error()
		}
		ix.Commit()
		return fmt.Sprintf("commit %d, active generation is now %d", ix.Commits(), ix.Active())
	case "purge":
		return fmt.Sprintf("purged %d old module versions", ld.PurgeOld())
	case "stats":
		bytes, err := json.MarshalIndent(obs.Collect(), "", "  ")
		if err != nil {
			panic(err)
		}
		return string(bytes)
	case "info":
		var b strings.Builder
		exports.Info(&b, false)
		fmt.Fprintf(&b, "code: %d bytes in %d blocks\n", ld.Arena.Bytes(), ld.Arena.Count())
		fmt.Fprintf(&b, "atoms: %d", exports.Atoms().Count())
		return b.String()
	case "trace":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return "usage: trace <on|off>"
		}
		if err := vm.ChangeSetting("Trace", strconv.FormatBool(fields[1] == "on")); err != nil {
			return "error: " + err.Error()
		}
		return "trace " + fields[1]
	case "set":
		if len(fields) == 1 {
			return vm.ShowSettings()
		}
		if len(fields) != 3 {
			return "usage: set <name> <value>"
		}
		if err := vm.ChangeSetting(fields[1], fields[2]); err != nil {
			return "error: " + err.Error()
		}
		return "ok"
	}
	return "unknown command " + fields[0] + ", try help"
}

var replInstance *readline.Instance

func repl() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".otp-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()
	replInstance = l

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
		if line == "exit" {
			break
		}

		// anti-panic func
		func() {
			defer func() {
				if r := recover(); r != nil {
					if vm.Settings.Backtrace {
						fmt.Println("panic:", r, string(debug.Stack()))
					} else {
						fmt.Println("panic:", r)
					}
				}
			}()
			if result := execute(line); result != "" {
				fmt.Print(resultprompt)
				fmt.Println(result)
			}
		}()
	}
}

func main() {
	fmt.Print(`otp Copyright (C) 2025, 2026   Riccardo Manfrin
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;

`)

	// init random generator for module instance ids
	uuid.SetRand(rand.Reader)

	// parse command line options
	var commands arrayFlags
	flag.Var(&commands, "c", "Execute shell command")

	port := 4321
	flag.IntVar(&port, "port", 4321, "Port for the HTTP observer (0 to disable)")

	watch := ""
	flag.StringVar(&watch, "watch", "", "Directory to watch for changing code units")

	profile := ""
	flag.StringVar(&profile, "profile", "", "File to write a CPU profile to")

	flag.BoolVar(&vm.Settings.Trace, "trace", false, "Write a chrome trace of loads and staging cycles")
	flag.BoolVar(&vm.Settings.Backtrace, "backtrace", false, "Print stack traces for panics in the shell")

	flag.Parse()
	units := flag.Args()

	// dispatch table initialization
	vm.InitSettings()
	exports = vm.NewExportTable(vm.ExportConfig{
		Atoms:       vm.NewAtomTable(vm.Settings.AtomLimit),
		InitialSize: vm.Settings.ExportInitialSize,
		Limit:       vm.Settings.ExportLimit,
		SaveCalls:   vm.SaveCallsAddress(),
	})
	ld = loader.New(exports)
	obs = observer.New(ld)
	if port != 0 {
		obs.Serve(port)
		fmt.Println("observer is listening on :" + strconv.Itoa(port))
	}

	// load code units from the command line
	for _, path := range units {
		fmt.Println("Loading " + path + " ...")
		stat, err := os.Stat(path)
		if err == nil && stat.IsDir() {
			_, err = ld.LoadDir(path)
		} else if err == nil {
			_, err = ld.Load(path)
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}
	if watch != "" {
		if err := ld.Watch(watch); err != nil {
			fmt.Println("error:", err)
		}
	}
	for _, command := range commands {
		fmt.Println("Executing " + command + " ...")
		if result := execute(command); result != "" {
			fmt.Println(result)
		}
	}

	// install exit handler
	cancelChan := make(chan os.Signal, 1)
	signal.Notify(cancelChan, syscall.SIGTERM, syscall.SIGINT)
	go (func () {
		<-cancelChan
		exitroutine()
		os.Exit(1)
	})()

	fmt.Print(`
    Type help to list the available commands

`)
	// init profiling
	if profile != "" {
		f, err := os.Create(profile)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// start cron
	go cronroutine()

	// REPL shell
	repl()

	// normal shutdown
	exitroutine()
}

var exitsignal chan bool = make(chan bool, 1) // set true to start shutdown routine and wait for all jobs
var exitable sync.WaitGroup
func cronroutine() {
	exitable.Add(1)
	for {
		// wait first
		select {
			case <- exitsignal:
				// the runtime is about to exit; confirm the waitgroup and exit
				exitable.Done()
				return
			case <- time.After(time.Minute * 15): // purge swapped out modules all 15 minutes
				// continue
		}

		fmt.Println("running 15min cron ...")
		if n := ld.PurgeOld(); n > 0 {
			fmt.Println("purged", n, "old module versions")
		}
	}
}

func exitroutine() {
	exitsignal <- true
	exitable.Wait()
	fmt.Println("Exit procedure...")
	if replInstance != nil {
		// in case it dosen't exit properly
		replInstance.Close()
	}
	fmt.Println("finalizing trace...")
	vm.SetTrace(false)
	fmt.Println("finalizing memory...")
	runtime.GC()
	fmt.Println("Exit procedure finished")
}
