// Command heapcheck prints a report about a core file: process info, every
// thread's stack, and a census of the heap described by a Go heapdump
// written by the same process. With -i it starts an interactive prompt.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/chzyer/readline"

	"github.com/tombergan/heapscope/config"
	"github.com/tombergan/heapscope/corefile"
	"github.com/tombergan/heapscope/heapdump"
	"github.com/tombergan/heapscope/session"
)

/*
Ideas for checkers:

1) Check for bugs where the programmer forgot to call Close(). For each type
   with a "Close() error" method, find the field that records closing (commonly
   "closed bool" or "closed sync.Once") and report instances where it is unset.
   -find net/http.body lists the candidates for the classic forgotten
   http.Response.Body.Close().

2) Look for leaked goroutines: a goroutine blocked on channel X where that
   goroutine holds the only reference to X. Everything reachable only from
   leaked goroutines is leaked too.
*/

var (
	debugLevel  = flag.Int("debuglevel", 0, "debug verbosity level (default $HEAPSCOPE_DEBUG_LEVEL)")
	interactive = flag.Bool("i", false, "start an interactive prompt after loading")
	find        = flag.String("find", "", "list every instance of the named type")
	maxElements = flag.Int("max", 0, "words and referrers listed per object (default $HEAPSCOPE_MAX_ELEMENTS)")
	sysroot     = flag.String("sysroot", "", "prefix for shared library paths (default $HEAPSCOPE_SYSROOT)")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: heapcheck [flags] corefile executable [heapdump]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func overrides() config.Overrides {
	var o config.Overrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "debuglevel":
			o.DebugLevel = debugLevel
		case "max":
			o.MaxElements = maxElements
		case "sysroot":
			o.SysRoot = sysroot
		}
	})
	switch n := flag.NArg(); n {
	case 0:
	case 2, 3:
		core, exe := flag.Arg(0), flag.Arg(1)
		o.Core, o.Executable = &core, &exe
		if n == 3 {
			dump := flag.Arg(2)
			o.Heapdump = &dump
		}
	default:
		usage()
	}
	return o
}

func setDebugLevel(level int) {
	if level <= 0 {
		return
	}
	logf := func(verbosityLevel int, format string, args ...interface{}) {
		if verbosityLevel <= level {
			log.Printf(format, args...)
		}
	}
	corefile.DebugLogf = logf
	heapdump.DebugLogf = logf
	session.DebugLogf = logf
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(overrides())
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Core == "" {
		usage()
	}
	setDebugLevel(cfg.DebugLevel)
	session.DefaultInspectOptions.MaxElements = cfg.MaxElements

	var model session.ObjectModel
	if cfg.Heapdump != "" {
		model = heapdump.NewModel(cfg.Heapdump)
	}
	s := session.New(corefile.NewBackend(corefile.Options{SysRoot: cfg.SysRoot}), model)

	fmt.Println("Loading...")
	if err := s.Init(cfg.Core, cfg.Executable); err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	if err := report(os.Stdout, s); err != nil {
		log.Fatal(err)
	}
	if *find != "" {
		ruler(os.Stdout, "Find "+*find)
		if _, err := findInstances(os.Stdout, s, *find); err != nil {
			log.Fatal(err)
		}
	}
	if !*interactive {
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "(heapcheck) ",
		HistoryFile:       "/tmp/heapcheck_history.txt",
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer rl.Close()
	if err := newREPL(s, rl.Stdout()).run(rl); err != nil {
		log.Fatal(err)
	}
}
