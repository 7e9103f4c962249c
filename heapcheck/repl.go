package main

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/manifoldco/promptui"

	"github.com/tombergan/heapscope/session"
)

const num = `(0[xX][0-9a-fA-F]+|[0-9]+)`

type cmdHandler struct {
	regex *regexp.Regexp
	fn    func(*repl, []string) error
	help  string
}

var commands = []cmdHandler{
	{regexp.MustCompile(`^\s*(info|i)\s*$`), (*repl).cmdInfo, "info              process info"},
	{regexp.MustCompile(`^\s*(threads|th)\s*$`), (*repl).cmdThreads, "threads           frames of every thread"},
	{regexp.MustCompile(`^\s*(bt|backtrace)(?:\s+` + num + `)?\s*$`), (*repl).cmdBacktrace, "bt [T]            frames of thread T"},
	{regexp.MustCompile(`^\s*(types|t)\s*$`), (*repl).cmdTypes, "types             current census"},
	{regexp.MustCompile(`^\s*(rescan)\s*$`), (*repl).cmdRescan, "rescan            run a new census"},
	{regexp.MustCompile(`^\s*(next|n)\s+` + num + `\s*$`), (*repl).cmdNext, "next I            next instance of type I"},
	{regexp.MustCompile(`^\s*(obj|o|p)\s+` + num + `\s*$`), (*repl).cmdObject, "obj ADDR          inspect the object at ADDR"},
	{regexp.MustCompile(`^\s*(find)\s+(\S+)\s*$`), (*repl).cmdFind, "find NAME         every instance of type NAME"},
	{regexp.MustCompile(`^\s*(disass)\s+` + num + `\s+` + num + `(?:\s+` + num + `)?\s*$`), (*repl).cmdDisass, "disass T F [N]    N instructions at frame F of thread T"},
	{regexp.MustCompile(`^\s*(pick)\s*$`), (*repl).cmdPick, "pick              choose a type interactively"},
	{regexp.MustCompile(`^\s*(help|h|\?)\s*$`), (*repl).cmdHelp, "help              this list"},
}

var errQuit = errors.New("quit")

type repl struct {
	s        *session.Session
	out      io.Writer
	commands []cmdHandler

	// pick asks the user to choose one of items. It returns the index.
	pick func(label string, items []string) (int, error)
}

func newREPL(s *session.Session, out io.Writer) *repl {
	return &repl{s: s, out: out, commands: commands, pick: promptPick}
}

func promptPick(label string, items []string) (int, error) {
	p := promptui.Select{Label: label, Items: items, Size: 16}
	k, _, err := p.Run()
	return k, err
}

// exec runs one command line.
func (r *repl) exec(req string) error {
	switch strings.TrimSpace(req) {
	case "q", "quit", "exit":
		return errQuit
	}
	for _, h := range r.commands {
		if m := h.regex.FindStringSubmatch(req); m != nil {
			return h.fn(r, m)
		}
	}
	return errors.New("unknown command (try help)")
}

// run reads commands until EOF or quit. An empty line repeats the last command.
func (r *repl) run(rl *readline.Instance) error {
	prev := ""
	for {
		req, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(req) == "" {
			if prev == "" {
				continue
			}
			req = prev
		}
		prev = req
		if err := r.exec(req); err == errQuit {
			return nil
		} else if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

func parseNum(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func parseIndex(s string) (int, error) {
	n, err := parseNum(s)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *repl) cmdInfo([]string) error {
	fmt.Fprintln(r.out, r.s.ProcessInfo())
	return nil
}

func (r *repl) cmdThreads([]string) error {
	for t := 0; t < r.s.ThreadCount(); t++ {
		if err := printFrames(r.out, r.s, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *repl) cmdBacktrace(args []string) error {
	thread := 0
	if args[2] != "" {
		var err error
		if thread, err = parseIndex(args[2]); err != nil {
			return err
		}
	}
	return printFrames(r.out, r.s, thread)
}

// cmdTypes prints the current census, running the first one if needed.
func (r *repl) cmdTypes([]string) error {
	if r.s.Types().Len() == 0 {
		return r.cmdRescan(nil)
	}
	printTypes(r.out, r.s.CurrentHeapTypes().Types)
	return nil
}

func (r *repl) cmdRescan([]string) error {
	types, err := r.s.HeapTypes()
	if err != nil {
		return err
	}
	printTypes(r.out, types.Types)
	return nil
}

func (r *repl) cmdNext(args []string) error {
	index, err := parseIndex(args[2])
	if err != nil {
		return err
	}
	return r.next(index)
}

func (r *repl) next(index int) error {
	addr, ok, err := r.s.NextInstance(index)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(r.out, "no more instances of type %d\n", index)
		return nil
	}
	fmt.Fprintf(r.out, "0x%x\n", addr)
	return nil
}

func (r *repl) cmdObject(args []string) error {
	addr, err := parseNum(args[2])
	if err != nil {
		return err
	}
	return printObject(r.out, r.s, addr)
}

func (r *repl) cmdFind(args []string) error {
	n, err := findInstances(r.out, r.s, args[2])
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(r.out, "no instances of %s\n", args[2])
	}
	return nil
}

func (r *repl) cmdDisass(args []string) error {
	thread, err := parseIndex(args[2])
	if err != nil {
		return err
	}
	frame, err := parseIndex(args[3])
	if err != nil {
		return err
	}
	count := 8
	if args[4] != "" {
		if count, err = parseIndex(args[4]); err != nil {
			return err
		}
	}
	insts, err := r.s.Disassemble(thread, frame, count)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		fmt.Fprintln(r.out, inst)
	}
	return nil
}

// cmdPick lets the user choose a type and shows its next instance.
func (r *repl) cmdPick([]string) error {
	if r.s.Types().Len() == 0 {
		if _, err := r.s.HeapTypes(); err != nil {
			return err
		}
	}
	types := r.s.CurrentHeapTypes().Types
	if len(types) == 0 {
		return errors.New("no heap types")
	}
	items := make([]string, len(types))
	for k, t := range types {
		items[k] = fmt.Sprintf("%s (%d instances, %d bytes)", t.Name, t.InstanceCount, t.TotalSize)
	}
	k, err := r.pick("Type", items)
	if err != nil {
		return err
	}
	addr, ok, err := r.s.NextInstance(k)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(r.out, "no more instances of %s\n", types[k].Name)
		return nil
	}
	return printObject(r.out, r.s, addr)
}

func (r *repl) cmdHelp([]string) error {
	for _, h := range r.commands {
		fmt.Fprintln(r.out, "  "+h.help)
	}
	fmt.Fprintln(r.out, "  quit              exit")
	return nil
}
