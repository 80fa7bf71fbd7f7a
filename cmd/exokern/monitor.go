package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/peterh/liner"

	"exokern/pkg/env"
	"exokern/pkg/kern"
	"exokern/pkg/user"
)

const historyFile = ".exokern_history"

// errQuit ends the monitor loop.
var errQuit = errors.New("quit")

// monitor is the interactive kernel monitor.
type monitor struct {
	k   *kern.Kernel
	out io.Writer
}

type command struct {
	name string
	desc string
	fn   func(m *monitor, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"help", "Display this list of commands", (*monitor).help},
		{"kerninfo", "Display information about the kernel", (*monitor).kerninfo},
		{"cpus", "List the cores and what they run", (*monitor).cpus},
		{"envs", "List the environments", (*monitor).envs},
		{"programs", "List the programs run can start", (*monitor).programs},
		{"run", "Start a program: run <program> [cpu]", (*monitor).run},
		{"wait", "Wait until no environment is left", (*monitor).wait},
		{"input", "Queue console input: input <text>", (*monitor).input},
		{"quit", "Leave the monitor", func(*monitor, context.Context, []string) error { return errQuit }},
	}
}

// exec runs one command line.
func (m *monitor) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.fn(m, ctx, args[1:])
		}
	}
	return fmt.Errorf("unknown command '%s'", args[0])
}

func (m *monitor) help(context.Context, []string) error {
	for _, c := range commands {
		fmt.Fprintf(m.out, "%s - %s\n", c.name, c.desc)
	}
	return nil
}

func (m *monitor) kerninfo(context.Context, []string) error {
	cfg := m.k.Config()
	st := m.k.MemStats()
	fmt.Fprintf(m.out, "Kernel configuration:\n")
	fmt.Fprintf(m.out, "  cpus %d  environments %d  timer %v  lock debugging %t\n", cfg.NCPU, cfg.NENV, cfg.Timer, cfg.DebugLocks)
	fmt.Fprintf(m.out, "Physical memory: %d pages, %d free, %d allocations\n", st.Total, st.Free, st.Allocs)
	fmt.Fprintf(m.out, "Disk requests: %d\n", m.k.DiskRequests())
	nic := m.k.NIC().Stats()
	fmt.Fprintf(m.out, "Network %v: %d sent, %d received, %d dropped\n", m.k.NIC().MAC(), nic.TxPackets, nic.RxPackets, nic.Dropped)
	return nil
}

func (m *monitor) cpus(context.Context, []string) error {
	tw := tabwriter.NewWriter(m.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "CPU\tSTATUS\tENV")
	for _, c := range m.k.CPUs() {
		running := "idle"
		if c.Env != 0 {
			running = c.Env.String()
		}
		fmt.Fprintf(tw, "%d\t%v\t%s\n", c.ID, c.Status, running)
	}
	return tw.Flush()
}

func (m *monitor) envs(context.Context, []string) error {
	tw := tabwriter.NewWriter(m.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPARENT\tNAME\tSTATUS\tCPU\tAFFINITY\tRUNS\tPAGES")
	for _, e := range m.k.Envs() {
		fmt.Fprintf(tw, "%v\t%v\t%s\t%v\t%s\t%s\t%d\t%d\n",
			e.ID, e.Parent, e.Name, e.Status, coreName(e.CPU), coreName(e.Affinity), e.Runs, e.Pages)
	}
	return tw.Flush()
}

func coreName(core int) string {
	if core < 0 {
		return "-"
	}
	return strconv.Itoa(core)
}

func (m *monitor) programs(context.Context, []string) error {
	fmt.Fprintln(m.out, strings.Join(user.Names(), " "))
	return nil
}

func (m *monitor) run(_ context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: run <program> [cpu]")
	}
	prog, ok := user.Lookup(args[0])
	if !ok {
		return fmt.Errorf("no program %q", args[0])
	}
	affinity := env.AnyCPU
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad cpu %q", args[1])
		}
		affinity = n
	}
	id, err := m.k.Create(args[0], prog, affinity)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.out, "started %s as %v\n", args[0], id)
	return nil
}

func (m *monitor) wait(ctx context.Context, _ []string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return m.k.Wait(ctx)
}

func (m *monitor) input(_ context.Context, args []string) error {
	s := strings.Join(args, " ") + "\n"
	if n := m.k.Console().Feed(s); n < len(s) {
		return fmt.Errorf("console input full: dropped %d bytes", len(s)-n)
	}
	return nil
}

// runMonitor reads commands until quit, EOF or ctx ends.
func runMonitor(ctx context.Context, k *kern.Kernel) error {
	m := &monitor{k: k, out: os.Stdout}

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(func(line string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c.name, line) {
				out = append(out, c.name)
			}
		}
		return out
	})

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	fmt.Println("Welcome to the exokern kernel monitor!")
	fmt.Println("Type 'help' for a list of commands.")
	for ctx.Err() == nil {
		line, err := ln.Prompt("K> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		ln.AppendHistory(line)
		if err := m.exec(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(m.out, err)
			if errors.Is(err, kern.ErrFatal) {
				return nil
			}
		}
	}
	return nil
}
