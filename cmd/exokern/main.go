// exokern boots the exokernel on a set of simulated cores, runs user
// programs until none is left, and optionally drops into the kernel
// monitor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"exokern/pkg/env"
	"exokern/pkg/ide"
	"exokern/pkg/kern"
	"exokern/pkg/user"
)

func main() {
	cfg, err := kern.ConfigFromEnv(kern.DefaultConfig())
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	flag.IntVar(&cfg.NCPU, "ncpu", cfg.NCPU, "number of cores")
	flag.IntVar(&cfg.NENV, "nenv", cfg.NENV, "size of the environment table")
	flag.IntVar(&cfg.NPAGES, "npages", cfg.NPAGES, "physical pages")
	flag.DurationVar(&cfg.Timer, "timer", cfg.Timer, "preemption interval (0 disables)")
	flag.BoolVar(&cfg.DebugLocks, "debug", cfg.DebugLocks, "record spinlock holders")
	run := flag.String("run", "hello", "comma-separated programs to start at boot")
	disk := flag.String("disk", "", "disk image for IDE drive 1")
	interactive := flag.Bool("monitor", false, "enter the kernel monitor once the boot programs finish")
	flag.Parse()

	if *disk != "" {
		d, err := ide.OpenFileDisk(*disk)
		if err != nil {
			log.Fatalf("disk: %v", err)
		}
		defer d.Close()
		cfg.Disk1 = d
	}

	k, err := kern.New(cfg)
	if err != nil {
		log.Fatalf("kernel: %v", err)
	}
	for _, name := range strings.Split(*run, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		prog, ok := user.Lookup(name)
		if !ok {
			log.Fatalf("unknown program %q (have %s)", name, strings.Join(user.Names(), ", "))
		}
		if _, err := k.Create(name, prog, env.AnyCPU); err != nil {
			log.Fatalf("create %s: %v", name, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("booting %d cpus, %d pages, %d environments", cfg.NCPU, cfg.NPAGES, cfg.NENV)
	if err := k.Boot(ctx); err != nil {
		log.Fatalf("boot: %v", err)
	}
	if err := k.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		k.Shutdown()
		log.Fatalf("%v", err)
	}

	if *interactive && ctx.Err() == nil {
		if err := runMonitor(ctx, k); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	k.Shutdown()
	if err := k.Err(); err != nil {
		log.Fatalf("%v", err)
	}
}
