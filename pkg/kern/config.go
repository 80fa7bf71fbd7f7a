package kern

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"exokern/pkg/env"
	"exokern/pkg/ide"
)

// MaxCPU is the most cores a machine can have.
const MaxCPU = 64

// Config describes the machine to boot.
type Config struct {
	// NCPU is the number of cores.
	NCPU int
	// NENV is the size of the environment table.
	NENV int
	// NPAGES is the number of physical page frames.
	NPAGES int
	// Timer is the preemption interval; 0 disables preemption.
	Timer time.Duration
	// DebugLocks records spinlock holders and call chains.
	DebugLocks bool
	// Console receives kernel output.
	Console io.Writer
	// Disk0 and Disk1 back the two IDE drives. A nil Disk0 gets an empty
	// in-memory disk; a nil Disk1 means no second drive.
	Disk0 ide.Disk
	Disk1 ide.Disk
}

// DefaultConfig returns a two-core machine with 16 MiB of memory.
func DefaultConfig() Config {
	return Config{
		NCPU:    2,
		NENV:    env.MaxEnvs,
		NPAGES:  4096,
		Timer:   10 * time.Millisecond,
		Console: os.Stdout,
	}
}

// ConfigFromEnv overlays EXOKERN_NCPU, EXOKERN_NENV, EXOKERN_NPAGES,
// EXOKERN_TIMER and EXOKERN_DEBUG on base.
func ConfigFromEnv(base Config) (Config, error) {
	cfg := base
	ints := []struct {
		name string
		dst  *int
	}{
		{"EXOKERN_NCPU", &cfg.NCPU},
		{"EXOKERN_NENV", &cfg.NENV},
		{"EXOKERN_NPAGES", &cfg.NPAGES},
	}
	for _, v := range ints {
		s := os.Getenv(v.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return base, fmt.Errorf("%s: %w", v.name, err)
		}
		*v.dst = n
	}
	if s := os.Getenv("EXOKERN_TIMER"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return base, fmt.Errorf("EXOKERN_TIMER: %w", err)
		}
		cfg.Timer = d
	}
	if s := os.Getenv("EXOKERN_DEBUG"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return base, fmt.Errorf("EXOKERN_DEBUG: %w", err)
		}
		cfg.DebugLocks = b
	}
	return cfg, nil
}

// Validate checks that the machine can be built.
func (cfg Config) Validate() error {
	if cfg.NCPU < 1 || cfg.NCPU > MaxCPU {
		return fmt.Errorf("kern: NCPU %d not in [1, %d]", cfg.NCPU, MaxCPU)
	}
	if cfg.NENV < 1 || cfg.NENV > env.MaxEnvs {
		return fmt.Errorf("kern: NENV %d not in [1, %d]", cfg.NENV, env.MaxEnvs)
	}
	if cfg.NPAGES < 16 {
		return fmt.Errorf("kern: NPAGES %d too small", cfg.NPAGES)
	}
	if cfg.Timer < 0 {
		return fmt.Errorf("kern: negative timer interval %v", cfg.Timer)
	}
	return nil
}
