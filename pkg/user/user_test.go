package user

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"exokern/pkg/env"
	"exokern/pkg/ide"
	"exokern/pkg/kern"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// run boots a machine, runs the named program until the table drains and
// returns the console output and Wait's error.
func run(t *testing.T, name string, mod func(*kern.Config)) (string, error) {
	t.Helper()
	prog, ok := Lookup(name)
	if !ok {
		t.Fatalf("Lookup(%q) failed", name)
	}
	out := &syncBuffer{}
	cfg := kern.DefaultConfig()
	cfg.NENV = 64
	cfg.NPAGES = 2048
	cfg.Timer = 2 * time.Millisecond
	cfg.Console = out
	if mod != nil {
		mod(&cfg)
	}
	k, err := kern.New(cfg)
	if err != nil {
		t.Fatalf("kern.New() error = %v", err)
	}
	if _, err := k.Create(name, prog, env.AnyCPU); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := k.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	defer k.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = k.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("%s did not finish:\n%s", name, out.String())
	}
	return out.String(), err
}

// TestPrograms tests the output of each program that runs to completion.
func TestPrograms(t *testing.T) {
	tests := []struct {
		name  string
		want  []string
		count map[string]int
	}{
		{
			name: "hello",
			want: []string{"hello, world\n", "i am environment "},
		},
		{
			name:  "yield",
			want:  []string{"All done in environment "},
			count: map[string]int{"Back in environment": 5},
		},
		{
			name:  "pingpong",
			count: map[string]int{" got ": 11},
			want:  []string{" got 10 from "},
		},
		{
			name:  "forktree",
			want:  []string{"I am ''\n", "I am '0'\n", "I am '111'\n"},
			count: map[string]int{"I am '": 15},
		},
		{
			name:  "spin",
			want:  []string{"I am the child.  Spinning...\n", "I am the parent.  Killing the child...\n", "] destroying "},
			count: map[string]int{},
		},
		{
			name: "faultwrite",
			want: []string{"] user fault va 00000000 ip 00800020\n"},
		},
		{
			name: "faultdie",
			want: []string{"i faulted at va deadbeef, err 6\n", "] exiting gracefully\n"},
		},
		{
			name: "netecho",
			want: []string{"pkt length=0x1a\n", `echo "hello from the echo client"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.name, nil)
			if err != nil {
				t.Fatalf("Wait() error = %v\n%s", err, out)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
			for s, n := range tt.count {
				if got := strings.Count(out, s); got != n {
					t.Errorf("%q appears %d times, want %d:\n%s", s, got, n, out)
				}
			}
		})
	}
}

// TestPrimes tests that the sieve prints exactly the primes below its limit.
func TestPrimes(t *testing.T) {
	out, err := run(t, "primes", nil)
	if err != nil {
		t.Fatalf("Wait() error = %v\n%s", err, out)
	}
	var primes []int
	for n := 2; n < primeLimit; n++ {
		prime := true
		for d := 2; d*d <= n; d++ {
			if n%d == 0 {
				prime = false
				break
			}
		}
		if prime {
			primes = append(primes, n)
		}
	}
	for _, p := range primes {
		if want := fmt.Sprintf("] prime %d\n", p); !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if got := strings.Count(out, "] prime "); got != len(primes) {
		t.Errorf("printed %d primes, want %d:\n%s", got, len(primes), out)
	}
}

// TestFaultReadonly tests that an unfixable fault stops the machine.
func TestFaultReadonly(t *testing.T) {
	out, err := run(t, "faultro", nil)
	if !errors.Is(err, kern.ErrFatal) {
		t.Fatalf("Wait() error = %v, want %v\n%s", err, kern.ErrFatal, out)
	}
	if !strings.Contains(err.Error(), "is not copy-on-write") {
		t.Errorf("Wait() error = %q, want the fault handler's message", err)
	}
}

// TestDisk tests both drive configurations.
func TestDisk(t *testing.T) {
	block := func(word byte) *ide.MemDisk {
		d := ide.NewMemDisk(ide.FSSIZE)
		sector := make([]byte, ide.SectorSize)
		sector[0], sector[1], sector[2], sector[3] = word, 0x56, 0x34, 0x12
		if err := d.WriteSector(0, sector); err != nil {
			t.Fatal(err)
		}
		return d
	}
	tests := []struct {
		name  string
		disk1 bool
		want  string
	}{
		{"one drive", false, "disk read 12345678\n"},
		{"two drives", true, "disk read 12345699\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, "disk", func(cfg *kern.Config) {
				cfg.Disk0 = block(0x78)
				if tt.disk1 {
					cfg.Disk1 = block(0x99)
				}
			})
			if err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
		})
	}
}

// TestNames tests the program registry.
func TestNames(t *testing.T) {
	names := Names()
	if len(names) != len(Programs) {
		t.Fatalf("len(Names()) = %d, want %d", len(names), len(Programs))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("Names() not sorted at %d: %q >= %q", i, names[i-1], names[i])
		}
	}
	if _, ok := Lookup("nosuch"); ok {
		t.Error(`Lookup("nosuch") succeeded`)
	}
}
