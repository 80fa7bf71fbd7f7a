// Package user holds the programs environments run: small demonstrations
// of printing, yielding, IPC, fork and fault handling, plus drivers for
// the disk and the network card.
package user

import (
	"sort"

	"exokern/pkg/ulib"
)

// Programs maps a program name to its entry point.
var Programs = map[string]ulib.Program{
	"hello":      Hello,
	"yield":      Yield,
	"pingpong":   PingPong,
	"forktree":   ForkTree,
	"primes":     Primes,
	"spin":       Spin,
	"faultwrite": FaultWrite,
	"faultdie":   FaultDie,
	"faultro":    FaultReadonly,
	"disk":       Disk,
	"netecho":    NetEcho,
}

// Lookup returns the program called name.
func Lookup(name string) (ulib.Program, bool) {
	p, ok := Programs[name]
	return p, ok
}

// Names returns the program names in order.
func Names() []string {
	names := make([]string, 0, len(Programs))
	for name := range Programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
