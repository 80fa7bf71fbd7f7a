package kern

import (
	"exokern/pkg/cpu"
	"exokern/pkg/env"
	"exokern/pkg/mmu"
)

// CPUInfo describes one core.
type CPUInfo struct {
	ID     int
	Status cpu.Status
	// Env is the environment the core runs, 0 when idle.
	Env env.ID
}

// EnvInfo describes one live environment.
type EnvInfo struct {
	ID       env.ID
	Parent   env.ID
	Name     string
	Status   env.Status
	CPU      int
	Affinity int
	Runs     uint64
	Pages    int
}

// CPUs reports what every core is doing.
func (k *Kernel) CPUs() []CPUInfo {
	infos := make([]CPUInfo, 0, len(k.cores))
	for _, cs := range k.cores {
		info := CPUInfo{ID: cs.sched.Core.ID, Status: cs.sched.Core.Status()}
		if e := cs.sched.Current(); e != nil && e != cs.sched.Idle() {
			info.Env = e.ID()
		}
		infos = append(infos, info)
	}
	return infos
}

// Envs reports every environment that is not Free.
func (k *Kernel) Envs() []EnvInfo {
	k.bootMu.Lock()
	defer k.bootMu.Unlock()
	var infos []EnvInfo
	k.envs.Range(func(e *env.Env) bool {
		st := e.Status()
		if st == env.Free {
			return true
		}
		info := EnvInfo{
			ID:       e.ID(),
			Parent:   e.ParentID(),
			Name:     e.Name(k.boot),
			Status:   st,
			CPU:      e.Owner(),
			Affinity: e.Affinity(),
			Runs:     e.Runs(),
		}
		if as := e.AddrSpace(); as != nil {
			info.Pages = as.Len()
		}
		infos = append(infos, info)
		return true
	})
	return infos
}

// MemStats reports physical memory use.
func (k *Kernel) MemStats() mmu.Stats {
	return k.mem.Stats()
}

// DiskRequests returns the number of commands the IDE controller issued.
func (k *Kernel) DiskRequests() uint64 {
	k.bootMu.Lock()
	defer k.bootMu.Unlock()
	return k.ide.Requests(k.boot)
}
