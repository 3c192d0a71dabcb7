package network

import (
	"math/rand"

	"github.com/fairedge/fairedge/pkg/types"
)

// Allocator hands out host ports from a configured range by uniform
// random sampling, rejecting ports already bound by running
// containers. The range is assumed large relative to demand, so no
// sampling timeout is imposed.
//
// Allocation is not globally locked: two concurrent dispatches can
// collide on a port. The dispatch retry ladder absorbs the resulting
// runtime error by re-allocating.
type Allocator struct {
	lower int
	upper int
	randn func(n int) int
}

// NewAllocator creates an allocator over [lower, upper].
func NewAllocator(lower, upper int) *Allocator {
	return &Allocator{lower: lower, upper: upper, randn: rand.Intn}
}

// MapPorts builds the port map for a job: the requested container-side
// ports plus the implicit "22" entry for shell access, each mapped to
// a distinct free host port.
func (a *Allocator) MapPorts(job *types.Job, used map[int]bool) types.PortMap {
	requested := append(job.RequestedPorts(), "22")

	free := a.freePorts(len(requested), used)
	mapped := make(types.PortMap, len(requested))
	for i, port := range requested {
		mapped[port] = free[i]
	}
	return mapped
}

// freePorts samples num distinct ports not present in used.
func (a *Allocator) freePorts(num int, used map[int]bool) []int {
	taken := make(map[int]bool, len(used)+num)
	for p := range used {
		taken[p] = true
	}

	ports := make([]int, 0, num)
	for len(ports) < num {
		port := a.lower + a.randn(a.upper-a.lower+1)
		if taken[port] {
			continue
		}
		taken[port] = true
		ports = append(ports, port)
	}
	return ports
}

// UsedHostPorts collects the host ports bound by the given containers.
func UsedHostPorts(containers []types.RunningContainer) map[int]bool {
	used := make(map[int]bool)
	for _, c := range containers {
		for _, p := range c.HostPorts {
			used[p] = true
		}
	}
	return used
}
