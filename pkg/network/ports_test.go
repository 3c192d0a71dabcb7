package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairedge/fairedge/pkg/types"
)

func TestMapPortsAppendsShellPort(t *testing.T) {
	alloc := NewAllocator(20000, 29999)
	job := &types.Job{ID: 1000, Ports: "80,443"}

	mapped := alloc.MapPorts(job, nil)

	require.Len(t, mapped, 3)
	assert.Contains(t, mapped, "80")
	assert.Contains(t, mapped, "443")
	assert.Contains(t, mapped, "22")
}

func TestMapPortsNoRequestedPorts(t *testing.T) {
	alloc := NewAllocator(20000, 29999)
	job := &types.Job{ID: 1000}

	mapped := alloc.MapPorts(job, nil)

	require.Len(t, mapped, 1)
	assert.Contains(t, mapped, "22")
}

func TestMapPortsDistinctAndInRange(t *testing.T) {
	alloc := NewAllocator(20000, 20010)
	job := &types.Job{ID: 1000, Ports: "80,443,8080"}

	mapped := alloc.MapPorts(job, nil)

	seen := make(map[int]bool)
	for _, hostPort := range mapped {
		assert.GreaterOrEqual(t, hostPort, 20000)
		assert.LessOrEqual(t, hostPort, 20010)
		assert.False(t, seen[hostPort], "host port %d assigned twice", hostPort)
		seen[hostPort] = true
	}
}

func TestFreePortsSkipsUsed(t *testing.T) {
	alloc := NewAllocator(20000, 20004)
	// Deterministic sampling: walk the range from the bottom.
	next := 0
	alloc.randn = func(n int) int {
		v := next % n
		next++
		return v
	}

	used := map[int]bool{20000: true, 20001: true}
	ports := alloc.freePorts(2, used)

	assert.Equal(t, []int{20002, 20003}, ports)
}

func TestFreePortsSkipsDuplicates(t *testing.T) {
	alloc := NewAllocator(20000, 20004)
	draws := []int{1, 1, 1, 2}
	alloc.randn = func(int) int {
		v := draws[0]
		draws = draws[1:]
		return v
	}

	ports := alloc.freePorts(2, nil)

	assert.Equal(t, []int{20001, 20002}, ports)
}

func TestUsedHostPorts(t *testing.T) {
	containers := []types.RunningContainer{
		{Name: "1000", HostPorts: []int{20001, 20002}},
		{Name: "1001", HostPorts: []int{20003}},
		{Name: "1002"},
	}

	used := UsedHostPorts(containers)

	assert.Equal(t, map[int]bool{20001: true, 20002: true, 20003: true}, used)
}
