package scheduler

import (
	"os"
	"strconv"
	"strings"

	"github.com/fortyweight/forge/internal/events"
)

// resourceSampler reads host resource usage for periodic Statistics
// events. Adapted from distr1-distri/internal/trace.cpuEvents/memEvents,
// which diffs per-core /proc/stat lines into a Chrome-trace counter
// event; here the aggregate "cpu " line is diffed into tick counts on
// an events.ResourceSample instead, since forge has no per-core
// breakdown in its event schema.
type resourceSampler struct {
	haveLast      bool
	lastUserTicks uint64
	lastSysTicks  uint64
}

// sample returns a best-effort reading, or nil if /proc is unavailable
// (e.g. non-Linux hosts): absence of resource data is not an error, it
// just means the Statistics event carries no Resource field.
func (r *resourceSampler) sample() *events.ResourceSample {
	user, sys, haveCPU := readCPUTicks()
	memKB, haveMem := readMemAvailableKB()
	if !haveCPU && !haveMem {
		return nil
	}

	sample := &events.ResourceSample{MemAvailKB: memKB}
	if haveCPU {
		if r.haveLast {
			sample.CPUUserTicks = user - r.lastUserTicks
			sample.CPUSysTicks = sys - r.lastSysTicks
		}
		r.lastUserTicks = user
		r.lastSysTicks = sys
		r.haveLast = true
	}
	return sample
}

func readCPUTicks() (user, sys uint64, ok bool) {
	b, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0, 0, false
		}
		user = parseUintOr0(fields[1])
		sys = parseUintOr0(fields[3])
		return user, sys, true
	}
	return 0, 0, false
}

func readMemAvailableKB() (uint64, bool) {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		val := strings.TrimSpace(strings.TrimPrefix(line, "MemAvailable:"))
		kb, err := strconv.ParseUint(strings.TrimSuffix(val, " kB"), 10, 64)
		if err != nil {
			return 0, false
		}
		return kb, true
	}
	return 0, false
}

func parseUintOr0(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
