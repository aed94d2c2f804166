package main

import (
	"github.com/c9s/goprocinfo/linux"
	"github.com/pkg/errors"

	"github.com/tbarbette/go-middlebox/nicsched"
)

const procStatFile = "/proc/stat"

// procStatLoadSource samples per-core busy fraction from /proc/stat
// between successive ticks, the live counterpart of the teacher's
// usage package (which does the same jiffy-delta computation but
// across the whole machine rather than per core) feeding
// nicsched.Scheduler.Tick its observed load.
type procStatLoadSource struct {
	cores []nicsched.CoreID
	prev  *linux.Stat
}

func newProcStatLoadSource(cores []nicsched.CoreID) *procStatLoadSource {
	return &procStatLoadSource{cores: cores}
}

func cpuBusyFraction(prev, cur linux.CPUStat) float64 {
	busy := func(s linux.CPUStat) uint64 {
		return s.User + s.Nice + s.System + s.IRQ + s.SoftIRQ + s.Steal
	}
	total := func(s linux.CPUStat) uint64 {
		return busy(s) + s.Idle + s.IOWait
	}

	dBusy := float64(busy(cur) - busy(prev))
	dTotal := float64(total(cur) - total(prev))
	if dTotal <= 0 {
		return 0
	}
	return dBusy / dTotal
}

// Sample returns each configured core's busy fraction since the
// previous call. The first call after construction has no prior
// snapshot to diff against and reports zero load for every core.
func (s *procStatLoadSource) Sample() (map[nicsched.CoreID]float64, error) {
	cur, err := linux.ReadStat(procStatFile)
	if err != nil {
		return nil, errors.Wrapf(err, "middleboxd: failed to read %s", procStatFile)
	}

	loads := make(map[nicsched.CoreID]float64, len(s.cores))
	if s.prev == nil {
		for _, c := range s.cores {
			loads[c] = 0
		}
		s.prev = cur
		return loads, nil
	}

	for _, c := range s.cores {
		idx := int(c)
		if idx < 0 || idx >= len(cur.CPUStats) || idx >= len(s.prev.CPUStats) {
			loads[c] = 0
			continue
		}
		loads[c] = cpuBusyFraction(s.prev.CPUStats[idx], cur.CPUStats[idx])
	}

	s.prev = cur
	return loads, nil
}
