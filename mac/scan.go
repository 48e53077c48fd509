package mac

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/glob"

	"github.com/latticemesh/latticemesh/radio"
	"github.com/latticemesh/latticemesh/timing"
)

// ScanPredicate selects acceptable networks during the Detached scan. It
// receives the decoded advertisement and the advertiser's join metric.
//
// The predicate only filters: among the advertisements it accepts within
// one scan dwell, the MAC synchronises to the one with the lowest join
// metric (see Mac.finishScan).
type ScanPredicate func(f *Frame, joinMetric uint8) bool

// SSIDGlobPredicate accepts advertisements whose SSID matches the given
// glob pattern, leaving the join-metric preference to the scan loop.
func SSIDGlobPredicate(pattern string) (ScanPredicate, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile ssid pattern: %w", err)
	}

	return func(f *Frame, _ uint8) bool {
		ssid, ok := f.HeaderIE(IESSID)
		return ok && g.Match(string(ssid))
	}, nil
}

// scanner walks the configured channels round-robin while the node is
// detached. Dwell times per channel grow exponentially so that a node
// stranded next to a quiet network does not chew its battery re-scanning at
// full rate forever.
type scanner struct {
	channels   []uint8
	cur        int
	dwellLeft  int
	slotMicros uint64
	bo         *backoff.ExponentialBackOff
}

func newScanner(cfg *Config) *scanner {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cfg.SlotDurationUs*8) * time.Microsecond
	bo.MaxInterval = time.Duration(cfg.SlotDurationUs*512) * time.Microsecond
	bo.RandomizationFactor = 0

	s := &scanner{
		channels:   cfg.Channels,
		slotMicros: cfg.SlotDurationUs,
		bo:         bo,
	}
	s.dwellLeft = s.dwellSlots()
	return s
}

func (s *scanner) dwellSlots() int {
	d := s.bo.NextBackOff()
	slots := int(d.Microseconds() / int64(s.slotMicros))
	if slots < 1 {
		slots = 1
	}
	return slots
}

// channel returns the channel currently being listened on.
func (s *scanner) channel() uint8 {
	if len(s.channels) == 0 {
		return 0
	}
	return s.channels[s.cur]
}

// tick consumes one dwell slot. It reports whether the dwell expired, in
// which case the scanner has hopped to the next channel and any candidates
// collected during the dwell are due for a join decision.
func (s *scanner) tick() bool {
	s.dwellLeft--
	if s.dwellLeft > 0 {
		return false
	}
	if len(s.channels) > 0 {
		s.cur = (s.cur + 1) % len(s.channels)
	}
	s.dwellLeft = s.dwellSlots()
	return true
}

// reset restores the initial dwell pacing, e.g. after a successful join and
// a later sync loss.
func (s *scanner) reset() {
	s.bo.Reset()
	s.cur = 0
	s.dwellLeft = s.dwellSlots()
}

// plan opens a receive window spanning one full slot on the scan channel.
func (s *scanner) plan(slotTicks timing.Tick) radio.Plan {
	return radio.Plan{
		Channel: s.channel(),
		Steps: []radio.SlotStep{{
			Kind:    radio.StepRx,
			Offset:  0,
			Timeout: slotTicks,
		}},
	}
}
