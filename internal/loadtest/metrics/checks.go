package metrics

import "sync/atomic"

type checkTally struct {
	passes atomic.Int64
	fails  atomic.Int64
}

// CheckResult is the pass/fail tally of one named check.
type CheckResult struct {
	Name   string  `json:"name"`
	Passes int64   `json:"passes"`
	Fails  int64   `json:"fails"`
	Rate   float64 `json:"rate"`
}

// RecordCheck records a check outcome into the `checks` rate (tagged with
// the check name) and into the per-check tally.
func (s *Store) RecordCheck(name string, ok bool, tags Tags) error {
	tally := s.tally(name)
	if ok {
		tally.passes.Add(1)
	} else {
		tally.fails.Add(1)
	}

	value := 0.0
	if ok {
		value = 1
	}
	return s.Record(Checks, value, tags.Merge(Tags{"check": name}))
}

func (s *Store) tally(name string) *checkTally {
	s.checksMu.RLock()
	t, ok := s.checks[name]
	s.checksMu.RUnlock()
	if ok {
		return t
	}

	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	if t, ok := s.checks[name]; ok {
		return t
	}
	t = &checkTally{}
	s.checks[name] = t
	s.checksOrder = append(s.checksOrder, name)
	return t
}

// Checks returns check tallies in first-seen order.
func (s *Store) Checks() []CheckResult {
	s.checksMu.RLock()
	defer s.checksMu.RUnlock()

	out := make([]CheckResult, 0, len(s.checksOrder))
	for _, name := range s.checksOrder {
		t := s.checks[name]
		passes, fails := t.passes.Load(), t.fails.Load()
		rate := 0.0
		if total := passes + fails; total > 0 {
			rate = float64(passes) / float64(total)
		}
		out = append(out, CheckResult{Name: name, Passes: passes, Fails: fails, Rate: rate})
	}
	return out
}
