package scanner

import "time"

// scheduleNext is the slot-packing scheduler. now and tProbe are
// expressed as durations since daemon start / probe cost respectively.
// otherNextProbeAt lists every other tracked MAC's current next-probe
// deadline (zero entries — "not yet scheduled" — are skipped).
//
// When fast is false the function returns desired unchanged: slot packing
// collapses to "probe each MAC at its own interval".
func scheduleNext(now, tProbe time.Duration, interval time.Duration, up bool, fast bool, otherNextProbeAt []time.Duration) time.Duration {
	desired := now + interval
	if !fast {
		return desired
	}
	if up {
		return upvote(desired, now, interval, tProbe, otherNextProbeAt)
	}
	return downvote(desired, interval, tProbe, otherNextProbeAt)
}

// upvote nudges desired later, one T_probe slot at a time, past any other
// MAC's probe slot it would otherwise collide with, but never later than
// the caller's own interval budget (now+interval).
func upvote(desired, now, interval, tProbe time.Duration, otherNextProbeAt []time.Duration) time.Duration {
	for _, other := range otherNextProbeAt {
		if other == 0 {
			continue
		}
		if desired >= other-tProbe && desired <= other+tProbe {
			desired = other + tProbe
		}
	}
	if budget := now + interval; desired > budget {
		return budget
	}
	return desired
}

// downvote searches offsets i = 0, T_probe, 2*T_probe, ... up to 30% of
// the interval. The first offset for which some other MAC's next-probe
// deadline falls in [desired, desired+i) wins: next_probe_at jumps to
// desired+i and the search stops immediately, even if that new slot
// itself collides with something else — this is best-effort, not exact
// conflict avoidance. If the whole window produces no collision, desired
// is returned unchanged.
func downvote(desired, interval, tProbe time.Duration, otherNextProbeAt []time.Duration) time.Duration {
	if tProbe <= 0 {
		return desired
	}
	window := time.Duration(float64(interval) * 0.3)
	for i := time.Duration(0); i <= window; i += tProbe {
		if hasCollision(desired, desired+i, otherNextProbeAt) {
			return desired + i
		}
	}
	return desired
}

// hasCollision reports whether any other tracker's next-probe deadline
// falls in [lo, hi).
func hasCollision(lo, hi time.Duration, otherNextProbeAt []time.Duration) bool {
	for _, other := range otherNextProbeAt {
		if other == 0 {
			continue
		}
		if other >= lo && other < hi {
			return true
		}
	}
	return false
}
