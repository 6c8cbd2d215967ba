package peer

import "sort"

// PriorityContext carries the signals the priority calculator reasons over.
type PriorityContext struct {
	IsFollowed      bool
	SubscriberCount int
	AvgLatencyMs    int64
}

// Priority maps a peer's attributes to a priority tier 1..10 (lower is
// higher priority), used to order reconnection attempts.
func Priority(ctx PriorityContext) int {
	switch {
	case ctx.IsFollowed && ctx.AvgLatencyMs < 100:
		return 1
	case ctx.IsFollowed && ctx.SubscriberCount > 100:
		return 2
	case ctx.IsFollowed:
		return 3
	case ctx.SubscriberCount > 1000:
		return 4
	case ctx.SubscriberCount > 500:
		return 5
	case ctx.SubscriberCount > 100:
		return 6
	case ctx.AvgLatencyMs < 100:
		return 7
	case ctx.AvgLatencyMs < 200:
		return 8
	case ctx.AvgLatencyMs < 500:
		return 9
	default:
		return 10
	}
}

// latencyTier buckets a latency sample into the same boundaries Priority
// uses, so ShouldRecalc can detect a tier crossing independent of the
// follow/subscriber-count signals.
func latencyTier(ms int64) int {
	switch {
	case ms < 100:
		return 0
	case ms < 200:
		return 1
	case ms < 500:
		return 2
	default:
		return 3
	}
}

// ShouldRecalc reports whether a priority recomputation is warranted: follow
// status flipped, subscriber count moved by more than 20%, latency moved by
// more than 50ms, or latency crossed a tier boundary.
func ShouldRecalc(old, next PriorityContext) bool {
	if old.IsFollowed != next.IsFollowed {
		return true
	}
	if delta := absInt64(next.AvgLatencyMs - old.AvgLatencyMs); delta > 50 {
		return true
	}
	if latencyTier(old.AvgLatencyMs) != latencyTier(next.AvgLatencyMs) {
		return true
	}
	if old.SubscriberCount > 0 {
		change := absInt(next.SubscriberCount-old.SubscriberCount) * 100 / old.SubscriberCount
		if change > 20 {
			return true
		}
	} else if next.SubscriberCount > 0 {
		return true
	}
	return false
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sortByPriority(conns []*Connection) {
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].Priority < conns[j].Priority
	})
}
