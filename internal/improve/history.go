package improve

import "math"

// #region history
// History is a fixed-capacity ring buffer of episode records.
type History struct {
	buf  []EpisodeRecord
	next int
	full bool
}

// NewHistory creates a ring buffer holding at most size records.
func NewHistory(size int) *History {
	return &History{buf: make([]EpisodeRecord, size)}
}

// Push appends r, overwriting the oldest record when full.
func (h *History) Push(r EpisodeRecord) {
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of stored records.
func (h *History) Len() int {
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Records returns the stored records, oldest first.
func (h *History) Records() []EpisodeRecord {
	if !h.full {
		return append([]EpisodeRecord(nil), h.buf[:h.next]...)
	}
	out := make([]EpisodeRecord, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// #endregion history

// #region signals
// signals computes trend statistics over records (oldest first).
func signals(records []EpisodeRecord, anomalyZ float64) Signals {
	var s Signals
	n := len(records)
	if n == 0 {
		return s
	}
	for _, r := range records {
		s.MeanError += r.Error
	}
	s.MeanError /= float64(n)

	if n >= 2 {
		var mx, my float64
		for i, r := range records {
			mx += float64(i)
			my += r.Reward
		}
		mx /= float64(n)
		my /= float64(n)
		var num, den float64
		for i, r := range records {
			dx := float64(i) - mx
			num += dx * (r.Reward - my)
			den += dx * dx
		}
		if den > 0 {
			s.RewardSlope = num / den
		}
	}

	// z-score of the latest error against everything before it
	if n >= 3 {
		prior := records[:n-1]
		var mean float64
		for _, r := range prior {
			mean += r.Error
		}
		mean /= float64(len(prior))
		var v float64
		for _, r := range prior {
			d := r.Error - mean
			v += d * d
		}
		std := math.Sqrt(v / float64(len(prior)))
		if std > 1e-9 {
			s.ErrorZScore = (records[n-1].Error - mean) / std
		}
	}
	s.Anomalous = anomalyZ > 0 && s.ErrorZScore >= anomalyZ
	return s
}

// #endregion signals
