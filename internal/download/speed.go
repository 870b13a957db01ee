package download

import "time"

const speedWindow = 10

type chunkSample struct {
	n  int64
	at time.Time
}

// speedTracker estimates throughput from a rolling window of recent chunks,
// blended with the overall average when the recent rate collapses (stalls or
// a slow tail should not make the ETA swing wildly).
type speedTracker struct {
	start   time.Time
	total   int64
	samples [speedWindow]chunkSample
	next    int
	count   int
	now     func() time.Time
}

func newSpeedTracker(now func() time.Time) *speedTracker {
	if now == nil {
		now = time.Now
	}
	return &speedTracker{start: now(), now: now}
}

// add records n bytes received at the current time.
func (s *speedTracker) add(n int64) {
	s.total += n
	s.samples[s.next] = chunkSample{n: n, at: s.now()}
	s.next = (s.next + 1) % speedWindow
	if s.count < speedWindow {
		s.count++
	}
}

// overall returns the average rate since the tracker was created.
func (s *speedTracker) overall() float64 {
	el := s.now().Sub(s.start).Seconds()
	if el <= 0 {
		return 0
	}
	return float64(s.total) / el
}

// rolling returns the rate across the chunks in the window. The oldest sample
// marks the window start, so its own bytes are excluded.
func (s *speedTracker) rolling() float64 {
	if s.count < 2 {
		return s.overall()
	}
	oldest := (s.next - s.count + speedWindow) % speedWindow
	newest := (s.next - 1 + speedWindow) % speedWindow
	span := s.samples[newest].at.Sub(s.samples[oldest].at).Seconds()
	if span <= 0 {
		return s.overall()
	}
	var bytes int64
	for i := 1; i < s.count; i++ {
		bytes += s.samples[(oldest+i)%speedWindow].n
	}
	return float64(bytes) / span
}

// speed returns the rolling rate unless it drops below half of the overall
// average, in which case the two are blended 30/70.
func (s *speedTracker) speed() float64 {
	overall := s.overall()
	roll := s.rolling()
	if roll >= overall/2 {
		return roll
	}
	return 0.3*roll + 0.7*overall
}

// eta estimates time left for remaining bytes; zero when unknown.
func eta(remaining int64, speed float64) time.Duration {
	if remaining <= 0 || speed <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second))
}
