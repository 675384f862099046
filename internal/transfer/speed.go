package transfer

import "time"

type speedSample struct {
	at    time.Time
	bytes int64
}

// speedMeter smooths the instantaneous transfer rate over a sliding window.
// Not safe for concurrent use; the fetch loop is its only writer.
type speedMeter struct {
	window  time.Duration
	samples []speedSample
	now     func() time.Time // stubbed in tests
}

func newSpeedMeter(window time.Duration) *speedMeter {
	if window <= 0 {
		window = 4 * time.Second
	}

	return &speedMeter{window: window, now: time.Now}
}

// Add records n bytes transferred at the current instant.
func (m *speedMeter) Add(n int64) {
	now := m.now()
	m.samples = append(m.samples, speedSample{at: now, bytes: n})
	m.trim(now)
}

// Rate returns the average transfer rate in bytes per second over the window.
// Returns 0 until enough time has passed to measure anything.
func (m *speedMeter) Rate() float64 {
	now := m.now()
	m.trim(now)

	if len(m.samples) == 0 {
		return 0
	}

	var total int64
	for _, s := range m.samples {
		total += s.bytes
	}

	elapsed := now.Sub(m.samples[0].at)
	if elapsed <= 0 {
		return 0
	}

	if elapsed > m.window {
		elapsed = m.window
	}

	return float64(total) / elapsed.Seconds()
}

func (m *speedMeter) trim(now time.Time) {
	cutoff := now.Add(-m.window)

	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}

	if i > 0 {
		m.samples = m.samples[i:]
	}
}
