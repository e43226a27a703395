// Package anomaly guards history against implausible prices that slip past
// the scrapers, such as a wrong element captured as the price.
package anomaly

import (
	"math"

	"pricetrack/internal/storage"
)

// Defaults for the detector knobs.
const (
	DefaultWindow        = 20
	DefaultMinWindow     = 5
	DefaultSigma         = 3.0
	DefaultMaxJumpFactor = 10.0
)

// Options tunes the detector.
type Options struct {
	// Window caps how many prior records feed the statistics.
	Window int
	// MinWindow is the least history required before anything is flagged.
	MinWindow int
	// Sigma is the z-score threshold.
	Sigma float64
	// MaxJumpFactor flags multiplicative jumps from the previous price
	// regardless of variance.
	MaxJumpFactor float64
}

// Detector runs statistical plausibility checks over recent history.
// Pure: safe for concurrent use across product workers.
type Detector struct {
	window        int
	minWindow     int
	sigma         float64
	maxJumpFactor float64
}

// NewDetector constructs a detector, applying defaults for zero options.
func NewDetector(opts Options) *Detector {
	d := &Detector{
		window:        opts.Window,
		minWindow:     opts.MinWindow,
		sigma:         opts.Sigma,
		maxJumpFactor: opts.MaxJumpFactor,
	}
	if d.window <= 0 {
		d.window = DefaultWindow
	}
	if d.minWindow <= 0 {
		d.minWindow = DefaultMinWindow
	}
	if d.sigma <= 0 {
		d.sigma = DefaultSigma
	}
	if d.maxJumpFactor <= 1 {
		d.maxJumpFactor = DefaultMaxJumpFactor
	}
	return d
}

// WindowSize is how many prior records Check can use, letting callers
// size their store query.
func (d *Detector) WindowSize() int { return d.window }

// Check reports whether cur is implausible given prior records (most
// recent first, as storage.Window returns them). Insufficient history
// never flags: with fewer than MinWindow priors the answer is false no
// matter how wild the jump.
func (d *Detector) Check(window []storage.HistoryRecord, cur storage.HistoryRecord) bool {
	if len(window) > d.window {
		window = window[:d.window]
	}
	if len(window) < d.minWindow {
		return false
	}

	price, _ := cur.Price.Float64()

	// Multiplicative jump from the previous observation, independent of
	// the z-score: catches scraping bugs on otherwise noisy products.
	prevPrice, _ := window[0].Price.Float64()
	if prevPrice > 0 {
		ratio := price / prevPrice
		if ratio >= d.maxJumpFactor || ratio <= 1/d.maxJumpFactor {
			return true
		}
	}

	mean, stddev := meanStddev(window)
	if stddev == 0 {
		// A perfectly flat window gives no scale for a z-score; the jump
		// guard above is the only check that applies.
		return false
	}
	return math.Abs(price-mean) > d.sigma*stddev
}

func meanStddev(window []storage.HistoryRecord) (float64, float64) {
	var sum float64
	for _, rec := range window {
		price, _ := rec.Price.Float64()
		sum += price
	}
	mean := sum / float64(len(window))

	var variance float64
	for _, rec := range window {
		price, _ := rec.Price.Float64()
		variance += (price - mean) * (price - mean)
	}
	return mean, math.Sqrt(variance / float64(len(window)))
}
