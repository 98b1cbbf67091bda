package gpioport

import (
	"math/rand"
	"time"
)

// Autopoke is the optional diagnostic of spec.md 4.D: fires synthetic
// poke-in events at expected rate R using a timer with period Δ and
// Bernoulli probability R·Δ per tick.
type Autopoke struct {
	nosepoke *Nosepoke
	period   time.Duration
	prob     float64
	rng      *rand.Rand

	stop chan struct{}
	done chan struct{}
}

// NewAutopoke builds an Autopoke firing synthetic pokes on n at expected
// rate rateHz, evaluated every period.
func NewAutopoke(n *Nosepoke, rateHz float64, period time.Duration, seed int64) *Autopoke {
	return &Autopoke{
		nosepoke: n,
		period:   period,
		prob:     rateHz * period.Seconds(),
		rng:      rand.New(rand.NewSource(seed)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the autopoke timer goroutine.
func (a *Autopoke) Start() { go a.run() }

// Stop halts the timer and waits for the goroutine to exit.
func (a *Autopoke) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Autopoke) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.period)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if a.rng.Float64() < a.prob {
				a.nosepoke.TriggerPoke(time.Now())
			}
		}
	}
}
