package ferrylib

import (
	"math/rand"
	"time"
)

// Clock abstracts timer scheduling so sweep behavior is deterministic under
// test. The zero Conn uses SystemClock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type Timer interface {
	Stop() bool
}

var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func defaultRand() float64 { return rand.Float64() }
