package ferrylib

import (
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

var DefaultTickerDuration = 1 * time.Second

// na + nr equal the total number of acquires
// na + nr - np equal the number of still running.
type PoolMetrics struct {
	na uint32 // number of new acquires
	nr uint32 // number of reuse from pool
	np uint32 // number of put back to pool

	naa uint64 // accumulative
	nra uint64 // accumulative
	npa uint64 // accumulative

	done chan struct{}
}

func newPoolMetrics() *PoolMetrics {
	pm := &PoolMetrics{}
	pm.done = make(chan struct{})

	return pm
}

func (p *PoolMetrics) release() {
	p.done <- struct{}{}
}

func (p *PoolMetrics) setMetrics() {
	atomic.AddUint64(&p.naa, uint64(atomic.SwapUint32(&p.na, uint32(0))))
	atomic.AddUint64(&p.nra, uint64(atomic.SwapUint32(&p.nr, uint32(0))))
	atomic.AddUint64(&p.npa, uint64(atomic.SwapUint32(&p.np, uint32(0))))
}

func (p *PoolMetrics) start() {
	timer := time.NewTicker(DefaultTickerDuration)

	go func() {
		defer timer.Stop()
		defer close(p.done)

		for {
			select {
			case <-timer.C:
				p.setMetrics()
			case <-p.done:
				p.setMetrics()
				return
			}
		}
	}()
}

type poolMetricsSnapshot struct {
	New         uint32 `json:"new"`
	Reused      uint32 `json:"reused"`
	PutBack     uint32 `json:"put_back"`
	NewTotal    uint64 `json:"new_total"`
	ReusedTotal uint64 `json:"reused_total"`
	PutTotal    uint64 `json:"put_total"`
}

func (p *PoolMetrics) snapshot() poolMetricsSnapshot {
	return poolMetricsSnapshot{
		New:         atomic.LoadUint32(&p.na),
		Reused:      atomic.LoadUint32(&p.nr),
		PutBack:     atomic.LoadUint32(&p.np),
		NewTotal:    atomic.LoadUint64(&p.naa),
		ReusedTotal: atomic.LoadUint64(&p.nra),
		PutTotal:    atomic.LoadUint64(&p.npa),
	}
}

func (p *PoolMetrics) metricsString() string {
	buf, err := json.Marshal(p.snapshot())
	if err != nil {
		return "{}"
	}
	return string(buf)
}
