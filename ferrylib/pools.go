package ferrylib

import (
	"fmt"
	"sync"
)

var timerPool = &TimerPool{sp: sync.Pool{}, m: newPoolMetrics()}
var requestContextPool = &RequestContextPool{sp: sync.Pool{}, m: newPoolMetrics()}
var pendingWritePool = &PendingWritePool{sp: sync.Pool{}, m: newPoolMetrics()}

func StartPoolMetrics() {
	timerPool.m.start()
	requestContextPool.m.start()
	pendingWritePool.m.start()
}

func ReleasePoolMetrics() {
	timerPool.m.release()
	requestContextPool.m.release()
	pendingWritePool.m.release()
}

func JsonStringPoolMetrics() string {
	return fmt.Sprintf(`{"timer_pool": %s, "request_context_pool": %s, "pending_write_pool": %s}`,
		timerPool.m.metricsString(),
		requestContextPool.m.metricsString(),
		pendingWritePool.m.metricsString(),
	)
}
