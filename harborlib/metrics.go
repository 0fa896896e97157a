package harborlib

import (
	"fmt"
	"sync/atomic"
)

// na + nr equal the total number of acquires
// na + nr - np equal the number of still running.

type PoolMetrics struct {
	na uint32 // number of new acquires
	nr uint32 // number of reuse from pool
	np uint32 // number of put back to pool
}

func (m *PoolMetrics) metricsString() string {
	return fmt.Sprintf("[ %v|%v|%v ]",
		atomic.LoadUint32(&m.na),
		atomic.LoadUint32(&m.nr),
		atomic.LoadUint32(&m.np),
	)
}
