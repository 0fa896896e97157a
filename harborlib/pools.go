package harborlib

import "fmt"

func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"TimerPool\" = %s, \"TransactionPool\" = %s}",
		timerPool.m.metricsString(),
		transactionPool.m.metricsString(),
	)
}
