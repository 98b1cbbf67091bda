package agent

import "time"

// startHeartbeatMonitor launches the liveness watchdog of spec.md 4.E: if
// the dispatcher hasn't sent are_you_alive within T_ALIVE_SOFT of the
// last one, log a warning; past T_ALIVE_HARD, trip critical_shutdown so
// Run tears the session down even with no dispatcher to ask it to.
func (l *Loop) startHeartbeatMonitor() {
	l.heartbeatStop = make(chan struct{})
	l.heartbeatDone = make(chan struct{})

	go func() {
		defer close(l.heartbeatDone)
		ticker := time.NewTicker(TAliveCheck)
		defer ticker.Stop()

		softWarned := false
		check := func() bool {
			last := time.Unix(0, l.lastAliveRequest.Load())
			since := time.Since(last)

			switch {
			case since >= TAliveHard:
				l.criticalShutdown.Store(true)
				return true
			case since >= TAliveSoft:
				if !softWarned {
					l.logger.Warn("no are_you_alive since soft threshold", "since", since, "kind", "liveness")
					softWarned = true
				}
			default:
				softWarned = false
			}
			return false
		}

		if check() {
			return
		}
		for {
			select {
			case <-l.heartbeatStop:
				return
			case <-ticker.C:
				if check() {
					return
				}
			}
		}
	}()
}

// stopHeartbeatMonitor halts the watchdog goroutine if one is running.
func (l *Loop) stopHeartbeatMonitor() {
	if l.heartbeatStop == nil {
		return
	}
	close(l.heartbeatStop)
	<-l.heartbeatDone
	l.heartbeatStop = nil
	l.heartbeatDone = nil
}
