package state

import "time"

// StartHeartbeat calls beat immediately and then every interval until the
// returned stop function is called.
func StartHeartbeat(interval time.Duration, beat func()) func() {
	if interval <= 0 || beat == nil {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		beat()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				beat()
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
