package capture

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDeviceBusy is returned when a device is already held by another job.
var ErrDeviceBusy = errors.New("device busy")

// leases tracks which devices are currently held by a running job.
type leases struct {
	mu   sync.Mutex
	held map[string]string // device -> job
}

func newLeases() *leases { return &leases{held: make(map[string]string)} }

func (l *leases) acquire(device, job string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.held[device]; ok {
		return fmt.Errorf("%w: held by job %s", ErrDeviceBusy, holder)
	}
	l.held[device] = job
	return nil
}

func (l *leases) release(device, job string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[device] == job {
		delete(l.held, device)
	}
}
