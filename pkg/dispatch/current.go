package dispatch

import (
	"os"
	"sync"
)

var (
	mut_current   sync.Mutex
	current       *Dispatcher
	currentPid    int
	defaultConfig Config
)

// SetDefaultConfig sets the configuration Current uses the next time it has
// to create a dispatcher.
func SetDefaultConfig(config Config) {
	mut_current.Lock()
	defer mut_current.Unlock()
	defaultConfig = config
}

// Current returns the process-wide dispatcher, creating it on first use. A
// dispatcher created by a different process id is stale and replaced.
func Current() (*Dispatcher, error) {
	mut_current.Lock()
	defer mut_current.Unlock()

	pid := os.Getpid()
	if current != nil && currentPid == pid {
		return current, nil
	}

	d, err := New(defaultConfig)
	if err != nil {
		return nil, err
	}
	current = d
	currentPid = pid
	return d, nil
}

// CloseCurrent closes the process-wide dispatcher, if one exists. The next
// call to Current creates a fresh one.
func CloseCurrent() error {
	mut_current.Lock()
	d := current
	current = nil
	currentPid = 0
	mut_current.Unlock()

	if d == nil {
		return nil
	}
	return d.Close()
}
