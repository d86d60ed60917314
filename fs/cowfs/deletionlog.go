package cowfs

import (
	"bytes"
	"strings"
	"sync"
)

// flushState is the state of the deletion log's background writer.
//
//	idle ──append──▶ running ──done──▶ idle | failed
//	                   │  ▲
//	             append│  │done
//	                   ▼  │
//	                 pending
//
// Appends while a write is running collapse into one more write. A failed
// write leaves the error stored until takeErr hands it to a caller.
type flushState uint8

const (
	flushIdle flushState = iota
	flushRunning
	flushPending
	flushFailed
)

func (s flushState) String() string {
	switch s {
	case flushIdle:
		return "idle"
	case flushRunning:
		return "running"
	case flushPending:
		return "pending"
	case flushFailed:
		return "failed"
	}
	return "unknown"
}

// deletionLog holds the tombstone log and writes it out in the
// background. Every write stores the whole log.
type deletionLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	state   flushState
	data    []byte
	err     error
	writes  int
	writeFn func(data []byte) error
}

func newDeletionLog(write func(data []byte) error) *deletionLog {
	d := &deletionLog{writeFn: write}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// load sets the log contents read at startup without writing them back.
func (d *deletionLog) load(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = bytes.Clone(data)
}

func (d *deletionLog) append(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append(d.data, line...)
	d.schedule()
}

func (d *deletionLog) replace(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = bytes.Clone(data)
	d.schedule()
}

// schedule must be called with mu held.
func (d *deletionLog) schedule() {
	switch d.state {
	case flushIdle, flushFailed:
		d.state = flushRunning
		go d.run()
	case flushRunning:
		d.state = flushPending
	}
}

func (d *deletionLog) run() {
	d.mu.Lock()
	for {
		data := bytes.Clone(d.data)
		d.mu.Unlock()
		err := d.writeFn(data)
		d.mu.Lock()
		d.writes++
		if err != nil {
			d.err = err
		}
		if d.state != flushPending {
			break
		}
		d.state = flushRunning
	}
	if d.err != nil {
		d.state = flushFailed
	} else {
		d.state = flushIdle
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

// takeErr returns the stored write error, if any, and clears it.
func (d *deletionLog) takeErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.err
	d.err = nil
	if d.state == flushFailed {
		d.state = flushIdle
	}
	return err
}

// wait blocks until no write is running or pending.
func (d *deletionLog) wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.state == flushRunning || d.state == flushPending {
		d.cond.Wait()
	}
}

func (d *deletionLog) current() flushState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *deletionLog) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.data)
}

// parseDeletionLog returns the paths tombstoned by log. Lines not
// starting with 'd' are ignored.
func parseDeletionLog(log string) map[string]bool {
	deleted := make(map[string]bool)
	for _, line := range strings.Split(log, "\n") {
		if strings.HasPrefix(line, "d") && len(line) > 1 {
			deleted[line[1:]] = true
		}
	}
	return deleted
}
