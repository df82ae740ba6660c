package sandbox

import (
	"fmt"
	"log"
)

// Pool keeps a FIFO queue of pre-warmed idle handles so sessions start
// without paying the launch cost. Construction fills strictly; afterwards
// every acquire/retire triggers a best-effort refill.
//
// Pool itself is not safe for concurrent use; it is owned by a single
// broker goroutine (see NewBroker).
type Pool struct {
	launcher   Launcher
	idle       []Handle
	targetIdle int
}

// NewPool creates a pool and fills it to targetIdle. Any launch failure
// fails construction.
func NewPool(launcher Launcher, targetIdle int) (*Pool, error) {
	p := &Pool{launcher: launcher, targetIdle: targetIdle}
	if err := p.refillStrict(); err != nil {
		return nil, err
	}
	return p, nil
}

// Acquire pops an idle handle, or launches synchronously when the queue is
// empty, then refills best-effort.
func (p *Pool) Acquire() (Handle, error) {
	var handle Handle
	if len(p.idle) > 0 {
		handle = p.idle[0]
		p.idle = p.idle[1:]
	} else {
		launched, err := p.launcher.Launch()
		if err != nil {
			return nil, err
		}
		handle = launched
	}
	p.refillBestEffort()
	return handle, nil
}

// Retire terminates a handle unconditionally. Workers are single-use once a
// session lets go of them; they never rejoin the queue.
func (p *Pool) Retire(handle Handle) {
	handle.Terminate()
	p.refillBestEffort()
}

// IdleLen reports the idle queue depth.
func (p *Pool) IdleLen() int { return len(p.idle) }

func (p *Pool) refillStrict() error {
	for len(p.idle) < p.targetIdle {
		handle, err := p.launcher.Launch()
		if err != nil {
			return fmt.Errorf("filling sandbox pool: %w", err)
		}
		p.idle = append(p.idle, handle)
	}
	return nil
}

func (p *Pool) refillBestEffort() {
	for len(p.idle) < p.targetIdle {
		handle, err := p.launcher.Launch()
		if err != nil {
			log.Printf("sandbox pool: refill failed: %v", err)
			return
		}
		p.idle = append(p.idle, handle)
	}
}

// Broker serializes access to a Pool on a dedicated goroutine. The launcher
// may block on container start, so contention funnels through one place
// instead of a lock held across a spawn.
type Broker struct {
	commands chan poolCommand
}

type poolCommand struct {
	// Exactly one of the two modes: acquire (respondTo set) or retire
	// (handle set).
	respondTo chan acquireResult
	handle    Handle
}

type acquireResult struct {
	handle Handle
	err    error
}

// NewBroker starts the broker goroutine around an already-filled pool.
func NewBroker(pool *Pool) *Broker {
	b := &Broker{commands: make(chan poolCommand)}
	go func() {
		for cmd := range b.commands {
			if cmd.respondTo != nil {
				handle, err := pool.Acquire()
				cmd.respondTo <- acquireResult{handle: handle, err: err}
				continue
			}
			pool.Retire(cmd.handle)
		}
	}()
	return b
}

// Acquire requests a handle from the broker and blocks for the reply.
func (b *Broker) Acquire() (Handle, error) {
	respondTo := make(chan acquireResult, 1)
	b.commands <- poolCommand{respondTo: respondTo}
	result := <-respondTo
	return result.handle, result.err
}

// Retire hands a handle back for termination. Fire-and-forget.
func (b *Broker) Retire(handle Handle) {
	b.commands <- poolCommand{handle: handle}
}
