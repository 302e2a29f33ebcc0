// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"sync"
	"time"
)

// NewLoop returns a new [*Loop] ready to run.
func NewLoop() *Loop {
	return &Loop{
		stopped: make(chan struct{}),
		stopper: sync.Once{},
		tasks:   make(chan func(), loopQueueSize),
	}
}

// loopQueueSize bounds the number of posted-but-not-yet-run tasks. Posting
// beyond this blocks the poster, which only happens when the loop goroutine
// has fallen far behind or was never started.
const loopQueueSize = 128

// Loop is a single-goroutine cooperative scheduler.
//
// All caller-visible callbacks of this package are delivered by the loop
// goroutine, so no two callbacks for requests sharing a loop ever run in
// parallel. Handlers perform blocking I/O elsewhere and use [Loop.Post] to
// transfer control back.
//
// The loop is owned by the caller: create one, run it on a goroutine of your
// choosing, share it across as many requests as you like, and stop it once
// [Manager.Outstanding] reports no in-flight operations. The dispatcher
// never stops the loop itself.
type Loop struct {
	// stopped is closed by Stop.
	stopped chan struct{}

	// stopper makes Stop idempotent.
	stopper sync.Once

	// tasks carries posted tasks to the loop goroutine.
	tasks chan func()
}

// Run executes posted tasks until [Loop.Stop] is called.
//
// Run must be invoked on exactly one goroutine. It returns after Stop;
// tasks posted after that point are silently discarded.
func (l *Loop) Run() {
	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.stopped:
			return
		}
	}
}

// Post schedules a task to run on the loop goroutine.
//
// Post never runs the task inline. After [Loop.Stop] the task is discarded.
func (l *Loop) Post(task func()) {
	select {
	case l.tasks <- task:
	case <-l.stopped:
	}
}

// PostAfter schedules a task to be posted to the loop after the given delay.
//
// The returned timer can be used to cancel the pending post.
func (l *Loop) PostAfter(delay time.Duration, task func()) *time.Timer {
	return time.AfterFunc(delay, func() {
		l.Post(task)
	})
}

// Stop makes [Loop.Run] return. Stop is idempotent and safe to call from
// any goroutine, including from a task running on the loop itself.
func (l *Loop) Stop() {
	l.stopper.Do(func() {
		close(l.stopped)
	})
}
