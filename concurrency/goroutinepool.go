/******************************************************************************
 *
 *  Description :
 *    Bounded pool of goroutines serving peer connections. Each accepted
 *    connection is one task, so the pool size caps the number of live peers.
 *
 *****************************************************************************/
package concurrency

import (
	"sync"
	"sync/atomic"
)

// Task is a unit of work for a GoRoutinePool.
type Task func()

// GoRoutinePool runs tasks on at most Size goroutines. A goroutine is started for a
// task when none is idle and then keeps taking tasks until Stop.
type GoRoutinePool struct {
	// Idle workers wait here for their next task.
	handoff chan Task
	// One token per live worker.
	slots chan struct{}
	quit  chan struct{}
	once  sync.Once

	running atomic.Int64
}

// NewGoRoutinePool creates a pool of at most size goroutines. None is started yet.
func NewGoRoutinePool(size int) *GoRoutinePool {
	return &GoRoutinePool{
		handoff: make(chan Task),
		slots:   make(chan struct{}, size),
		quit:    make(chan struct{}),
	}
}

// Schedule runs task on an idle or new worker, waiting while all workers are busy.
func (p *GoRoutinePool) Schedule(task Task) {
	select {
	case p.handoff <- task:
	case p.slots <- struct{}{}:
		go p.loop(task)
	}
}

// TrySchedule is Schedule which reports false instead of waiting.
func (p *GoRoutinePool) TrySchedule(task Task) bool {
	select {
	case p.handoff <- task:
	case p.slots <- struct{}{}:
		go p.loop(task)
	default:
		return false
	}
	return true
}

// Busy returns the number of tasks running.
func (p *GoRoutinePool) Busy() int {
	return int(p.running.Load())
}

// Size returns the limit of goroutines.
func (p *GoRoutinePool) Size() int {
	return cap(p.slots)
}

// Stop makes idle workers exit and busy ones exit after their task. It is safe to call
// more than once.
func (p *GoRoutinePool) Stop() {
	p.once.Do(func() { close(p.quit) })
}

func (p *GoRoutinePool) loop(task Task) {
	defer func() { <-p.slots }()
	for {
		p.run(task)
		select {
		case task = <-p.handoff:
		case <-p.quit:
			return
		}
	}
}

func (p *GoRoutinePool) run(task Task) {
	p.running.Add(1)
	defer p.running.Add(-1)
	task()
}
