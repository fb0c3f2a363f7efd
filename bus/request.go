/******************************************************************************
 *
 *  Description :
 *    Request is a transient actor correlating one outbound message with its
 *    reply. Supports timeout with retries and blocking wait.
 *
 *****************************************************************************/

package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tinode/tablesync/logs"
)

// ErrCanceled is the result of a request canceled before completion.
var ErrCanceled = errors.New("request canceled")

type requestState int

const (
	reqIdle requestState = iota
	reqSent
	reqFinished
)

// Request sends one message and waits for the matching reply.
type Request struct {
	*Actor

	mu  sync.Mutex
	msg *Message

	then      func(*Message) error
	onError   func(*ErrorMessage) error
	onTimeout func()

	timeout time.Duration
	retries int
	release bool

	state requestState
	timer *time.Timer
	// Incremented every time the timer is re-armed or stopped, invalidates stale timers.
	gen int

	done chan struct{}
	err  error
}

// NewRequest creates a request for msg. The request is an actor on the hub.
func NewRequest(hub *Hub, msg *Message) *Request {
	r := &Request{
		msg:  msg,
		done: make(chan struct{}),
	}
	r.Actor = NewActor(hub, requestReceiver{r})
	return r
}

// Then sets the reply handler. A returned error becomes the request's result.
func (r *Request) Then(f func(reply *Message) error) *Request {
	r.mu.Lock()
	r.then = f
	r.mu.Unlock()
	return r
}

// Error sets the handler of "error" replies and timeouts. A returned error becomes
// the request's result.
func (r *Request) Error(f func(e *ErrorMessage) error) *Request {
	r.mu.Lock()
	r.onError = f
	r.mu.Unlock()
	return r
}

// Timeout sets a callback invoked before every retry.
func (r *Request) Timeout(f func()) *Request {
	r.mu.Lock()
	r.onTimeout = f
	r.mu.Unlock()
	return r
}

// FailOnError makes an error reply the result of the request.
func (r *Request) FailOnError() *Request {
	return r.Error(func(e *ErrorMessage) error { return e })
}

// SetTimeout arms a timer of the given duration on every send. When it fires the
// message is re-sent as a copy while retries remain.
func (r *Request) SetTimeout(timeout time.Duration, retries int) *Request {
	r.mu.Lock()
	r.timeout = timeout
	r.retries = retries
	r.mu.Unlock()
	return r
}

// DeleteOnFinished unregisters the request from the hub once it completes.
func (r *Request) DeleteOnFinished() *Request {
	r.mu.Lock()
	r.release = true
	r.mu.Unlock()
	return r
}

// Message returns the message of the current attempt.
func (r *Request) Message() *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msg
}

// Send subscribes to the reply channel, arms the timer and sends the message.
func (r *Request) Send() *Request {
	r.mu.Lock()
	if r.state == reqFinished {
		r.mu.Unlock()
		logs.Warn.Println("request: already finished", r.msg)
		return r
	}
	r.state = reqSent
	msg := r.msg
	r.armLocked()
	r.mu.Unlock()

	r.SubscribeTo(msg.Channel)
	r.Actor.Send(msg)
	return r
}

// SendAndWait sends the request and blocks until it completes.
func (r *Request) SendAndWait(ctx context.Context) error {
	r.Send()
	return r.Wait(ctx)
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the result of a completed request.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Cancel releases the request without invoking any callbacks.
func (r *Request) Cancel() {
	r.mu.Lock()
	if r.state == reqFinished {
		r.mu.Unlock()
		return
	}
	r.state = reqFinished
	r.stopLocked()
	channel := r.msg.Channel
	r.mu.Unlock()

	r.UnsubscribeFrom(channel)
	r.err = ErrCanceled
	close(r.done)
	r.Unregister()
}

func (r *Request) armLocked() {
	r.stopLocked()
	if r.timeout <= 0 {
		return
	}
	gen := r.gen
	r.timer = time.AfterFunc(r.timeout, func() { r.expired(gen) })
}

func (r *Request) stopLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Request) expired(gen int) {
	r.mu.Lock()
	if r.state != reqSent || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	if r.retries > 0 {
		r.retries--
		r.msg = r.msg.CreateCopy()
		onTimeout := r.onTimeout
		r.mu.Unlock()

		if onTimeout != nil {
			onTimeout()
		}
		r.Send()
		return
	}
	channel := r.msg.Channel
	r.mu.Unlock()

	r.finish(nil, NewErrorMessage(channel, TimeoutText))
}

// requestReceiver keeps Receive and Reset off the public API of Request.
type requestReceiver struct {
	r *Request
}

func (rr requestReceiver) Receive(msg *Message) error {
	r := rr.r
	r.mu.Lock()
	matches := r.state == reqSent && msg.IsReply() &&
		msg.Channel == r.msg.Channel && msg.ReplyTo == r.msg.ID
	r.mu.Unlock()
	if !matches {
		return nil
	}

	if e := AsError(msg); e != nil {
		r.finish(nil, e)
	} else {
		r.finish(msg, nil)
	}
	return nil
}

// Reset re-sends a copy of a request still waiting for its reply.
func (rr requestReceiver) Reset() {
	r := rr.r
	r.mu.Lock()
	if r.state != reqSent || !r.IsSubscribed(r.msg.Channel) {
		r.mu.Unlock()
		return
	}
	r.msg = r.msg.CreateCopy()
	r.mu.Unlock()
	r.Send()
}

// finish completes the request exactly once with either a reply or an error.
func (r *Request) finish(reply *Message, failure *ErrorMessage) {
	r.mu.Lock()
	if r.state != reqSent {
		r.mu.Unlock()
		return
	}
	r.state = reqFinished
	r.stopLocked()
	then, onError, release := r.then, r.onError, r.release
	channel := r.msg.Channel
	r.mu.Unlock()

	var err error
	if failure != nil {
		if onError != nil {
			err = onError(failure)
		} else {
			err = failure
		}
	} else if then != nil {
		err = then(reply)
	}

	r.UnsubscribeFrom(channel)
	r.err = err
	close(r.done)
	if release {
		r.Unregister()
	}
}
