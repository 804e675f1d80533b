package realtime

import (
	mathrand "math/rand"
	"sync"
	"time"
)

// makes a copy of the list on update, so `Get` can be iterated without holding the lock
type CallbackList[T any] struct {
	stateLock   sync.Mutex
	callbackIds []Id
	callbacks   map[Id]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []Id{},
		callbacks:   map[Id]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := NewId()
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	for i, existingCallbackId := range self.callbackIds {
		if existingCallbackId == callbackId {
			self.callbackIds = append(self.callbackIds[:i], self.callbackIds[i+1:]...)
			break
		}
	}
}

// unbounded retry with capped exponential backoff.
// each call to `After` doubles the wait up to the cap, with uniform jitter.
type Reconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration

	stateLock   sync.Mutex
	nextTimeout time.Duration
}

func NewReconnect(minTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		minTimeout:  minTimeout,
		maxTimeout:  maxTimeout,
		nextTimeout: minTimeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	self.stateLock.Lock()
	timeout := self.nextTimeout
	self.nextTimeout = min(2*self.nextTimeout, self.maxTimeout)
	self.stateLock.Unlock()

	// jitter in [timeout/2, timeout)
	jitteredTimeout := timeout/2 + time.Duration(mathrand.Int63n(int64(timeout/2)+1))
	return time.After(jitteredTimeout)
}

func (self *Reconnect) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.nextTimeout = self.minTimeout
}
