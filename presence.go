package realtime

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// presence is level-triggered. absence of an entry means "offline, unknown".
// entries are inserted lazily on the first observed event or seed and never pruned.

type PresenceChangeFunction func(peerId Id, online bool)

type presenceEntry struct {
	online             bool
	lastSeenUpdateTime time.Time
	// an explicit event always overrides a seeded value.
	// a seed never overrides a value already set by an event.
	fromEvent bool
}

type PresenceTracker struct {
	stateLock sync.Mutex
	entries   map[Id]*presenceEntry

	presenceCallbacks *CallbackList[PresenceChangeFunction]
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		entries:           map[Id]*presenceEntry{},
		presenceCallbacks: NewCallbackList[PresenceChangeFunction](),
	}
}

// called once from a rest snapshot when presence is needed before any event has arrived
func (self *PresenceTracker) Seed(initialOnline map[Id]bool) {
	changedPeerIds := []Id{}

	self.stateLock.Lock()
	for peerId, online := range initialOnline {
		entry, ok := self.entries[peerId]
		if ok && entry.fromEvent {
			// a stale snapshot must not regress live state
			continue
		}
		if !ok {
			entry = &presenceEntry{}
			self.entries[peerId] = entry
		}
		if !ok || entry.online != online {
			changedPeerIds = append(changedPeerIds, peerId)
		}
		entry.online = online
		entry.lastSeenUpdateTime = time.Now()
	}
	self.stateLock.Unlock()

	for _, peerId := range changedPeerIds {
		self.presenceChanged(peerId)
	}
}

func (self *PresenceTracker) ApplyEvent(peerId Id, online bool) {
	self.stateLock.Lock()
	entry, ok := self.entries[peerId]
	if !ok {
		entry = &presenceEntry{}
		self.entries[peerId] = entry
	}
	changed := !ok || entry.online != online
	entry.online = online
	entry.fromEvent = true
	entry.lastSeenUpdateTime = time.Now()
	self.stateLock.Unlock()

	if changed {
		self.presenceChanged(peerId)
	}
}

func (self *PresenceTracker) IsOnline(peerId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[peerId]; ok {
		return entry.online
	}
	return false
}

func (self *PresenceTracker) LastSeenUpdateTime(peerId Id) (time.Time, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[peerId]; ok {
		return entry.lastSeenUpdateTime, true
	}
	return time.Time{}, false
}

func (self *PresenceTracker) OnlinePeerIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	onlinePeerIds := []Id{}
	for _, peerId := range maps.Keys(self.entries) {
		if self.entries[peerId].online {
			onlinePeerIds = append(onlinePeerIds, peerId)
		}
	}
	return onlinePeerIds
}

func (self *PresenceTracker) AddPresenceChangeCallback(presenceChangeCallback PresenceChangeFunction) func() {
	callbackId := self.presenceCallbacks.Add(presenceChangeCallback)
	return func() {
		self.presenceCallbacks.Remove(callbackId)
	}
}

func (self *PresenceTracker) presenceChanged(peerId Id) {
	online := self.IsOnline(peerId)
	for _, presenceChangeCallback := range self.presenceCallbacks.Get() {
		HandleError(func() {
			presenceChangeCallback(peerId, online)
		})
	}
}
