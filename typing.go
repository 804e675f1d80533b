package realtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// two responsibilities over one structure:
// inbound peer signals with ttl expiry, and the local user's debounced broadcast.
// the ttl sweep self-heals against a peer's lost stop-signal.

type TypingChangeFunction func(snapshot *TypingSnapshot)

type TypingSnapshot struct {
	ConversationId ConversationId
	// first-signaled-first, capped at MaxDisplayedTypers
	PeerIds []Id
	// count beyond the display cap ("+N more")
	More int
}

type TypingCoordinatorSettings struct {
	// inbound entry staleness threshold
	EntryTimeout  time.Duration
	SweepInterval time.Duration
	// outbound "typing started" at most once per this interval
	SignalRateLimit time.Duration
	// trailing timer that publishes "typing stopped" after idle input
	IdleStopTimeout    time.Duration
	MaxDisplayedTypers int
}

func DefaultTypingCoordinatorSettings() *TypingCoordinatorSettings {
	return &TypingCoordinatorSettings{
		EntryTimeout:       3 * time.Second,
		SweepInterval:      1 * time.Second,
		SignalRateLimit:    700 * time.Millisecond,
		IdleStopTimeout:    2 * time.Second,
		MaxDisplayedTypers: 3,
	}
}

type typingEntry struct {
	peerId         Id
	conversationId ConversationId
	lastSignalTime time.Time
}

type localTypingState struct {
	lastSignalTime time.Time
	started        bool
	idleTimer      *time.Timer
}

type TypingCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	publisher   Publisher
	localUserId Id

	settings *TypingCoordinatorSettings

	stateLock sync.Mutex
	// at most one entry per (peer, conversation), first-signaled-first
	entries  map[ConversationId][]*typingEntry
	outbound map[ConversationId]*localTypingState

	typingCallbacks *CallbackList[TypingChangeFunction]
}

func NewTypingCoordinatorWithDefaults(
	ctx context.Context,
	publisher Publisher,
	localUserId Id,
) *TypingCoordinator {
	return NewTypingCoordinator(ctx, publisher, localUserId, DefaultTypingCoordinatorSettings())
}

func NewTypingCoordinator(
	ctx context.Context,
	publisher Publisher,
	localUserId Id,
	settings *TypingCoordinatorSettings,
) *TypingCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &TypingCoordinator{
		ctx:             cancelCtx,
		cancel:          cancel,
		publisher:       publisher,
		localUserId:     localUserId,
		settings:        settings,
		entries:         map[ConversationId][]*typingEntry{},
		outbound:        map[ConversationId]*localTypingState{},
		typingCallbacks: NewCallbackList[TypingChangeFunction](),
	}
	go coordinator.run()
	return coordinator
}

func (self *TypingCoordinator) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
			self.sweep()
		}
	}
}

func (self *TypingCoordinator) sweep() {
	staleTime := time.Now().Add(-self.settings.EntryTimeout)
	changedConversationIds := []ConversationId{}

	self.stateLock.Lock()
	for _, conversationId := range maps.Keys(self.entries) {
		entries := self.entries[conversationId]
		liveEntries := make([]*typingEntry, 0, len(entries))
		for _, entry := range entries {
			if staleTime.Before(entry.lastSignalTime) {
				liveEntries = append(liveEntries, entry)
			}
		}
		if len(liveEntries) != len(entries) {
			if len(liveEntries) == 0 {
				delete(self.entries, conversationId)
			} else {
				self.entries[conversationId] = liveEntries
			}
			changedConversationIds = append(changedConversationIds, conversationId)
		}
	}
	self.stateLock.Unlock()

	for _, conversationId := range changedConversationIds {
		self.typingChanged(conversationId)
	}
}

func (self *TypingCoordinator) OnSignal(peerId Id, conversationId ConversationId, isTyping bool) {
	if peerId == self.localUserId {
		// the broker echoes the local user's own signals on group topics
		return
	}

	changed := false

	self.stateLock.Lock()
	entries := self.entries[conversationId]
	i := -1
	for j, entry := range entries {
		if entry.peerId == peerId {
			i = j
			break
		}
	}
	if isTyping {
		if 0 <= i {
			// refresh extends the expiry only. the rendered list is
			// unchanged, so no callback fires.
			entries[i].lastSignalTime = time.Now()
		} else {
			self.entries[conversationId] = append(entries, &typingEntry{
				peerId:         peerId,
				conversationId: conversationId,
				lastSignalTime: time.Now(),
			})
			changed = true
		}
	} else {
		if 0 <= i {
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(self.entries, conversationId)
			} else {
				self.entries[conversationId] = entries
			}
			changed = true
		}
	}
	self.stateLock.Unlock()

	if changed {
		self.typingChanged(conversationId)
	}
}

func (self *TypingCoordinator) TypingPeers(conversationId ConversationId) *TypingSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.typingPeersSnapshot(conversationId)
}

func (self *TypingCoordinator) typingPeersSnapshot(conversationId ConversationId) *TypingSnapshot {
	entries := self.entries[conversationId]
	snapshot := &TypingSnapshot{
		ConversationId: conversationId,
		PeerIds:        []Id{},
	}
	for _, entry := range entries {
		if len(snapshot.PeerIds) < self.settings.MaxDisplayedTypers {
			snapshot.PeerIds = append(snapshot.PeerIds, entry.peerId)
		} else {
			snapshot.More += 1
		}
	}
	return snapshot
}

// called on every local keystroke. publishes at most once per SignalRateLimit
// and arms the trailing idle-stop timer.
func (self *TypingCoordinator) OnLocalInput(conversationId ConversationId) {
	self.stateLock.Lock()
	state, ok := self.outbound[conversationId]
	if !ok {
		state = &localTypingState{}
		self.outbound[conversationId] = state
	}

	publish := false
	if !state.started || self.settings.SignalRateLimit <= time.Since(state.lastSignalTime) {
		state.lastSignalTime = time.Now()
		publish = true
	}
	state.started = true

	if state.idleTimer != nil {
		state.idleTimer.Stop()
	}
	state.idleTimer = time.AfterFunc(self.settings.IdleStopTimeout, func() {
		HandleError(func() {
			self.StopLocalInput(conversationId)
		})
	})
	self.stateLock.Unlock()

	if publish {
		self.publisher.Publish(DestinationSendTyping, &SendTypingEvent{
			ConversationId: conversationId,
			SenderId:       self.localUserId,
			IsTyping:       true,
		})
	}
}

// forces "stopped": blur, send, and tab hidden all route here
func (self *TypingCoordinator) StopLocalInput(conversationId ConversationId) {
	self.stateLock.Lock()
	state, ok := self.outbound[conversationId]
	publish := ok && state.started
	if ok {
		if state.idleTimer != nil {
			state.idleTimer.Stop()
			state.idleTimer = nil
		}
		state.started = false
	}
	self.stateLock.Unlock()

	if publish {
		self.publisher.Publish(DestinationSendTyping, &SendTypingEvent{
			ConversationId: conversationId,
			SenderId:       self.localUserId,
			IsTyping:       false,
		})
	}
}

func (self *TypingCoordinator) AddTypingChangeCallback(typingChangeCallback TypingChangeFunction) func() {
	callbackId := self.typingCallbacks.Add(typingChangeCallback)
	return func() {
		self.typingCallbacks.Remove(callbackId)
	}
}

func (self *TypingCoordinator) typingChanged(conversationId ConversationId) {
	snapshot := self.TypingPeers(conversationId)
	for _, typingChangeCallback := range self.typingCallbacks.Get() {
		HandleError(func() {
			typingChangeCallback(snapshot)
		})
	}
}

// a stale timer must never mutate a torn-down view's state
func (self *TypingCoordinator) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, state := range self.outbound {
		if state.idleTimer != nil {
			state.idleTimer.Stop()
			state.idleTimer = nil
		}
		state.started = false
	}
}
