package realtime

import (
	"sync"
	"time"
)

// sidebar preview state: unread counts, last-message previews, recency order,
// and the total-unread badge. a pure reducer over the same message stream the
// ledger consumes; the view layer renders from snapshots.

const PreviewLength = 40

type ConversationChangeFunction func(conversationId ConversationId)

type UnreadChangeFunction func(totalUnread int)

type ConversationSummary struct {
	ConversationId  ConversationId
	Peer            Peer
	LastMessage     string
	LastMessageTime time.Time
	Unread          int
}

type ConversationList struct {
	localUserId Id

	stateLock sync.Mutex
	// most recent activity first
	ordered []*ConversationSummary
	index   map[ConversationId]*ConversationSummary
	// the active conversation accrues no unread
	activeConversationId ConversationId

	conversationCallbacks *CallbackList[ConversationChangeFunction]
	unreadCallbacks       *CallbackList[UnreadChangeFunction]
}

func NewConversationList(localUserId Id) *ConversationList {
	return &ConversationList{
		localUserId:           localUserId,
		ordered:               []*ConversationSummary{},
		index:                 map[ConversationId]*ConversationSummary{},
		conversationCallbacks: NewCallbackList[ConversationChangeFunction](),
		unreadCallbacks:       NewCallbackList[UnreadChangeFunction](),
	}
}

// called once from the rest conversation-list snapshot
func (self *ConversationList) Seed(summaries []*ConversationSummary) {
	self.stateLock.Lock()
	for _, summary := range summaries {
		if _, ok := self.index[summary.ConversationId]; ok {
			continue
		}
		copied := *summary
		self.ordered = append(self.ordered, &copied)
		self.index[copied.ConversationId] = &copied
	}
	self.stateLock.Unlock()

	for _, summary := range summaries {
		self.conversationChanged(summary.ConversationId)
	}
	self.unreadChanged()
}

func (self *ConversationList) OnInboundMessage(event *MessageEvent, peer Peer) {
	preview := event.Content
	if runes := []rune(preview); PreviewLength < len(runes) {
		preview = string(runes[:PreviewLength])
	}
	if preview == "" && event.MediaRef != "" {
		preview = "[media]"
	}

	own := event.SenderId == self.localUserId

	self.stateLock.Lock()
	summary, ok := self.index[event.ConversationId]
	if !ok {
		summary = &ConversationSummary{
			ConversationId: event.ConversationId,
			Peer:           peer,
		}
		self.index[event.ConversationId] = summary
		self.ordered = append(self.ordered, summary)
	}
	summary.LastMessage = preview
	summary.LastMessageTime = event.SentAt
	if !own && event.ConversationId != self.activeConversationId {
		summary.Unread += 1
	}
	self.moveToFront(summary)
	self.stateLock.Unlock()

	self.conversationChanged(event.ConversationId)
	self.unreadChanged()
}

func (self *ConversationList) moveToFront(summary *ConversationSummary) {
	for i, orderedSummary := range self.ordered {
		if orderedSummary == summary {
			copy(self.ordered[1:i+1], self.ordered[:i])
			self.ordered[0] = summary
			return
		}
	}
}

func (self *ConversationList) SetActive(conversationId ConversationId) {
	self.stateLock.Lock()
	self.activeConversationId = conversationId
	self.stateLock.Unlock()

	self.ClearUnread(conversationId)
}

func (self *ConversationList) ClearActive() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.activeConversationId = ConversationId{}
}

func (self *ConversationList) ActiveConversationId() ConversationId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.activeConversationId
}

func (self *ConversationList) ClearUnread(conversationId ConversationId) {
	self.stateLock.Lock()
	summary, ok := self.index[conversationId]
	changed := ok && 0 < summary.Unread
	if changed {
		summary.Unread = 0
	}
	self.stateLock.Unlock()

	if changed {
		self.conversationChanged(conversationId)
		self.unreadChanged()
	}
}

func (self *ConversationList) Unread(conversationId ConversationId) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if summary, ok := self.index[conversationId]; ok {
		return summary.Unread
	}
	return 0
}

// drives the side-nav badge
func (self *ConversationList) TotalUnread() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.totalUnread()
}

func (self *ConversationList) totalUnread() int {
	totalUnread := 0
	for _, summary := range self.ordered {
		totalUnread += summary.Unread
	}
	return totalUnread
}

func (self *ConversationList) Peer(conversationId ConversationId) (Peer, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if summary, ok := self.index[conversationId]; ok {
		return summary.Peer, true
	}
	return Peer{}, false
}

// snapshot copies, most recent activity first
func (self *ConversationList) Summaries() []*ConversationSummary {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	summaries := make([]*ConversationSummary, 0, len(self.ordered))
	for _, summary := range self.ordered {
		copied := *summary
		summaries = append(summaries, &copied)
	}
	return summaries
}

func (self *ConversationList) AddConversationChangeCallback(conversationChangeCallback ConversationChangeFunction) func() {
	callbackId := self.conversationCallbacks.Add(conversationChangeCallback)
	return func() {
		self.conversationCallbacks.Remove(callbackId)
	}
}

func (self *ConversationList) AddUnreadChangeCallback(unreadChangeCallback UnreadChangeFunction) func() {
	callbackId := self.unreadCallbacks.Add(unreadChangeCallback)
	return func() {
		self.unreadCallbacks.Remove(callbackId)
	}
}

func (self *ConversationList) conversationChanged(conversationId ConversationId) {
	for _, conversationChangeCallback := range self.conversationCallbacks.Get() {
		HandleError(func() {
			conversationChangeCallback(conversationId)
		})
	}
}

func (self *ConversationList) unreadChanged() {
	totalUnread := self.TotalUnread()
	for _, unreadChangeCallback := range self.unreadCallbacks.Get() {
		HandleError(func() {
			unreadChangeCallback(totalUnread)
		})
	}
}
