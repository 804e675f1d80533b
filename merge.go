package realtime

import (
	"sync"
	"time"
)

// id-keyed ordered collection fed by the fan-out stream (likes, comments, new
// posts, friend requests). deltas merge into the already-rendered collection
// so a counter change never forces a full refetch or a whole-card re-render.

type Entity struct {
	EntityId   Id             `json:"entity_id"`
	Kind       string         `json:"kind"`
	Actor      Peer           `json:"actor"`
	SubjectRef string         `json:"subject_ref,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Read       bool           `json:"read"`
	Counts     map[string]int `json:"counts,omitempty"`
}

const (
	EntityChangeCreated = "created"
	EntityChangeCount   = "count"
	EntityChangeRemoved = "removed"
	EntityChangeRead    = "read"
)

type EntityChangeFunction func(entityId Id, change string, field string)

type EntityCollection struct {
	stateLock sync.Mutex
	// newest first
	orderedEntities []*Entity
	entities        map[Id]*Entity

	changeCallbacks *CallbackList[EntityChangeFunction]
}

func NewEntityCollection() *EntityCollection {
	return &EntityCollection{
		orderedEntities: []*Entity{},
		entities:        map[Id]*Entity{},
		changeCallbacks: NewCallbackList[EntityChangeFunction](),
	}
}

// prepend if the id is not already present
func (self *EntityCollection) OnCreated(entity *Entity) bool {
	self.stateLock.Lock()
	if _, ok := self.entities[entity.EntityId]; ok {
		self.stateLock.Unlock()
		return false
	}
	copied := *entity
	if entity.Counts != nil {
		copied.Counts = map[string]int{}
		for field, value := range entity.Counts {
			copied.Counts[field] = value
		}
	}
	self.orderedEntities = append([]*Entity{&copied}, self.orderedEntities...)
	self.entities[copied.EntityId] = &copied
	self.stateLock.Unlock()

	self.entityChanged(entity.EntityId, EntityChangeCreated, "")
	return true
}

// patch a single counter field without touching the rest of the entity
func (self *EntityCollection) OnCountDelta(entityId Id, field string, value int) bool {
	self.stateLock.Lock()
	entity, ok := self.entities[entityId]
	if !ok {
		self.stateLock.Unlock()
		return false
	}
	if entity.Counts == nil {
		entity.Counts = map[string]int{}
	}
	entity.Counts[field] = value
	self.stateLock.Unlock()

	self.entityChanged(entityId, EntityChangeCount, field)
	return true
}

// optimistic removal before server confirmation. no automatic rollback:
// if the server later reports failure the caller re-inserts via OnCreated.
func (self *EntityCollection) OnRemovedLocally(entityId Id) *Entity {
	self.stateLock.Lock()
	entity, ok := self.entities[entityId]
	if !ok {
		self.stateLock.Unlock()
		return nil
	}
	delete(self.entities, entityId)
	for i, orderedEntity := range self.orderedEntities {
		if orderedEntity.EntityId == entityId {
			self.orderedEntities = append(self.orderedEntities[:i], self.orderedEntities[i+1:]...)
			break
		}
	}
	self.stateLock.Unlock()

	self.entityChanged(entityId, EntityChangeRemoved, "")
	copied := *entity
	return &copied
}

func (self *EntityCollection) MarkRead(entityId Id) bool {
	self.stateLock.Lock()
	entity, ok := self.entities[entityId]
	if !ok || entity.Read {
		self.stateLock.Unlock()
		return false
	}
	entity.Read = true
	self.stateLock.Unlock()

	self.entityChanged(entityId, EntityChangeRead, "")
	return true
}

func (self *EntityCollection) Contains(entityId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.entities[entityId]
	return ok
}

func (self *EntityCollection) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedEntities)
}

// snapshot copies, newest first
func (self *EntityCollection) Entities() []*Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entities := make([]*Entity, 0, len(self.orderedEntities))
	for _, entity := range self.orderedEntities {
		copied := *entity
		entities = append(entities, &copied)
	}
	return entities
}

func (self *EntityCollection) AddEntityChangeCallback(entityChangeCallback EntityChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(entityChangeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *EntityCollection) entityChanged(entityId Id, change string, field string) {
	for _, entityChangeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			entityChangeCallback(entityId, change, field)
		})
	}
}
