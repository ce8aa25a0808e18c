package models

// Entity identifies a node of an organizational hierarchy (state, school,
// class, student) or the owner/manager of a license. Two entities are the
// same when their Type and EID match; Level and Name are informational.
type Entity struct {
	Type  string
	EID   string
	Level *int
	Name  string
}

// EntityKey is the identity of an Entity, usable as a map key.
type EntityKey struct {
	Type string
	EID  string
}

// NewEntity returns an entity carrying only its identity.
func NewEntity(entityType, eid string) Entity {
	return Entity{Type: entityType, EID: eid}
}

// Key returns the identity of the entity.
func (e Entity) Key() EntityKey {
	return EntityKey{Type: e.Type, EID: e.EID}
}

// Equal reports whether both entities share the same identity.
func (e Entity) Equal(other Entity) bool {
	return e.Key() == other.Key()
}

// EntitySet indexes entities by identity.
type EntitySet map[EntityKey]struct{}

// NewEntitySet builds a set from the given entities.
func NewEntitySet(entities []Entity) EntitySet {
	set := make(EntitySet, len(entities))
	for _, entity := range entities {
		set[entity.Key()] = struct{}{}
	}
	return set
}

// Contains reports whether the entity is part of the set.
func (s EntitySet) Contains(entity Entity) bool {
	_, ok := s[entity.Key()]
	return ok
}

// Intersects reports whether at least one of the entities is part of the set.
func (s EntitySet) Intersects(entities []Entity) bool {
	for _, entity := range entities {
		if s.Contains(entity) {
			return true
		}
	}
	return false
}

// UniqueEntities drops repeated identities while keeping first-seen order.
func UniqueEntities(entities []Entity) []Entity {
	seen := make(EntitySet, len(entities))
	result := make([]Entity, 0, len(entities))
	for _, entity := range entities {
		if seen.Contains(entity) {
			continue
		}
		seen[entity.Key()] = struct{}{}
		result = append(result, entity)
	}
	return result
}
