package dto

import (
	"encoding/json"
	"fmt"

	"github.com/noah-isme/licensing-go-api/internal/hierarchy"
	"github.com/noah-isme/licensing-go-api/internal/models"
)

// MembershipDTO is one entity a member belongs to, as listed by the
// hierarchy provider. The level may arrive as number or numeric string.
type MembershipDTO struct {
	Type  string `json:"type" validate:"required,max=256"`
	EID   string `json:"eid" validate:"required,max=256"`
	Level *int   `json:"level,omitempty"`
	Name  string `json:"name,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MembershipDTO) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  string          `json:"type"`
		EID   string          `json:"eid"`
		Level json.RawMessage `json:"level"`
		Name  *string         `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: membership must be an object", models.ErrInvalidInput)
	}
	level, err := hierarchy.ParseLevel(raw.Level)
	if err != nil {
		return err
	}

	*m = MembershipDTO{Type: raw.Type, EID: raw.EID, Level: level}
	if raw.Name != nil {
		m.Name = *raw.Name
	}
	return nil
}

// Entity converts the membership into a domain entity.
func (m MembershipDTO) Entity() models.Entity {
	return models.Entity{Type: m.Type, EID: m.EID, Level: m.Level, Name: m.Name}
}

// MembershipEntities converts every membership.
func MembershipEntities(memberships []MembershipDTO) []models.Entity {
	entities := make([]models.Entity, 0, len(memberships))
	for _, membership := range memberships {
		entities = append(entities, membership.Entity())
	}
	return entities
}

// MembershipsRequest is the body of the member routes. The memberships
// field is signed into the memberships token.
type MembershipsRequest struct {
	Memberships []MembershipDTO `json:"memberships" validate:"dive"`
}

// HierarchiesRequest is the body of the managed licenses route.
type HierarchiesRequest struct {
	Hierarchies []hierarchy.Node `json:"hierarchies"`
}

// EntityRequest names an entity together with the trees it is part of.
type EntityRequest struct {
	EntityType  string           `json:"entity_type" validate:"required"`
	EntityEID   string           `json:"entity_eid" validate:"required"`
	Hierarchies []hierarchy.Node `json:"hierarchies"`
}

// PermissionsResponse carries the signed licensing token.
type PermissionsResponse struct {
	Token string `json:"token"`
}
