// Package hierarchy resolves ancestor chains in organizational trees handed
// over by a hierarchy provider.
package hierarchy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/noah-isme/licensing-go-api/internal/models"
)

// Node is one entity of a hierarchy tree together with its children.
type Node struct {
	Type       string
	EID        string
	Level      *int
	Name       string
	IsMemberOf bool
	Children   []Node
}

// Entity returns the identity and informational fields of the node.
func (n Node) Entity() models.Entity {
	return models.Entity{Type: n.Type, EID: n.EID, Level: n.Level, Name: n.Name}
}

type nodeJSON struct {
	Type       string          `json:"type"`
	EID        string          `json:"eid"`
	Level      json.RawMessage `json:"level"`
	Name       string          `json:"name"`
	IsMemberOf json.RawMessage `json:"is_member_of"`
	Children   []Node          `json:"children"`
}

// UnmarshalJSON accepts levels and membership flags encoded either as JSON
// scalars or as strings, which is how some providers emit them.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type == "" || raw.EID == "" {
		return fmt.Errorf("%w: hierarchy node requires type and eid", models.ErrInvalidInput)
	}

	level, err := ParseLevel(raw.Level)
	if err != nil {
		return err
	}
	isMember, err := parseFlag(raw.IsMemberOf)
	if err != nil {
		return err
	}

	*n = Node{
		Type:       raw.Type,
		EID:        raw.EID,
		Level:      level,
		Name:       raw.Name,
		IsMemberOf: isMember,
		Children:   raw.Children,
	}
	return nil
}

// MarshalJSON writes the node in the provider format.
func (n Node) MarshalJSON() ([]byte, error) {
	children := n.Children
	if children == nil {
		children = []Node{}
	}
	return json.Marshal(struct {
		Type       string `json:"type"`
		EID        string `json:"eid"`
		Level      *int   `json:"level,omitempty"`
		Name       string `json:"name,omitempty"`
		IsMemberOf bool   `json:"is_member_of"`
		Children   []Node `json:"children"`
	}{n.Type, n.EID, n.Level, n.Name, n.IsMemberOf, children})
}

// ParseLevel decodes an optional entity level given as number or numeric string.
func ParseLevel(raw json.RawMessage) (*int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var number int
	if err := json.Unmarshal(trimmed, &number); err == nil {
		return &number, nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return nil, fmt.Errorf("%w: level must be an integer", models.ErrInvalidInput)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	number, err := strconv.Atoi(text)
	if err != nil {
		return nil, fmt.Errorf("%w: level must be an integer, got %q", models.ErrInvalidInput, text)
	}
	return &number, nil
}

func parseFlag(raw json.RawMessage) (bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false, nil
	}

	var flag bool
	if err := json.Unmarshal(trimmed, &flag); err == nil {
		return flag, nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return false, fmt.Errorf("%w: is_member_of must be a boolean", models.ErrInvalidInput)
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(text))
	if err != nil {
		return false, fmt.Errorf("%w: is_member_of must be a boolean, got %q", models.ErrInvalidInput, text)
	}
	return parsed, nil
}

// AncestorMap maps a child entity to its direct parents.
type AncestorMap map[models.EntityKey][]models.Entity

// BuildAncestorMap walks the forest and records, for every entity appearing
// as a child, the entity it is nested under. A child listed under several
// parents collects all of them in encounter order.
func BuildAncestorMap(forest []Node) AncestorMap {
	parents := make(AncestorMap)
	for _, root := range forest {
		collectParents(root, parents)
	}
	return parents
}

func collectParents(node Node, parents AncestorMap) {
	parent := node.Entity()
	for _, child := range node.Children {
		key := models.NewEntity(child.Type, child.EID).Key()
		parents[key] = append(parents[key], parent)
		collectParents(child, parents)
	}
}

// Ancestors returns every entity reachable by following parent links
// upwards. Direct parents come first, each followed lineage by lineage by
// their own ancestors. Roots and unknown entities yield an empty list.
// A parent relation that loops back onto the current lineage is rejected
// with models.ErrCyclicHierarchy.
func Ancestors(entityType, eid string, parents AncestorMap) ([]models.Entity, error) {
	start := models.NewEntity(entityType, eid).Key()
	onPath := map[models.EntityKey]bool{start: true}
	return ancestorsOf(start, parents, onPath)
}

func ancestorsOf(key models.EntityKey, parents AncestorMap, onPath map[models.EntityKey]bool) ([]models.Entity, error) {
	direct := parents[key]
	result := make([]models.Entity, 0, len(direct))
	result = append(result, direct...)

	for _, parent := range direct {
		parentKey := parent.Key()
		if onPath[parentKey] {
			return nil, fmt.Errorf("%w: %s %s is its own ancestor", models.ErrCyclicHierarchy, parent.Type, parent.EID)
		}
		onPath[parentKey] = true
		grand, err := ancestorsOf(parentKey, parents, onPath)
		delete(onPath, parentKey)
		if err != nil {
			return nil, err
		}
		result = append(result, grand...)
	}
	return result, nil
}

// Lineage returns the entity itself followed by all of its ancestors.
func Lineage(entityType, eid string, parents AncestorMap) ([]models.Entity, error) {
	ancestors, err := Ancestors(entityType, eid, parents)
	if err != nil {
		return nil, err
	}
	return append(ancestors, models.NewEntity(entityType, eid)), nil
}
