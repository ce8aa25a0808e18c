package handler_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/licensing-go-api/internal/dto"
)

func schoolTree() []map[string]any {
	return []map[string]any{{
		"type":  "school",
		"eid":   "school_1",
		"level": 2,
		"children": []map[string]any{{
			"type":         "class",
			"eid":          "class_1",
			"level":        "1",
			"is_member_of": "true",
			"children":     []map[string]any{},
		}},
	}}
}

func TestHierarchyEntityLicenses(t *testing.T) {
	env := newTestEnv(t)
	school := env.seedLicense(t, "full_access", "school", 2, 100, "school_1")
	class := env.seedLicense(t, "full_access", "class", 1, 30, "class_1")
	env.seedLicense(t, "full_access", "school", 2, 100, "school_2")

	entity := map[string]any{"entity_type": "class", "entity_eid": "class_1"}
	token, body := env.signedBody(t, "teacher_1", "hierarchies", schoolTree(), entity)

	status, payload := env.do(t, http.MethodPut, "/v1/hierarchy/licenses/entity-licenses", token, body)
	require.Equal(t, http.StatusOK, status, payload.Message)
	var valid []dto.LicenseValidResponse
	decodeData(t, payload, &valid)
	require.Len(t, valid, 2)
	uuids := []string{valid[0].UUID.String(), valid[1].UUID.String()}
	require.ElementsMatch(t, []string{school.UUID.String(), class.UUID.String()}, uuids)

	status, payload = env.do(t, http.MethodPut, "/v1/hierarchy/licenses/entity-license", token, body)
	require.Equal(t, http.StatusOK, status)
	var active dto.LicenseValidResponse
	decodeData(t, payload, &active)
	require.Equal(t, class.UUID, active.UUID)
	require.Equal(t, []string{"class_1"}, active.OwnerEIDs)
}

func TestHierarchyEntityLicenseWithoutMatchIsNull(t *testing.T) {
	env := newTestEnv(t)
	env.seedLicense(t, "full_access", "class", 1, 30, "class_9")

	entity := map[string]any{"entity_type": "class", "entity_eid": "class_1"}
	token, body := env.signedBody(t, "teacher_1", "hierarchies", schoolTree(), entity)

	status, payload := env.do(t, http.MethodPut, "/v1/hierarchy/licenses/entity-license", token, body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, json.RawMessage("null"), payload.Data)
}

func TestHierarchyRejectsCyclicTrees(t *testing.T) {
	env := newTestEnv(t)
	cyclic := []map[string]any{
		{"type": "school", "eid": "school_1", "children": []map[string]any{{"type": "class", "eid": "class_1"}}},
		{"type": "class", "eid": "class_1", "children": []map[string]any{{"type": "school", "eid": "school_1"}}},
	}

	entity := map[string]any{"entity_type": "class", "entity_eid": "class_1"}
	token, body := env.signedBody(t, "teacher_1", "hierarchies", cyclic, entity)

	status, payload := env.do(t, http.MethodPut, "/v1/hierarchy/licenses/entity-licenses", token, body)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "Hierarchy contains a cycle", payload.Message)
}

func TestHierarchyManagedLicenses(t *testing.T) {
	env := newTestEnv(t)
	managed := env.seedLicense(t, "full_access", "class", 1, 30, "class_1")

	token, body := env.signedBody(t, "teacher_1", "hierarchies", schoolTree(), nil)
	status, payload := env.do(t, http.MethodPost, "/v1/hierarchy/licenses", token, body)
	require.Equal(t, http.StatusOK, status, payload.Message)

	var page dto.PageResponse[dto.LicenseManagedResponse]
	decodeData(t, payload, &page)
	require.Equal(t, int64(1), page.Total)
	require.Equal(t, managed.UUID, page.Items[0].UUID)
	require.Empty(t, page.Items[0].ReleasedSeats)

	status, payload = env.do(t, http.MethodPost, "/v1/hierarchy/licenses/"+managed.UUID.String(), token, body)
	require.Equal(t, http.StatusOK, status)
	var single dto.LicenseManagedResponse
	decodeData(t, payload, &single)
	require.Equal(t, managed.UUID, single.UUID)

	otherToken, otherBody := env.signedBody(t, "teacher_2", "hierarchies", schoolTree(), nil)
	status, payload = env.do(t, http.MethodPost, "/v1/hierarchy/licenses", otherToken, otherBody)
	require.Equal(t, http.StatusOK, status)
	decodeData(t, payload, &page)
	require.Zero(t, page.Total)
	require.Empty(t, page.Items)
}
