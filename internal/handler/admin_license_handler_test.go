package handler_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/licensing-go-api/internal/dto"
	"github.com/noah-isme/licensing-go-api/internal/models"
)

func adminCreateBody(t *testing.T, owners ...string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"hierarchy_provider_uri": testProvider,
		"product_eid":            "full_access",
		"manager_eid":            "teacher_1",
		"owner_type":             "school",
		"owner_level":            2,
		"owner_eids":             owners,
		"valid_from":             today().Format(models.DateLayout),
		"valid_to":               today().AddDate(1, 0, 0).Format(models.DateLayout),
		"nof_seats":              100,
		"notes":                  "<b>keep</b> renewal",
	})
	require.NoError(t, err)
	return body
}

func TestAdminCreateAndGetLicense(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t, map[string]any{})

	status, payload := env.do(t, http.MethodPost, "/v1/admin/licenses", token, adminCreateBody(t, "school_1", "school_2"))
	require.Equal(t, http.StatusCreated, status, payload.Message)
	var created dto.LicenseCreatedResponse
	decodeData(t, payload, &created)
	require.False(t, created.IsTrial)
	require.Equal(t, 100, created.NofFreeSeats)

	status, payload = env.do(t, http.MethodPost, "/v1/admin/licenses", token, adminCreateBody(t, "school_1", "school_2"))
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "License creation failed: A license for at least one of the entered owner EIDs already exists", payload.Message)

	status, _ = env.do(t, http.MethodPost, "/v1/admin/licenses", token, adminCreateBody(t, "school_2"))
	require.Equal(t, http.StatusCreated, status)

	status, payload = env.do(t, http.MethodGet, "/v1/admin/licenses/"+created.UUID.String(), token, nil)
	require.Equal(t, http.StatusOK, status)
	var complete dto.LicenseCompleteResponse
	decodeData(t, payload, &complete)
	require.Equal(t, "teacher_1", complete.ManagerEID)
	require.Equal(t, []string{"school_1", "school_2"}, complete.OwnerEIDs)
	require.NotNil(t, complete.Notes)
	require.Equal(t, "keep renewal", *complete.Notes)
	require.Empty(t, complete.Seats)

	restricted := env.adminToken(t, map[string]any{"manager_eid": []any{"teacher_2"}})
	status, payload = env.do(t, http.MethodGet, "/v1/admin/licenses/"+created.UUID.String(), restricted, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, json.RawMessage("null"), payload.Data)
}

func TestAdminCreateLicenseValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t, map[string]any{})

	body, err := json.Marshal(map[string]any{
		"hierarchy_provider_uri": testProvider,
		"product_eid":            "full_access",
		"owner_type":             "school",
		"owner_level":            2,
		"owner_eids":             []string{"school_1"},
		"valid_from":             "2023-01-01",
		"valid_to":               "2024-01-01",
		"nof_seats":              -2,
	})
	require.NoError(t, err)

	status, payload := env.do(t, http.MethodPost, "/v1/admin/licenses", token, body)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid payload", payload.Message)

	status, _ = env.do(t, http.MethodPost, "/v1/admin/licenses", token, []byte(`{"valid_from":"01.01.2023"}`))
	require.Equal(t, http.StatusBadRequest, status)
}

func TestAdminListLicensesWithFilters(t *testing.T) {
	env := newTestEnv(t)
	env.seedLicense(t, "full_access", "class", 1, 30, "class_1")
	env.seedLicense(t, "math_only", "class", 1, 30, "class_2")
	env.seedLicense(t, "full_access", "school", 2, 30, "school_1")
	token := env.adminToken(t, map[string]any{})

	status, payload := env.do(t, http.MethodGet, "/v1/admin/licenses?product_eid=full&owner_type=class&is_valid=true", token, nil)
	require.Equal(t, http.StatusOK, status, payload.Message)
	var page dto.PageResponse[dto.LicenseCompleteResponse]
	decodeData(t, payload, &page)
	require.Equal(t, int64(1), page.Total)
	require.Equal(t, []string{"class_1"}, page.Items[0].OwnerEIDs)

	status, payload = env.do(t, http.MethodGet, "/v1/admin/licenses?order_by=-owner_level.id", token, nil)
	require.Equal(t, http.StatusOK, status)
	decodeData(t, payload, &page)
	require.Equal(t, int64(3), page.Total)
	require.Equal(t, "school", page.Items[0].OwnerType)

	status, _ = env.do(t, http.MethodGet, "/v1/admin/licenses?owner_level=high", token, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, payload = env.do(t, http.MethodGet, "/v1/admin/licenses", env.adminToken(t, map[string]any{"owner_type": []any{"class"}}), nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "Filter restrictions are malformed or contain not allowed filter keys", payload.Message)
}

func TestAdminUpdateLicense(t *testing.T) {
	env := newTestEnv(t)
	license := env.seedLicense(t, "full_access", "class", 1, 30, "class_1")
	token := env.adminToken(t, map[string]any{})

	status, payload := env.do(t, http.MethodPut, "/v1/admin/licenses/"+license.UUID.String(), token,
		[]byte(`{"nof_seats": null, "extra_seats": 5, "valid_to": "2030-12-31"}`))
	require.Equal(t, http.StatusOK, status, payload.Message)

	var updated dto.LicenseCompleteResponse
	decodeData(t, payload, &updated)
	require.Equal(t, -1, updated.NofSeats)
	require.Equal(t, 5, updated.ExtraSeats)
	require.Equal(t, "2030-12-31", updated.ValidTo.Format(models.DateLayout))
	require.Equal(t, "teacher_1", updated.ManagerEID)
	require.NotNil(t, updated.UpdatedAt)

	status, _ = env.do(t, http.MethodPut, "/v1/admin/licenses/"+uuid.NewString(), token, []byte(`{"extra_seats": 1}`))
	require.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPut, "/v1/admin/licenses/"+license.UUID.String(), token, []byte(`{"nof_seats": -5}`))
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPut, "/v1/admin/licenses/not-a-uuid", token, []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, status)
}

func TestAdminDeleteLicense(t *testing.T) {
	env := newTestEnv(t)
	license := env.seedLicense(t, "full_access", "class", 1, 30, "class_1")
	token := env.adminToken(t, map[string]any{})

	status, _ := env.do(t, http.MethodDelete, "/v1/admin/licenses/"+license.UUID.String(), token, nil)
	require.Equal(t, http.StatusOK, status)

	status, payload := env.do(t, http.MethodGet, "/v1/admin/licenses/"+license.UUID.String(), token, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, json.RawMessage("null"), payload.Data)

	status, _ = env.do(t, http.MethodDelete, "/v1/admin/licenses/"+license.UUID.String(), token, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestAdminRoutesRequireFilterRestrictions(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "admin", nil)

	status, payload := env.do(t, http.MethodGet, "/v1/admin/licenses", token, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Contains(t, payload.Message, "Token does not contain requested claim")
}
