package handler_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/licensing-go-api/internal/config"
	"github.com/noah-isme/licensing-go-api/internal/database"
	"github.com/noah-isme/licensing-go-api/internal/handler"
	"github.com/noah-isme/licensing-go-api/internal/middleware"
	"github.com/noah-isme/licensing-go-api/internal/models"
	"github.com/noah-isme/licensing-go-api/internal/repository"
	"github.com/noah-isme/licensing-go-api/internal/router"
	"github.com/noah-isme/licensing-go-api/internal/service"
	"github.com/noah-isme/licensing-go-api/internal/tokens"
)

const (
	testProvider = "https://hierarchy.example.com"
	testService  = "https://licensing.example.com"
)

type testEnv struct {
	app        *fiber.App
	tx         repository.TransactionManager
	callerKey  *ecdsa.PrivateKey
	licenseKey *ecdsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:handler_%s?mode=memory&cache=shared", name)), database.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.AutoMigrate(db))

	callerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	licenseKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	callerPEM := publicPEM(t, &callerKey.PublicKey)
	keys, err := tokens.NewKeySet(map[string]string{"hierarchy": callerPEM, "admin": callerPEM, "shop": callerPEM})
	require.NoError(t, err)

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	tx := repository.NewTransactionManager(db, repository.Options{})
	licensing := service.NewLicensingService(tx, logger)
	licenses := service.NewLicenseService(tx, validate, 4, logger)
	issuer := tokens.NewIssuer(licenseKey, "licensing", testService, 10*time.Minute)
	pagination := handler.Pagination{DefaultSize: 50, MinSize: 1, MaxSize: 100}
	cfg := config.Config{AppName: "Licensing API", AppVersion: "1.2.3"}

	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		StatusHandler:    handler.NewStatusHandler(licensing, cfg, t.TempDir()+"/SHA.txt"),
		MemberHandler:    handler.NewMemberHandler(licensing, licenses, issuer, validate, pagination, nil, logger),
		HierarchyHandler: handler.NewHierarchyHandler(licensing, licenses, validate, pagination, logger),
		AdminHandler:     handler.NewAdminLicenseHandler(licenses, validate, pagination, logger),
		OrderHandler:     handler.NewOrderHandler(licenses, validate, logger),
		Verifier:         tokens.NewVerifier(keys),
		Logger:           logger,
	})

	return &testEnv{app: app, tx: tx, callerKey: callerKey, licenseKey: licenseKey}
}

func publicPEM(t *testing.T, key *ecdsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func (e *testEnv) token(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := tokens.NewIssuer(e.callerKey, kid, testProvider, time.Minute).Sign(claims)
	require.NoError(t, err)
	return raw
}

// signedBody returns a request body holding value under key together with
// a token whose hashes claim covers it.
func (e *testEnv) signedBody(t *testing.T, subject, key string, value any, extra map[string]any) (string, []byte) {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	digests, err := tokens.PayloadDigests(raw)
	require.NoError(t, err)

	body := map[string]any{key: json.RawMessage(raw)}
	for field, fieldValue := range extra {
		body[field] = fieldValue
	}
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	token := e.token(t, "hierarchy", jwt.MapClaims{
		"sub":    subject,
		"hashes": map[string]any{key: map[string]any{"alg": "SHA256", "hash": digests[0]}},
	})
	return token, encoded
}

func (e *testEnv) adminToken(t *testing.T, restrictions any) string {
	t.Helper()
	return e.token(t, "admin", jwt.MapClaims{"sub": "admin_1", "filter_restrictions": restrictions})
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body []byte) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &payload), string(raw))
	return resp.StatusCode, payload
}

func decodeData(t *testing.T, payload envelope, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(payload.Data, target))
}

func today() time.Time {
	return models.DateOf(time.Now())
}

func (e *testEnv) seedLicense(t *testing.T, product, ownerType string, level, nofSeats int, owners ...string) models.License {
	t.Helper()
	license := models.License{
		UUID:                 uuid.New(),
		HierarchyProviderURI: testProvider,
		ProductEID:           product,
		ManagerEID:           "teacher_1",
		OwnerType:            ownerType,
		OwnerLevel:           level,
		OwnerEIDs:            owners,
		ValidFrom:            today().AddDate(0, -1, 0),
		ValidTo:              today().AddDate(1, 0, 0),
		NofSeats:             nofSeats,
	}
	ctx := context.Background()
	require.NoError(t, e.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		return repo.CreateLicense(ctx, license)
	}))
	return license
}

func memberships(eids ...string) []map[string]any {
	result := make([]map[string]any, 0, len(eids))
	for _, eid := range eids {
		result = append(result, map[string]any{"type": "class", "eid": eid, "level": "1", "name": "Class " + eid})
	}
	return result
}
