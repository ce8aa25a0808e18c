package handler

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/licensing-go-api/internal/config"
	"github.com/noah-isme/licensing-go-api/internal/utils"
)

const missingSHA = "NO_GIT_SHA_FILE"

// Pinger reports whether the store answers.
type Pinger interface {
	IsAlive(ctx context.Context) bool
}

// VersionResponse describes the deployed build.
type VersionResponse struct {
	Debug   bool   `json:"debug"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
	Segment string `json:"segment"`
}

// StatusHandler serves liveness, readiness and version information.
type StatusHandler struct {
	pinger  Pinger
	cfg     config.Config
	shaFile string

	shaOnce sync.Once
	sha     string
}

// NewStatusHandler constructs a status handler reading the git sha from shaFile.
func NewStatusHandler(pinger Pinger, cfg config.Config, shaFile string) *StatusHandler {
	if shaFile == "" {
		shaFile = "./SHA.txt"
	}
	return &StatusHandler{pinger: pinger, cfg: cfg, shaFile: shaFile}
}

// Register wires status routes.
func (h *StatusHandler) Register(router fiber.Router) {
	router.Get("/livez", h.livez)
	router.Get("/status", h.status)
	router.Get("/version", h.version)
}

func (h *StatusHandler) livez(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "service alive", fiber.Map{"status": "OK"})
}

func (h *StatusHandler) status(c *fiber.Ctx) error {
	if !h.pinger.IsAlive(c.UserContext()) {
		return utils.SendError(c, fiber.StatusInternalServerError, "Database not reachable")
	}
	return utils.SendSuccess(c, "service healthy", fiber.Map{"status": "OK"})
}

func (h *StatusHandler) version(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "", VersionResponse{
		Debug:   h.cfg.Debug,
		Version: h.cfg.AppVersion,
		GitSHA:  h.gitSHA(),
		Segment: h.cfg.AppSegment,
	})
}

func (h *StatusHandler) gitSHA() string {
	h.shaOnce.Do(func() {
		h.sha = missingSHA
		content, err := os.ReadFile(h.shaFile)
		if err != nil {
			return
		}
		if sha := strings.TrimSpace(string(content)); sha != "" {
			h.sha = sha
		}
	})
	return h.sha
}
