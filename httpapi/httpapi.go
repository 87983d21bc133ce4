// Package httpapi exposes ProxyService over HTTP using
// github.com/gofiber/fiber/v2, the pack's own Fiber-based example
// (Melihdvn-lighthouse-paas). It replaces elitan-lightform's
// api/project_handler.go + api/domain_handler.go net/http.ServeMux pair,
// keeping their handler-per-operation structure and JSON error-body
// convention while swapping the transport.
package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/luma-run/proxyfleet/accesscontrol"
	"github.com/luma-run/proxyfleet/proxytype"
	"github.com/luma-run/proxyfleet/service"
)

// SpecLookup is the minimal spec registry contract the handlers need.
type SpecLookup interface {
	Get(id string) (proxytype.ProxySpec, bool)
}

// ProxyStore is the minimal store read the handlers need to serve GET.
type ProxyStore interface {
	Get(ctx context.Context, id string) (proxytype.Proxy, bool, error)
}

// Handler wires ProxyService into a Fiber router. AuthFunc extracts the
// caller identity from the request; a nil AuthFunc defaults to an anonymous,
// non-admin caller (suitable only for single-tenant deployments).
type Handler struct {
	Service *service.ProxyService
	Specs   SpecLookup
	Store   ProxyStore
	AuthFunc func(c *fiber.Ctx) *accesscontrol.Auth
}

// Register mounts every route this handler serves onto app.
func (h *Handler) Register(app *fiber.App) {
	app.Post("/proxies/:specId", h.startProxy)
	app.Get("/proxies/:id", h.getProxy)
	app.Delete("/proxies/:id", h.stopProxy)
	app.Post("/proxies/:id/pause", h.pauseProxy)
	app.Post("/proxies/:id/resume", h.resumeProxy)
}

type startRequest struct {
	ProxyID    string            `json:"proxyId"`
	Parameters map[string]string `json:"parameters"`
}

func (h *Handler) startProxy(c *fiber.Ctx) error {
	specID := c.Params("specId")
	spec, ok := h.Specs.Get(specID)
	if !ok {
		return jsonError(c, fiber.StatusNotFound, "unknown spec "+specID)
	}

	var req startRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return jsonError(c, fiber.StatusBadRequest, "invalid request body: "+err.Error())
		}
	}
	if req.ProxyID == "" {
		req.ProxyID = uuid.NewString()
	}

	auth := h.auth(c)
	cmd, err := h.Service.StartProxy(c.Context(), auth, spec, req.ProxyID, service.StartOptions{
		Parameters: req.Parameters,
	})
	if err != nil {
		return mapError(c, err)
	}

	go runDetached(cmd)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"proxyId": req.ProxyID,
		"status":  string(proxytype.StatusNew),
	})
}

func (h *Handler) getProxy(c *fiber.Ctx) error {
	id := c.Params("id")
	p, ok, err := h.Store.Get(c.Context(), id)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}
	if !ok {
		return jsonError(c, fiber.StatusNotFound, "proxy "+id+" not found")
	}
	return c.JSON(p)
}

func (h *Handler) stopProxy(c *fiber.Ctx) error {
	id := c.Params("id")
	p, ok, err := h.Store.Get(c.Context(), id)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}
	if !ok {
		return jsonError(c, fiber.StatusNotFound, "proxy "+id+" not found")
	}

	auth := h.auth(c)
	cmd, err := h.Service.StopProxy(c.Context(), auth, p, false)
	if err != nil {
		return mapError(c, err)
	}
	go runDetached(cmd)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"proxyId": id, "status": string(proxytype.StatusStopping)})
}

func (h *Handler) pauseProxy(c *fiber.Ctx) error {
	id := c.Params("id")
	p, ok, err := h.Store.Get(c.Context(), id)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}
	if !ok {
		return jsonError(c, fiber.StatusNotFound, "proxy "+id+" not found")
	}

	auth := h.auth(c)
	cmd, err := h.Service.PauseProxy(c.Context(), auth, p, false)
	if err != nil {
		return mapError(c, err)
	}
	go runDetached(cmd)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"proxyId": id, "status": string(proxytype.StatusPausing)})
}

func (h *Handler) resumeProxy(c *fiber.Ctx) error {
	id := c.Params("id")
	p, ok, err := h.Store.Get(c.Context(), id)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}
	if !ok {
		return jsonError(c, fiber.StatusNotFound, "proxy "+id+" not found")
	}
	spec, ok := h.Specs.Get(p.SpecID)
	if !ok {
		return jsonError(c, fiber.StatusNotFound, "spec "+p.SpecID+" no longer registered")
	}

	var req startRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return jsonError(c, fiber.StatusBadRequest, "invalid request body: "+err.Error())
		}
	}

	auth := h.auth(c)
	cmd, err := h.Service.ResumeProxy(c.Context(), auth, p, spec, service.StartOptions{Parameters: req.Parameters}, false)
	if err != nil {
		return mapError(c, err)
	}
	go runDetached(cmd)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"proxyId": id, "status": string(proxytype.StatusResuming)})
}

func (h *Handler) auth(c *fiber.Ctx) *accesscontrol.Auth {
	if h.AuthFunc != nil {
		return h.AuthFunc(c)
	}
	return &accesscontrol.Auth{Anonymous: true}
}

// runDetached executes a Command in the background once the HTTP handler
// has already responded with 202 Accepted; the goroutine's own bounded
// timeout stands in for the coarse phase-to-phase deadlines spec.md §5
// describes.
func runDetached(cmd service.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := cmd(ctx); err != nil {
		// Failure is already surfaced via ProxyStartFailedEvent/logging inside
		// the service layer; nothing further to do with it here.
		_ = err
	}
}

func mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, proxytype.ErrAccessDenied):
		return jsonError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, proxytype.ErrInvalidParameters):
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, proxytype.ErrNotSupported):
		return jsonError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, proxytype.ErrIllegalState):
		return jsonError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, proxytype.ErrNotFound):
		return jsonError(c, fiber.StatusNotFound, err.Error())
	default:
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}
}

func jsonError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
