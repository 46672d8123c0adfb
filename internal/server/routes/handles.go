package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediacache/internal/fetch"
	"github.com/any-hub/mediacache/internal/logging"
	"github.com/any-hub/mediacache/internal/media"
	"github.com/any-hub/mediacache/internal/server"
)

type openRequest struct {
	Locator string            `json:"locator"`
	Headers map[string]string `json:"headers"`
}

type openResponse struct {
	Key         string `json:"key"`
	Locator     string `json:"locator"`
	PlaybackURL string `json:"playback_url"`
	GatewayURL  string `json:"gateway_url"`
	CacheHit    bool   `json:"cache_hit"`
	Path        string `json:"path"`
}

// RegisterHandleRoutes 暴露 /-/open 与 /-/handles 控制接口，供播放器注册资源与运维排查。
func RegisterHandleRoutes(app *fiber.App, manager *media.Manager, logger *logrus.Logger) {
	if app == nil || manager == nil {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}

	app.Post("/-/open", func(c fiber.Ctx) error {
		var req openRequest
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		if strings.TrimSpace(req.Locator) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "locator_required"})
		}

		var opts []media.HandleOption
		if len(req.Headers) > 0 {
			opts = append(opts, media.WithHeaders(fetch.HeaderFromMap(req.Headers)))
		}
		h, err := manager.Open(req.Locator, opts...)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "open",
				"request_id": server.RequestID(c),
			}).WithError(err).Warn("open handle failed")
			var fatal *media.FatalConfigError
			if errors.As(err, &fatal) && errors.Is(err, media.ErrUnsupportedLocator) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unsupported_locator"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
		}

		logger.WithFields(logging.RequestFields(h.Key(), c.Method(), "", server.RequestID(c), h.IsCacheHit())).
			WithField("action", "open").
			Info("handle opened")
		return c.JSON(openResponse{
			Key:         h.Key(),
			Locator:     h.Locator(),
			PlaybackURL: h.PlaybackURL(),
			GatewayURL:  c.BaseURL() + server.StreamPath(h.Key()),
			CacheHit:    h.IsCacheHit(),
			Path:        h.Path(),
		})
	})

	app.Get("/-/handles", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"cache_dir": manager.CacheDir(),
			"handles":   manager.List(),
		})
	})

	app.Post("/-/handles/:key/download", func(c fiber.Ctx) error {
		h, err := lookup(manager, c)
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "handle_unknown"})
		}
		if err := h.Download(); err != nil {
			switch {
			case errors.Is(err, media.ErrMisuse):
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "cache_hit"})
			case errors.Is(err, media.ErrInvalidated):
				return c.Status(fiber.StatusGone).JSON(fiber.Map{"error": "handle_invalidated"})
			default:
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
			}
		}
		return c.Status(fiber.StatusAccepted).JSON(h.Info())
	})

	app.Delete("/-/handles/:key", func(c fiber.Ctx) error {
		h, err := lookup(manager, c)
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "handle_unknown"})
		}
		h.CancelAndInvalidate()
		if fiber.Query[bool](c, "purge") {
			if err := manager.Purge(c.Context(), h.Locator()); err != nil {
				logger.WithFields(logrus.Fields{
					"action":     "purge",
					"cache_key":  h.Key(),
					"request_id": server.RequestID(c),
				}).WithError(err).Warn("purge cache entry failed")
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "purge_failed"})
			}
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func lookup(manager *media.Manager, c fiber.Ctx) (*media.Handle, error) {
	key := strings.ToLower(strings.TrimSpace(c.Params("key")))
	return manager.Lookup(key)
}
