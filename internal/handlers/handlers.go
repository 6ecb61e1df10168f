package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/flower-id/internal/auth"
	"github.com/example/flower-id/internal/session"
	"github.com/example/flower-id/internal/workflow"
)

// MaxUploadSize caps a single uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and headers around the image.
const multipartOverhead = 1 << 20

var allowedImageTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/heic",
	"image/heif",
}

type eventRequest struct {
	Type string `json:"type" binding:"required"`
}

type api struct {
	registry *session.Registry
	logger   *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. authMiddleware
// guards every session route.
func RegisterRoutes(router *gin.Engine, registry *session.Registry, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	a := &api{registry: registry, logger: logger.Named("handlers")}

	router.GET("/health", a.health)

	sessions := router.Group("/sessions", authMiddleware)
	sessions.POST("", a.createSession)
	sessions.GET("/:id", a.getSession)
	sessions.DELETE("/:id", a.deleteSession)
	sessions.POST("/:id/events", a.postEvent)
	sessions.POST("/:id/image", a.postImage)
	sessions.GET("/:id/reference", a.getReference)
	sessions.GET("/:id/ws", a.stream)
}

func (a *api) health(c *gin.Context) {
	classifierStatus := "available"
	if !a.registry.ClassifierAvailable() {
		classifierStatus = "unavailable"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"classifier": classifierStatus,
		"sessions":   a.registry.Len(),
	})
}

func (a *api) createSession(c *gin.Context) {
	s := a.registry.Create(auth.Owner(c.Request.Context()))
	c.JSON(http.StatusCreated, s.State())
}

func (a *api) getSession(c *gin.Context) {
	s, ok := a.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.State())
}

func (a *api) deleteSession(c *gin.Context) {
	if err := a.registry.Close(c.Param("id"), auth.Owner(c.Request.Context())); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) postEvent(c *gin.Context) {
	s, ok := a.lookupSession(c)
	if !ok {
		return
	}

	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	ev, known := workflow.ParseEvent(req.Type)
	if !known {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type"})
		return
	}

	if err := s.Dispatch(ev); err != nil {
		a.dispatchFailed(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": s.ID(), "event": req.Type})
}

func (a *api) postImage(c *gin.Context) {
	s, ok := a.lookupSession(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	detected := mimetype.Detect(data)
	if !mimetype.EqualsAny(detected.String(), allowedImageTypes...) {
		a.logger.Info("unsupported upload rejected",
			zap.String("session_id", s.ID()),
			zap.String("detected_type", detected.String()),
			zap.String("declared_type", file.Header.Get("Content-Type")),
		)
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return
	}

	if err := s.Dispatch(workflow.ImageAcquired{Image: data}); err != nil {
		a.dispatchFailed(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"session_id": s.ID(),
		"image_type": detected.String(),
		"bytes":      len(data),
	})
}

func (a *api) getReference(c *gin.Context) {
	s, ok := a.lookupSession(c)
	if !ok {
		return
	}

	state := s.State()
	if state.Phase != workflow.PhaseFound || state.ReferenceURL == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "no reference available", "phase": state.Phase})
		return
	}
	if c.Query("format") == "json" {
		c.JSON(http.StatusOK, gin.H{"page_id": state.PageID, "url": state.ReferenceURL})
		return
	}
	c.Redirect(http.StatusFound, state.ReferenceURL)
}

func (a *api) lookupSession(c *gin.Context) (*session.Session, bool) {
	s, err := a.registry.Get(c.Param("id"), auth.Owner(c.Request.Context()))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return s, true
}

func (a *api) dispatchFailed(c *gin.Context, err error) {
	if errors.Is(err, workflow.ErrClosed) {
		c.JSON(http.StatusGone, gin.H{"error": "session closed"})
		return
	}
	a.logger.Error("dispatch failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to deliver event"})
}
