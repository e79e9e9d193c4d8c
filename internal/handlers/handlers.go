package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/example/livecapture/internal/camera"
	"github.com/example/livecapture/internal/capture"
	"github.com/example/livecapture/internal/usecase"
	"github.com/example/livecapture/internal/verifier"
)

var validate = validator.New()

// StartAttemptRequest is the intake payload for a new capture attempt.
type StartAttemptRequest struct {
	Identifier string `json:"identifier" validate:"required,len=16,numeric"`
	Method     string `json:"method" validate:"required,oneof=passive active"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.AttemptUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := router.Group("/", authMiddleware)

	authed.POST("/attempts", func(c *gin.Context) {
		var req StartAttemptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "identifier must be 16 digits and method passive or active"})
			return
		}

		attemptID, err := uc.StartAttempt(c.Request.Context(), req.Identifier, verifier.Method(req.Method))
		if err != nil {
			c.JSON(startErrorStatus(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"attempt_id": attemptID,
			"state":      capture.StateCameraActive,
		})
	})

	authed.GET("/attempts/current", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.CurrentAttempt())
	})

	authed.POST("/attempts/current/confirm", func(c *gin.Context) {
		if err := uc.ConfirmAttempt(); err != nil {
			status := http.StatusConflict
			if errors.Is(err, capture.ErrNotEligible) {
				status = http.StatusPreconditionFailed
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": capture.StateCapturing})
	})

	authed.POST("/attempts/current/reset", func(c *gin.Context) {
		uc.ResetAttempt()
		c.JSON(http.StatusOK, gin.H{"state": capture.StateInput})
	})

	authed.GET("/results/:id", func(c *gin.Context) {
		attemptID := c.Param("id")
		log, err := uc.GetResult(c.Request.Context(), attemptID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"attempt_id":     log.AttemptID,
			"identifier":     log.Identifier,
			"method":         log.Method,
			"is_live":        log.IsLive,
			"confidence":     log.Confidence,
			"face_image_ref": log.FaceImageRef,
			"failure_reason": log.FailureReason,
			"error_code":     log.ErrorCode,
			"frame_count":    log.FrameCount,
			"created_at":     log.CreatedAt,
		})
	})

	authed.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidIdentifier), errors.Is(err, capture.ErrInvalidMethod):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrAttemptInProgress):
		return http.StatusConflict
	case errors.Is(err, camera.ErrPermissionDenied), errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
