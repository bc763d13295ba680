package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/gender-api/internal/auth"
	"github.com/example/gender-api/internal/imageprocessor"
	"github.com/example/gender-api/internal/logging"
	"github.com/example/gender-api/internal/usecase"
)

const (
	genericFailureMessage = "Failed to process image. Please try again."

	// bodySlack covers the data URL prefix, JSON framing and line breaks.
	bodySlack = 1 << 20
)

// RouterConfig carries the settings the HTTP layer needs.
type RouterConfig struct {
	AllowedOrigins []string
	MaxImageBytes  int
	Auth           gin.HandlerFunc
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(uc *usecase.ClassificationUseCase, logger *zap.Logger, rc RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), AccessLog(logger), Recovery(logger), cors.New(corsConfig(rc.AllowedOrigins)))

	authMiddleware := rc.Auth
	if authMiddleware == nil {
		authMiddleware = auth.JWTMiddleware("", "")
	}
	RegisterRoutes(router, NewHandler(uc, logger, rc.MaxImageBytes), authMiddleware)
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:              []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:              []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
		ExposeHeaders:             []string{requestIDHeader},
		MaxAge:                    10 * time.Minute,
		OptionsResponseStatusCode: http.StatusOK,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

// Handler serves the classification endpoints.
type Handler struct {
	uc           *usecase.ClassificationUseCase
	logger       *zap.Logger
	maxImage     int
	maxBodyBytes int64
}

func NewHandler(uc *usecase.ClassificationUseCase, logger *zap.Logger, maxImageBytes int) *Handler {
	return &Handler{
		uc:           uc,
		logger:       logger.Named("handlers"),
		maxImage:     maxImageBytes,
		maxBodyBytes: int64(base64.StdEncoding.EncodedLen(maxImageBytes)) + bodySlack,
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.OPTIONS("/classify", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	protected := router.Group("/", authMiddleware)
	protected.POST("/classify", h.Classify)
	protected.GET("/results/:id", h.GetResult)
	protected.GET("/metrics", h.Metrics)
}

// classifyRequest keeps the raw field so an explicit null can be told apart
// from a missing key.
type classifyRequest struct {
	Image json.RawMessage `json:"image"`
}

func errorBody(message string) gin.H {
	return gin.H{"success": false, "error": message}
}

// Health reports liveness and whether a real classifier backend is serving.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"ml_libs_available": h.uc.Available(c.Request.Context()),
	})
}

// Classify accepts {"image": "<base64 or data URL>"} and returns the label.
func (h *Handler) Classify(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	if !isJSON(c.ContentType()) {
		c.JSON(http.StatusBadRequest, errorBody("Request must be JSON"))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(bindErrorMessage(err, h.maxImage)))
		return
	}
	if req.Image == nil {
		c.JSON(http.StatusBadRequest, errorBody("Image data is required"))
		return
	}
	var image string
	if err := json.Unmarshal(req.Image, &image); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("Image data must be a string"))
		return
	}
	clear(req.Image)
	req.Image = nil
	if image == "" {
		c.JSON(http.StatusBadRequest, errorBody("Image data cannot be empty"))
		return
	}

	userID, _ := auth.GetUserID(c.Request.Context())
	result, err := h.uc.Classify(c.Request.Context(), usecase.ClassifyRequest{
		RequestID: requestIDFrom(c),
		UserID:    userID,
		Image:     image,
	})
	if err != nil {
		var inputErr *usecase.InputError
		if errors.As(err, &inputErr) {
			c.JSON(http.StatusBadRequest, errorBody(inputErr.Error()))
			return
		}
		h.logger.Error("classification error", append(logging.ErrorFields(err), zap.String("request_id", requestIDFrom(c)))...)
		c.JSON(http.StatusInternalServerError, errorBody(genericFailureMessage))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"gender":     result.Gender,
		"confidence": result.Confidence,
		"request_id": result.RequestID,
	})
}

// GetResult returns a previously recorded classification.
func (h *Handler) GetResult(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	log, err := h.uc.GetResult(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, usecase.ErrResultNotFound) || errors.Is(err, usecase.ErrHistoryDisabled) {
			c.JSON(http.StatusNotFound, errorBody("Result not found"))
			return
		}
		h.logger.Error("result lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("Failed to load result"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"request_id": log.RequestID,
		"gender":     log.Gender,
		"confidence": log.Confidence,
		"backend":    log.Backend,
		"latency_ms": log.LatencyMs,
		"created_at": log.CreatedAt,
	})
}

// Metrics returns aggregate counts over recorded classifications.
func (h *Handler) Metrics(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		if errors.Is(err, usecase.ErrHistoryDisabled) {
			c.JSON(http.StatusNotFound, errorBody("Result history is disabled"))
			return
		}
		h.logger.Error("metrics aggregation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("Failed to load metrics"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "metrics": summary})
}

func isJSON(contentType string) bool {
	contentType = strings.ToLower(contentType)
	return contentType == "application/json" ||
		(strings.HasPrefix(contentType, "application/") && strings.HasSuffix(contentType, "+json"))
}

func bindErrorMessage(err error, maxImageBytes int) string {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return imageprocessor.TooLargeError(maxImageBytes).Error()
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field == "image" {
		return "Image data must be a string"
	}
	return "Invalid JSON body"
}
