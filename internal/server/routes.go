package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rescale/safedrop/internal/version"
)

func setupRoutes(s *Server) http.Handler {
	r := gin.New()
	r.MaxMultipartMemory = s.cfg.Server.MaxUploadBytes

	r.Use(requestLogger(s.log))
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	{
		v1.GET("/batches", s.listBatches)
		v1.POST("/batches", s.createBatch)
		v1.GET("/batches/:id", s.getBatch)
		v1.DELETE("/batches/:id", s.deleteBatch)
		v1.POST("/batches/:id/decision", s.decide)
		v1.POST("/batches/:id/cancel", s.cancelDecision)
		v1.GET("/batches/:id/events", s.streamEvents)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, APIError{ErrorCode: ErrCodeNotFound, Error: "not found"})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, APIError{ErrorCode: ErrCodeBadRequest, Error: "method not allowed"})
	})

	return r.Handler()
}

func (s *Server) health(c *gin.Context) {
	c.PureJSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        version.Version,
		"backend":        s.uploader.Client().Kind(),
		"dropped_events": s.bus.GetDroppedEventCount(),
	})
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
