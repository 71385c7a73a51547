package api

import (
	"net/http"
	"time"

	"matchvoice/internal/eventbus"

	"github.com/gin-gonic/gin"
)

func NewRouter(queue SignalQueue, reader StatusReader, bus eventbus.EventBus) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())

	// Global health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: formatTime(time.Now()),
		})
	})

	signalHandler := NewSignalHandler(queue)
	statusHandler := NewStatusHandler(reader, bus)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/signals", signalHandler.PostSignal)

		players := v1.Group("/players")
		{
			players.GET("/:id/status", statusHandler.GetPlayerStatus)
		}

		matches := v1.Group("/matches")
		{
			matches.GET("/:id", statusHandler.GetMatch)
			matches.GET("/:id/events", statusHandler.StreamEvents)
		}
	}

	return r
}
