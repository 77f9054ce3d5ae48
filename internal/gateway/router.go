package gateway

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type RouterConfig struct {
	JobHandler *JobHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware())

	r.GET("/healthcheck", HealthCheck)

	v1 := r.Group("/v1")
	{
		if cfg.JobHandler != nil {
			v1.POST("/jobs", cfg.JobHandler.SubmitJob)
			v1.GET("/jobs/:id", cfg.JobHandler.GetJob)
			v1.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
		}
	}

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
	})
}

type Server struct {
	Engine *gin.Engine
}

func NewServer(cfg RouterConfig) *Server {
	return &Server{Engine: NewRouter(cfg)}
}

func (s *Server) Run(address string) error {
	return s.Engine.Run(address)
}
