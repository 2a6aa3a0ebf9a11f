package api

func (s *Server) setupRoutes() {
	s.router.GET("/", s.healthHandler.WorkerInfo)
	s.router.GET("/health", s.healthHandler.HealthCheck)

	srcs := s.router.Group("/sources")
	{
		srcs.GET("", s.sourceHandler.ListSources)
		srcs.POST("", s.sourceHandler.AddSource)
		srcs.POST("/start", s.sourceHandler.StartAll)
		srcs.POST("/stop", s.sourceHandler.StopAll)
		srcs.POST("/check", s.sourceHandler.CheckSource)
		srcs.GET("/:id", s.sourceHandler.GetSource)
		srcs.PUT("/:id", s.sourceHandler.UpdateSource)
		srcs.DELETE("/:id", s.sourceHandler.RemoveSource)
		srcs.POST("/:id/start", s.sourceHandler.StartSource)
		srcs.POST("/:id/stop", s.sourceHandler.StopSource)
		srcs.POST("/:id/restart", s.sourceHandler.RestartSource)
		srcs.GET("/:id/slots", s.sourceHandler.GetSlots)
	}

	s.router.GET("/status", s.sourceHandler.GetStatus)
	s.router.POST("/reload", s.sourceHandler.Reload)

	s.router.GET("/metrics", s.metricsHandler.Prometheus)
	s.router.GET("/metrics/snapshot", s.metricsHandler.Snapshot)
	s.router.GET("/events", s.eventsHandler.Stream)

	system := s.router.Group("/system")
	{
		system.GET("/stats", s.systemHandler.GetStats)
	}
}
