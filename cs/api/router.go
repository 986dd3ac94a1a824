package api

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/********** Router **********/
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.App.Registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		api.POST("/login", s.login)
	}

	auth := api.Group("/")
	auth.Use(s.AuthRequired())
	{
		auth.GET("/system", s.systemInfo)

		auth.GET("/backends", s.listBackends)
		auth.POST("/backends", s.createBackend)
		auth.GET("/backends/:id", s.getBackend)
		auth.PUT("/backends/:id", s.updateBackend)
		auth.DELETE("/backends/:id", s.deleteBackend)
		auth.POST("/backends/:id/active", s.activateBackend)
		auth.PUT("/backends/:id/listening", s.setListening)
		auth.DELETE("/backends/:id/data", s.clearBackendData)

		auth.GET("/stats/summary", s.statsSummary)
		auth.GET("/stats/global", s.statsGlobal)
		auth.GET("/stats/domains", s.statsDomains)
		auth.GET("/stats/ips", s.statsIPs)
		auth.GET("/stats/proxies", s.statsProxies)
		auth.GET("/stats/rules", s.statsRules)
		auth.GET("/stats/rule-proxy", s.statsRuleProxy)
		auth.GET("/stats/countries", s.statsCountries)
		auth.GET("/stats/hourly", s.statsHourly)
		auth.GET("/stats/trend", s.statsTrend)
		auth.GET("/stats/today", s.statsToday)
		auth.GET("/stats/recent", s.statsRecent)
		auth.GET("/stats/top/:dimension", s.statsTop)

		auth.POST("/maintenance/cleanup", s.cleanup)
	}

	ws := r.Group("/ws")
	ws.Use(s.AuthRequired())
	ws.GET("", func(c *gin.Context) { s.App.Hub.ServeWS(c.Writer, c.Request) })

	base := strings.TrimSpace(s.App.Cfg.HTTP.Dist)
	if base != "" {
		r.Static("/assets", filepath.Join(base, "assets"))
		r.StaticFile("/favicon.ico", filepath.Join(base, "favicon.ico"))
	}

	// everything outside /api and /ws falls back to the dashboard's index.html
	r.NoRoute(func(c *gin.Context) {
		p := c.Request.URL.Path
		if base == "" || strings.HasPrefix(p, "/api") || strings.HasPrefix(p, "/ws") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found", "time": time.Now().UnixMilli()})
			return
		}
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead:
			c.Header("Cache-Control", "no-cache")
			c.File(filepath.Join(base, "index.html"))
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "not found", "time": time.Now().UnixMilli()})
		}
	})

	return r
}
