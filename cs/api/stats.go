package api

import (
	"errors"
	"net/http"

	"clashstats/cs/db/dao"
	"clashstats/cs/model"

	"github.com/gin-gonic/gin"
)

// Every /stats endpoint reads ?backendId=, defaulting to the active backend.

func (s *Server) statsSummary(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	sum, err := s.App.Store.StatsSummary(c.Request.Context(), b)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) statsGlobal(c *gin.Context) {
	sum, err := s.App.Store.GlobalSummary(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) statsDomains(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	list, err := s.App.Store.TopDomains(c.Request.Context(), b.Id, queryInt(c, "limit", dao.DefaultTopLimit))
	respond(c, list, err)
}

func (s *Server) statsIPs(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	list, err := s.App.Store.TopIPs(c.Request.Context(), b.Id, queryInt(c, "limit", dao.DefaultTopLimit))
	respond(c, list, err)
}

func (s *Server) statsProxies(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	list, err := s.App.Store.ProxyStats(c.Request.Context(), b.Id)
	respond(c, list, err)
}

func (s *Server) statsRules(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	list, err := s.App.Store.RuleStats(c.Request.Context(), b.Id)
	respond(c, list, err)
}

func (s *Server) statsRuleProxy(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	list, err := s.App.Store.RuleProxyMap(c.Request.Context(), b.Id)
	respond(c, list, err)
}

func (s *Server) statsCountries(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	list, err := s.App.Store.CountryStats(c.Request.Context(), b.Id, queryInt(c, "limit", 50))
	respond(c, list, err)
}

func (s *Server) statsHourly(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	list, err := s.App.Store.HourlyStats(c.Request.Context(), b.Id, queryInt(c, "hours", dao.DefaultHourlyLimit))
	respond(c, list, err)
}

// GET /api/stats/trend?minutes=30&bucket=1
func (s *Server) statsTrend(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	list, err := s.App.Store.TrafficTrend(c.Request.Context(), b.Id, queryInt(c, "minutes", 30), queryInt(c, "bucket", 1))
	respond(c, list, err)
}

func (s *Server) statsToday(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	up, down, err := s.App.Store.TodayTraffic(c.Request.Context(), b.Id)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": up, "download": down})
}

func (s *Server) statsRecent(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	list, err := s.App.Store.RecentLogs(c.Request.Context(), b.Id, queryInt(c, "limit", dao.DefaultTopLimit))
	respond(c, list, err)
}

// GET /api/stats/top/:dimension  raw totals of any dimension
func (s *Server) statsTop(c *gin.Context) {
	b, ok := s.targetBackend(c)
	if !ok {
		return
	}
	dim := model.Dimension(c.Param("dimension"))
	list, err := s.App.Store.QueryTop(c.Request.Context(), dim, b.Id, queryInt(c, "limit", dao.DefaultTopLimit))
	if errors.Is(err, dao.ErrUnknownDimension) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respond(c, list, err)
}

func respond[T any](c *gin.Context, list []T, err error) {
	if err != nil {
		internalError(c, err)
		return
	}
	if list == nil {
		list = []T{}
	}
	c.JSON(http.StatusOK, list)
}
