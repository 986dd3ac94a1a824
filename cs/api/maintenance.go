package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// POST /api/maintenance/cleanup  {backendId?, days}
// days > 0 drops connection logs older than that; days == 0 wipes logs and aggregates.
// Without backendId every backend is cleaned.
func (s *Server) cleanup(c *gin.Context) {
	var req struct {
		BackendID int64 `json:"backendId"`
		Days      *int  `json:"days"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Days == nil || *req.Days < 0 || req.BackendID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be >= 0"})
		return
	}
	ctx := c.Request.Context()
	if req.BackendID > 0 {
		if _, err := s.App.Backends.Get(ctx, req.BackendID); err != nil {
			backendError(c, err)
			return
		}
	}
	res, err := s.App.Store.Cleanup(ctx, req.BackendID, *req.Days)
	if err != nil {
		internalError(c, err)
		return
	}
	s.App.Hub.Broadcast(true)
	c.JSON(http.StatusOK, res)
}
