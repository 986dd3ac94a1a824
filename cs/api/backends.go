package api

import (
	"errors"
	"net/http"

	"clashstats/cs/db/dao"
	"clashstats/cs/model"

	"github.com/gin-gonic/gin"
)

// backendView never echoes the bearer token back.
type backendView struct {
	model.Backend
	HasToken bool `json:"hasToken"`
}

func viewOf(b model.Backend) backendView {
	v := backendView{Backend: b, HasToken: b.Token != ""}
	v.Token = ""
	return v
}

func backendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dao.ErrBackendNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, dao.ErrInvalidBackend):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		internalError(c, err)
	}
}

// GET /api/backends
func (s *Server) listBackends(c *gin.Context) {
	list, err := s.App.Backends.List(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	out := make([]backendView, 0, len(list))
	for _, b := range list {
		out = append(out, viewOf(b))
	}
	c.JSON(http.StatusOK, gin.H{"list": out, "total": len(out), "running": s.App.Manager.Running()})
}

// GET /api/backends/:id
func (s *Server) getBackend(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	b, err := s.App.Backends.Get(c.Request.Context(), id)
	if err != nil {
		backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(*b))
}

// POST /api/backends  {name,url,token,enabled?,listening?}
func (s *Server) createBackend(c *gin.Context) {
	var req struct {
		Name      string `json:"name"`
		URL       string `json:"url"`
		Token     string `json:"token"`
		Enabled   *bool  `json:"enabled"`
		Listening *bool  `json:"listening"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b := &model.Backend{Name: req.Name, URL: req.URL, Token: req.Token, Enabled: true, Listening: true}
	if req.Enabled != nil {
		b.Enabled = *req.Enabled
	}
	if req.Listening != nil {
		b.Listening = *req.Listening
	}
	ctx := c.Request.Context()
	if err := s.App.Backends.Create(ctx, b); err != nil {
		backendError(c, err)
		return
	}
	apiLog.Infof("backend %d created: %s -> %s", b.Id, b.Name, b.URL)
	s.App.Resync(ctx)
	c.JSON(http.StatusCreated, viewOf(*b))
}

// PUT /api/backends/:id  partial update
func (s *Server) updateBackend(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var p dao.BackendPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	b, err := s.App.Backends.Update(ctx, id, p)
	if err != nil {
		backendError(c, err)
		return
	}
	s.App.Resync(ctx)
	s.App.Hub.Broadcast(true)
	c.JSON(http.StatusOK, viewOf(*b))
}

// DELETE /api/backends/:id  drops the backend and everything it collected
func (s *Server) deleteBackend(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.App.Backends.Delete(ctx, id); err != nil {
		backendError(c, err)
		return
	}
	apiLog.Infof("backend %d deleted", id)
	s.App.Resync(ctx)
	s.App.Metrics.Forget(id)
	s.App.Hub.Broadcast(true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /api/backends/:id/active
func (s *Server) activateBackend(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := s.App.Backends.SetActive(c.Request.Context(), id); err != nil {
		backendError(c, err)
		return
	}
	// subscribers following the active backend switch right away
	s.App.Hub.Broadcast(true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PUT /api/backends/:id/listening  {listening}
func (s *Server) setListening(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req struct {
		Listening *bool `json:"listening"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Listening == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "listening required"})
		return
	}
	ctx := c.Request.Context()
	if err := s.App.Backends.SetListening(ctx, id, *req.Listening); err != nil {
		backendError(c, err)
		return
	}
	s.App.Resync(ctx)
	c.JSON(http.StatusOK, gin.H{"ok": true, "listening": *req.Listening})
}

// DELETE /api/backends/:id/data  keeps the backend, wipes its statistics
func (s *Server) clearBackendData(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.App.Backends.Get(ctx, id); err != nil {
		backendError(c, err)
		return
	}
	res, err := s.App.Store.Cleanup(ctx, id, 0)
	if err != nil {
		internalError(c, err)
		return
	}
	s.App.Metrics.Forget(id)
	s.App.Hub.Broadcast(true)
	c.JSON(http.StatusOK, res)
}
