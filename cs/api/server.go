package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"clashstats/cs/app"
	"clashstats/cs/common/logx"
	"clashstats/cs/db/dao"
	"clashstats/cs/model"

	"github.com/gin-gonic/gin"
)

var apiLog = logx.New(logx.WithPrefix("api"))

type Server struct {
	App    *app.App
	sys    *SysMonitor
	secret []byte
}

func New(a *app.App) *Server {
	return &Server{App: a, sys: NewSysMonitor(), secret: jwtSecret(a.Cfg.Admin.JWTSecret)}
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(c.Query(name)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// targetBackend resolves ?backendId=N, falling back to the active backend.
// It answers the request itself when nothing can be resolved.
func (s *Server) targetBackend(c *gin.Context) (*model.Backend, bool) {
	var (
		b   *model.Backend
		err error
	)
	if raw := strings.TrimSpace(c.Query("backendId")); raw != "" {
		id, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid backendId"})
			return nil, false
		}
		b, err = s.App.Backends.Get(c.Request.Context(), id)
	} else {
		b, err = s.App.Backends.Active(c.Request.Context())
	}
	if errors.Is(err, dao.ErrBackendNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No backend available"})
		return nil, false
	}
	if err != nil {
		internalError(c, err)
		return nil, false
	}
	return b, true
}

func internalError(c *gin.Context, err error) {
	apiLog.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
