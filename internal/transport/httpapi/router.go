package httpapi

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	logx "pricewatch/pkg/logx"
)

func newRouter(cfg Config, h *Handler, log logx.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log))

	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1", bearerAuth(cfg.Token))
	{
		items := v1.Group("/items")
		items.POST("/:id/check", h.CheckNow)
		items.GET("/:id/history", h.History)
		items.DELETE("/:id", h.Untrack)
	}

	if cfg.Pprof {
		r.GET("/debug/pprof/*name", bearerAuth(cfg.Token), pprofHandler)
	}
	return r
}

func pprofHandler(c *gin.Context) {
	switch name := strings.Trim(c.Param("name"), "/"); name {
	case "":
		pprof.Index(c.Writer, c.Request)
	case "cmdline":
		pprof.Cmdline(c.Writer, c.Request)
	case "profile":
		pprof.Profile(c.Writer, c.Request)
	case "symbol":
		pprof.Symbol(c.Writer, c.Request)
	case "trace":
		pprof.Trace(c.Writer, c.Request)
	default:
		pprof.Handler(name).ServeHTTP(c.Writer, c.Request)
	}
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
			got = strings.TrimSpace(got)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}
