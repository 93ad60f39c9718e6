package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/reeloly/sandboxd/internal/common/logger"
)

func TestMiddlewarePassThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(OtelTracing("test", "X-User-Id"), RequestLogger(logger.NewNop(), "test"))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusTeapot, "x") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "x", w.Body.String())
}

func TestErrorCodeReachesLaterMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var seen string
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Next()
		seen = ErrorCode(c)
	})
	r.Use(OtelTracing("test", "X-User-Id"))
	r.GET("/fail", func(c *gin.Context) {
		SetErrorCode(c, "no_environment")
		c.Status(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/fail?projectId=p1", nil)
	req.Header.Set("X-User-Id", "u1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_environment", seen)
}
