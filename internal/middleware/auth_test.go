package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func setupRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(BearerToken(token))
	r.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		header string
		path   string
		code   int
	}{
		{"disabled", "", "", "/status", http.StatusOK},
		{"missing", "s3cret", "", "/status", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "Basic s3cret", "/status", http.StatusUnauthorized},
		{"wrong token", "s3cret", "Bearer nope", "/status", http.StatusUnauthorized},
		{"valid", "s3cret", "Bearer s3cret", "/status", http.StatusOK},
		{"query token", "s3cret", "", "/status?token=s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			setupRouter(tc.token).ServeHTTP(rec, req)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}
