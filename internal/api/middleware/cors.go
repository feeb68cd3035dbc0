package middleware

import (
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSConfig defines CORS configuration options. AllowOriginPatterns are
// doublestar patterns matched against the request origin; extension pages
// (chrome-extension://, moz-extension://) are always allowed since they are
// the primary callers.
type CORSConfig struct {
	AllowOriginPatterns []string
	AllowMethods        []string
	AllowHeaders        []string
	AllowCredentials    bool
	MaxAge              time.Duration
}

// DefaultCORSConfig returns production-ready CORS configuration.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOriginPatterns: []string{"https://*.nymai.app"},
		AllowMethods:        []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"Authorization",
			"Accept",
			"Origin",
			"Cache-Control",
			"X-Requested-With",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
}

// CORS creates a CORS middleware with the provided configuration.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if strings.HasPrefix(origin, "chrome-extension://") ||
				strings.HasPrefix(origin, "moz-extension://") {
				return true
			}
			for _, pattern := range cfg.AllowOriginPatterns {
				if ok, err := doublestar.Match(pattern, origin); err == nil && ok {
					return true
				}
			}
			return false
		},
		AllowMethods:     cfg.AllowMethods,
		AllowHeaders:     cfg.AllowHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})
}
