// router.go - Route table and CORS

package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	JWTSecret      []byte
	AllowedOrigins []string
}

// NewRouter builds the gin engine with health, CORS and the authenticated
// reprocessing route.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowedOrigins) == 0 || (len(opts.AllowedOrigins) == 1 && opts.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.MaxAge = 24 * time.Hour
	router.Use(cors.New(corsConfig))

	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	v1.Use(JWTAuth(opts.JWTSecret))
	{
		v1.POST("/donations/:id/process", h.ProcessDonation)
	}

	return router
}
