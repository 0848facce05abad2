package router

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/delivery-frames/internal/api/handlers/composite"
	"github.com/aliskhannn/delivery-frames/internal/api/handlers/delivery"
	"github.com/aliskhannn/delivery-frames/internal/middleware"
)

func Setup(dh *delivery.Handler, ch *composite.Handler, allowedOrigins ...string) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware(allowedOrigins...))
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	metrics := promhttp.Handler()
	r.GET("/metrics", func(c *ginext.Context) { metrics.ServeHTTP(c.Writer, c.Request) })

	api := r.Group("/api")

	api.POST("/deliveries", dh.Create)                               // accepting a delivery photo
	api.GET("/deliveries/:id", dh.Get)                               // getting a delivery with its share link
	api.POST("/deliveries/:id/frames/:frameId/retry", dh.RetryFrame) // retrying a single frame
	api.GET("/frames", dh.Frames)                                    // listing frames of a vehicle model
	api.GET("/uploads/status", dh.UploadStatus)                      // upload queue snapshot
	api.POST("/composite", ch.Composite)                             // remote compositing fallback

	return r
}
