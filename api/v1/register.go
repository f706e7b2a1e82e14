package v1

import (
	"github.com/foresturquhart/searchexport/api/v1/handlers"
	"github.com/foresturquhart/searchexport/tasks"
	"github.com/labstack/echo/v4"
)

func registerExportRoutes(g *echo.Group, svc handlers.Exporter, queue tasks.Client) {
	handler := handlers.NewExportHandler(svc, queue)

	exports := g.Group("/exports")

	exports.POST("", handler.CreateExport)
	exports.GET("", handler.ListExports)
	exports.GET("/:id", handler.GetExport)

	g.GET("/health", handler.Health)
}

func RegisterRoutes(e *echo.Echo, svc handlers.Exporter, queue tasks.Client) {
	group := e.Group("/v1")

	registerExportRoutes(group, svc, queue)
}
