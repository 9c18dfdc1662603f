package handler

import (
	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	Modules     *ModuleHandler
	Collections *CollectionHandler
	Imports     *ImportHandler
	Jobs        *JobHandler
	Search      *SearchHandler
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/modules/:id", deps.Modules.Get)
	api.GET("/modules/:id/versions", deps.Modules.ListVersions)
	api.GET("/modules/:id/versions/:version", deps.Modules.GetVersion)

	api.GET("/collections/:id", deps.Collections.Get)
	api.GET("/collections/:id/versions/:version", deps.Collections.GetVersion)

	api.POST("/imports", deps.Imports.Create)
	api.POST("/imports/:id/resources", deps.Imports.AddResources)
	api.POST("/imports/:id/confirm", deps.Imports.Confirm)
	api.GET("/imports/:id", deps.Imports.Status)

	api.GET("/jobs/:id", deps.Jobs.Get)
	api.GET("/jobs/:id/logs", deps.Jobs.Logs)
	api.GET("/jobs/:id/children", deps.Jobs.Children)
	api.GET("/jobs/:id/tasks", deps.Jobs.Tasks)
	api.POST("/jobs/:id/stop", deps.Jobs.Stop)

	api.GET("/search", deps.Search.Search)
}
