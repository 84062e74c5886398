package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/avcorpus/internal/api/handler"
	"github.com/timmy/avcorpus/internal/api/middleware"
	"github.com/timmy/avcorpus/internal/repository"
)

// Deps are the read-only collaborators of the status API.
type Deps struct {
	Items *repository.ItemStateRepository
	Runs  *repository.RunRepository
	Ping  handler.Pinger
	CORS  middleware.CORSConfig
}

// SetupRouter configures the Gin router with all routes. Every route is read
// only; the API never changes item state.
func SetupRouter(deps Deps, mode string) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORS(deps.CORS))

	healthHandler := handler.NewHealthHandler(deps.Ping)
	progressHandler := handler.NewProgressHandler(deps.Items, deps.Runs)
	itemHandler := handler.NewItemHandler(deps.Items)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/progress", progressHandler.GetProgress)
		v1.GET("/runs", progressHandler.ListRuns)

		v1.GET("/items", itemHandler.ListItems)
		v1.GET("/items/:id", itemHandler.GetItem)
	}

	return r
}
