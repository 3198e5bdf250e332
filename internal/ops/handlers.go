package ops

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/driftworks/cascade/internal/queue"
	"github.com/driftworks/cascade/internal/settings"
	"github.com/driftworks/cascade/pkg/logging"
)

// Dependencies carries everything the operator API needs.
type Dependencies struct {
	Logger   logging.Logger
	Tasks    queue.Store
	Settings settings.Store
}

// RegisterRoutes mounts the operator endpoints under /api.
func RegisterRoutes(router gin.IRouter, deps Dependencies) {
	api := router.Group("/api")

	api.GET("/queue/depth", queueDepth(deps))
	api.GET("/tasks/:id", getTask(deps))
	api.POST("/tasks/:id/retry", retryTask(deps))
	api.POST("/tasks/:id/abandon", abandonTask(deps))
	api.GET("/settings", listSettings(deps))
	api.PUT("/settings/:key", putSetting(deps))
}

func queueDepth(deps Dependencies) gin.HandlerFunc {
	types := []string{queue.TypeProduce, queue.TypePublish, queue.TypeMeasure}
	return func(c *gin.Context) {
		depths := make(map[string]int, len(types))
		total := 0
		for _, taskType := range types {
			n, err := deps.Tasks.CountPending(c.Request.Context(), taskType)
			if err != nil {
				deps.Logger.WithError(err).Error("Failed to count pending tasks")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count pending tasks"})
				return
			}
			depths[taskType] = n
			total += n
		}
		c.JSON(http.StatusOK, gin.H{"depths": depths, "total": total})
	}
}

func getTask(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := taskID(c)
		if !ok {
			return
		}
		task, err := deps.Tasks.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, task)
	}
}

func retryTask(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := taskID(c)
		if !ok {
			return
		}
		if err := deps.Tasks.ForceRetry(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		deps.Logger.WithField("task_id", id).Info("Task force-retried by operator")
		c.JSON(http.StatusOK, gin.H{"status": "pending", "task_id": id})
	}
}

func abandonTask(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := taskID(c)
		if !ok {
			return
		}
		if err := deps.Tasks.ForceAbandon(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		deps.Logger.WithField("task_id", id).Info("Task abandoned by operator")
		c.JSON(http.StatusOK, gin.H{"status": "failed_permanent", "task_id": id})
	}
}

func listSettings(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		values, err := deps.Settings.Load(c.Request.Context())
		if err != nil {
			deps.Logger.WithError(err).Error("Failed to load settings")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load settings"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"settings": values})
	}
}

func putSetting(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.Param("key"))
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "setting key is required"})
			return
		}

		var value json.RawMessage
		if err := c.ShouldBindJSON(&value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be valid JSON"})
			return
		}

		if err := deps.Settings.Set(c.Request.Context(), key, value); err != nil {
			deps.Logger.WithError(err).Error("Failed to save setting")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save setting"})
			return
		}
		deps.Logger.WithField("setting_key", key).Info("Setting updated by operator")
		c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
	}
}

func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id must be a positive integer"})
		return 0, false
	}
	return id, true
}
