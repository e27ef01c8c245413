package management

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/ca"
	"github.com/certmill/certmill/internal/tasks"
)

// HandleTriggerTask runs a named housekeeping job immediately. The runner is
// injected into the context by the common middleware.
func HandleTriggerTask(c echo.Context) error {
	reqLogger := handlerLogger(c, "HandleTriggerTask")

	runner, ok := c.Get("tasks").(*tasks.Runner)
	if !ok || runner == nil {
		reqLogger.Error("Task runner not available in context")
		return echo.NewHTTPError(http.StatusInternalServerError, "Task runner not available")
	}

	name := c.Param("name")
	if err := runner.Trigger(c.Request().Context(), name); err != nil {
		if errors.Is(err, tasks.ErrUnknownJob) {
			return echo.NewHTTPError(http.StatusNotFound, "Unknown task: "+name)
		}
		reqLogger.Error("Task run failed", zap.String("task", name), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Task failed: "+name)
	}

	reqLogger.Info("Task ran on demand", zap.String("task", name))
	return c.JSON(http.StatusOK, map[string]string{"task": name, "status": "completed"})
}

type healthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
	CA      string `json:"ca"`
}

// HandleHealth reports storage reachability and CA readiness. Any degraded
// component turns the response into a 503 so load balancers can act on it.
func HandleHealth(c echo.Context) error {
	store := storeFrom(c)
	caService := c.Get("caService").(ca.CAService)

	resp := healthResponse{Status: "ok", Storage: "ok", CA: "ok"}
	status := http.StatusOK

	if err := store.Ping(c.Request().Context()); err != nil {
		resp.Storage = err.Error()
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if !caService.IsInitialized() {
		resp.CA = "not initialized"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, resp)
}
