package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tillcode/tillgrid/internal/webserver"
	"github.com/tillcode/tillgrid/pkg/metrics"
)

func registerMetricsRoutes() {
	webserver.ApiGET("/metrics/:name", queryMetric)
}

// queryMetric reads one metric series from the embedded store. Defaults to
// the last hour when no range is given.
func queryMetric(c echo.Context) error {
	name := c.Param("name")
	end := time.Now().Unix()
	start := end - 3600
	if v, err := strconv.ParseInt(c.QueryParam("start"), 10, 64); err == nil && v > 0 {
		start = v
	}
	if v, err := strconv.ParseInt(c.QueryParam("end"), 10, 64); err == nil && v > 0 {
		end = v
	}
	if start >= end {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid time range", nil)
	}

	points, err := metrics.Select(name, start, end)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "METRICS_ERROR", "Failed to query metric", err.Error())
	}
	return ok(c, map[string]interface{}{
		"metric":     name,
		"start":      start,
		"end":        end,
		"datapoints": points,
	})
}
