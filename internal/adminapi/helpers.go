package adminapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/tillcode/tillgrid/internal/app"
	"github.com/tillcode/tillgrid/internal/webserver"
	"gorm.io/gorm"
)

// Init registers all API routes. Must run after webserver.Init.
func Init() {
	registerAuthRoutes()
	registerOrderRoutes()
	registerProductRoutes()
	registerPaymentRoutes()
	registerLoyaltyRoutes()
	registerSettingsRoutes()
	registerMetricsRoutes()
}

// GetApp returns the application context injected by the webserver middleware.
func GetApp(c echo.Context) app.AppContext {
	return c.Get(webserver.ContextKeyApp).(app.AppContext)
}

// GetDB returns the database handle for this request.
func GetDB(c echo.Context) *gorm.DB {
	return GetApp(c).DB()
}

type apiResponse struct {
	Code string      `json:"code"`
	Msg  string      `json:"msg,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

type pagedData struct {
	Rows     interface{} `json:"rows"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, apiResponse{Code: "OK", Data: data})
}

func paged(c echo.Context, rows interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, apiResponse{Code: "OK", Data: pagedData{
		Rows: rows, Total: total, Page: page, PageSize: pageSize,
	}})
}

func fail(c echo.Context, status int, code, msg string, detail interface{}) error {
	return c.JSON(status, apiResponse{Code: code, Msg: msg, Data: detail})
}

func parsePagination(c echo.Context) (page, pageSize int) {
	page = 1
	pageSize = 20
	if p, err := strconv.Atoi(c.QueryParam("page")); err == nil && p > 0 {
		page = p
	}
	if ps, err := strconv.Atoi(c.QueryParam("pageSize")); err == nil && ps > 0 && ps <= 500 {
		pageSize = ps
	}
	return page, pageSize
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}
