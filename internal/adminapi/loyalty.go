package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/tillcode/tillgrid/internal/webserver"
)

func registerLoyaltyRoutes() {
	webserver.ApiGET("/crm/loyalty/:customerId", getLoyaltyAccount)
}

func getLoyaltyAccount(c echo.Context) error {
	acct, rewards, err := GetApp(c).Loyalty().Account(c.Request().Context(), c.Param("customerId"))
	if err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Loyalty account not found", nil)
	}
	return ok(c, map[string]interface{}{
		"account": acct,
		"rewards": rewards,
	})
}
