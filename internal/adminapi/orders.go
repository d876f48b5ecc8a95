package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/internal/orderstore"
	"github.com/tillcode/tillgrid/internal/outbox"
	"github.com/tillcode/tillgrid/internal/webserver"
)

func registerOrderRoutes() {
	webserver.ApiPOST("/pos/orders", captureOrder)
	webserver.ApiGET("/pos/orders", listOrders)
	webserver.ApiGET("/pos/orders/:id", getOrder)
	webserver.ApiPOST("/pos/orders/:id/cancel", cancelOrder)
	webserver.ApiGET("/pos/outbox", outboxStatus)
	webserver.ApiPOST("/pos/outbox/drain", drainOutbox)
}

type orderItemPayload struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Category  string `json:"category"`
}

type orderPayload struct {
	TableLabel      string             `json:"table_label"`
	DeliveryAddress string             `json:"delivery_address"`
	CustomerID      string             `json:"customer_id"`
	Items           []orderItemPayload `json:"items"`
}

// captureOrder accepts one order from the terminal. Offline acceptance is a
// success: the order is durably queued and replayed later.
func captureOrder(c echo.Context) error {
	var payload orderPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse order", err.Error())
	}

	order := &domain.Order{
		TableLabel:      payload.TableLabel,
		DeliveryAddress: payload.DeliveryAddress,
		CustomerID:      payload.CustomerID,
	}
	var total int64
	for _, item := range payload.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Category:  item.Category,
		})
		total += item.UnitPrice * int64(item.Quantity)
	}
	order.TotalAmount = total

	result, err := GetApp(c).Outbox().EnqueueOrForward(c.Request().Context(), order)
	if err != nil {
		if errors.Is(err, outbox.ErrInvalidOrder) {
			return fail(c, http.StatusBadRequest, "INVALID_ORDER", err.Error(), nil)
		}
		return fail(c, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to accept order", err.Error())
	}

	return ok(c, map[string]interface{}{
		"id":     order.ID,
		"result": result.String(),
		"total":  order.TotalAmount,
	})
}

func listOrders(c echo.Context) error {
	page, pageSize := parsePagination(c)
	orders, total, err := GetApp(c).Orders().List(c.Request().Context(), page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query orders", err.Error())
	}
	return paged(c, orders, total, page, pageSize)
}

func getOrder(c echo.Context) error {
	order, err := GetApp(c).Orders().Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, orderstore.ErrNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query order", err.Error())
	}
	return ok(c, order)
}

// cancelOrder voids an unpaid order. Requires a live re-authorization grant.
func cancelOrder(c echo.Context) error {
	if _, valid := requireWindow(c); !valid {
		return fail(c, http.StatusForbidden, "REAUTH_REQUIRED", "Re-authorization required to cancel an order", nil)
	}

	err := GetApp(c).Orders().Cancel(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, orderstore.ErrNotFound):
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found", nil)
	case errors.Is(err, orderstore.ErrIllegalTransition):
		return fail(c, http.StatusConflict, "ILLEGAL_TRANSITION", "Order can no longer be cancelled", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to cancel order", err.Error())
	}
	return ok(c, map[string]interface{}{"id": c.Param("id"), "status": domain.OrderCancelled})
}

func outboxStatus(c echo.Context) error {
	q := GetApp(c).Outbox()
	entries, err := q.Pending()
	if err != nil {
		return fail(c, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to read outbox", err.Error())
	}
	return ok(c, map[string]interface{}{
		"online":  q.Online(),
		"depth":   len(entries),
		"entries": entries,
	})
}

func drainOutbox(c echo.Context) error {
	drained, err := GetApp(c).Outbox().Drain(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "STORAGE_ERROR", "Outbox drain failed", err.Error())
	}
	return ok(c, map[string]interface{}{"drained": drained})
}
