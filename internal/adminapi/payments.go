package adminapi

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/tillcode/tillgrid/internal/payment"
	"github.com/tillcode/tillgrid/internal/webserver"
	"github.com/tillcode/tillgrid/pkg/common"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func registerPaymentRoutes() {
	// provider callbacks come in on public routes: the provider does not
	// hold an operator token. Authenticity comes from the HMAC signature.
	webserver.PubPOST("/payment/notify", paymentNotify)
	webserver.PubGET("/payment/return", paymentReturn)

	webserver.ApiPOST("/payment/links", createPaymentLink)
	webserver.ApiGET("/payment/transactions", listTransactions)
	webserver.ApiGET("/payment/subscription/:id", getSubscription)
	webserver.ApiPOST("/payment/subscription/repair", repairSubscriptions)
}

type callbackPayload struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Timestamp string `json:"timestamp"`
}

func parseOutcome(status string) (payment.Outcome, bool) {
	switch strings.ToLower(status) {
	case "success", "paid", "completed", "settlement":
		return payment.Success, true
	case "failed", "failure", "cancelled", "expired", "deny":
		return payment.Failure, true
	default:
		return 0, false
	}
}

// paymentNotify is the asynchronous webhook. Delivery is at-least-once and
// unauthenticated, so the body must carry a valid HMAC signature; duplicate
// deliveries are answered 200 with the recorded state.
func paymentNotify(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to read callback body", nil)
	}

	secret := GetApp(c).Config().Payment.CallbackSecret
	if secret != "" {
		sig := c.Request().Header.Get("X-Callback-Signature")
		if !common.HmacValid(body, secret, sig) {
			zap.L().Warn("payment callback with bad signature rejected")
			return fail(c, http.StatusUnauthorized, "BAD_SIGNATURE", "Invalid callback signature", nil)
		}
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse callback", nil)
	}
	if payload.Reference == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Missing payment reference", nil)
	}
	outcome, known := parseOutcome(payload.Status)
	if !known {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unknown payment status", payload.Status)
	}

	// provider timestamp formats vary; an unparseable one degrades to now
	var paidAt time.Time
	if payload.Timestamp != "" {
		if t, err := dateparse.ParseAny(payload.Timestamp); err == nil {
			paidAt = t
		}
	}

	result, err := GetApp(c).Payments().ApplyCallback(
		c.Request().Context(), payload.Reference, outcome, payload.Amount, paidAt)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "RECONCILE_ERROR", "Failed to apply callback", err.Error())
	}
	return ok(c, map[string]interface{}{
		"reference": payload.Reference,
		"status":    result.Transaction.Status,
		"applied":   result.Applied,
	})
}

// paymentReturn handles the synchronous provider redirect. It applies the
// same idempotent path as the webhook, so whichever delivery arrives first
// wins and the other is a no-op.
func paymentReturn(c echo.Context) error {
	reference := c.QueryParam("reference")
	if reference == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Missing payment reference", nil)
	}
	outcome, known := parseOutcome(c.QueryParam("status"))
	if !known {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unknown payment status", nil)
	}

	result, err := GetApp(c).Payments().ApplyCallback(
		c.Request().Context(), reference, outcome, 0, time.Time{})
	if err != nil {
		return fail(c, http.StatusInternalServerError, "RECONCILE_ERROR", "Failed to apply callback", err.Error())
	}
	return ok(c, map[string]interface{}{
		"reference": reference,
		"status":    result.Transaction.Status,
	})
}

type paymentLinkPayload struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Amount      int64  `json:"amount"`
}

func createPaymentLink(c echo.Context) error {
	var payload paymentLinkPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse payment link request", nil)
	}
	if payload.Amount <= 0 {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Amount must be positive", nil)
	}

	tx, err := GetApp(c).Payments().CreateLink(
		c.Request().Context(), payload.SubjectType, payload.SubjectID, payload.Amount)
	if err != nil {
		return fail(c, http.StatusBadRequest, "LINK_ERROR", "Failed to create payment link", err.Error())
	}

	base := GetApp(c).GetSettingsStringValue("payment", "link_base_url")
	link := strings.TrimRight(base, "/") + "/pay/" + tx.NaturalKey
	return ok(c, map[string]interface{}{
		"reference": tx.NaturalKey,
		"link":      link,
		"amount":    tx.Amount,
	})
}

func listTransactions(c echo.Context) error {
	page, pageSize := parsePagination(c)
	rows, total, err := GetApp(c).Payments().List(c.Request().Context(), page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query transactions", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

func getSubscription(c echo.Context) error {
	sub, err := GetApp(c).Payments().Subscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Subscription not found", nil)
	}
	return ok(c, sub)
}

// repairSubscriptions clamps over-extended subscriptions. Explicitly
// operator-triggered; requires a live re-authorization grant.
func repairSubscriptions(c echo.Context) error {
	if _, valid := requireWindow(c); !valid {
		return fail(c, http.StatusForbidden, "REAUTH_REQUIRED", "Re-authorization required to repair subscriptions", nil)
	}
	repaired, err := GetApp(c).Payments().RepairOverextended(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Repair failed", err.Error())
	}
	return ok(c, map[string]interface{}{"repaired": repaired})
}
