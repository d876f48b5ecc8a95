package adminapi

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/tillcode/tillgrid/internal/authz"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/internal/webserver"
	"github.com/tillcode/tillgrid/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tokenTTL = 12 * time.Hour

func registerAuthRoutes() {
	webserver.PubPOST("/auth/login", login)
	webserver.ApiPOST("/auth/reauth", reauth)
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func authenticate(c echo.Context, username, password string) (*domain.SysOpr, error) {
	var opr domain.SysOpr
	err := GetDB(c).Where("username = ?", username).First(&opr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New("unknown operator")
	}
	if err != nil {
		return nil, err
	}
	if opr.Status != common.ENABLED {
		return nil, errors.New("operator disabled")
	}
	if opr.Password != common.Sha256HashWithSalt(password, common.GetSecretSalt()) {
		return nil, errors.New("bad credentials")
	}
	return &opr, nil
}

func issueToken(c echo.Context, opr *domain.SysOpr, window authz.Window) (string, error) {
	claims := jwt.MapClaims{
		"sub":   opr.Username,
		"level": opr.Level,
		"exp":   time.Now().Add(tokenTTL).Unix(),
	}
	if !window.GrantedUntil.IsZero() {
		claims[authz.ClaimGrantedUntil] = window.GrantedUntil.Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(GetApp(c).Config().Web.Secret))
}

func login(c echo.Context) error {
	var payload loginPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse credentials", nil)
	}

	opr, err := authenticate(c, payload.Username, payload.Password)
	if err != nil {
		zap.L().Warn("login rejected", zap.String("username", payload.Username), zap.Error(err))
		return fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid username or password", nil)
	}

	signed, err := issueToken(c, opr, authz.Window{})
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_ERROR", "Failed to issue token", nil)
	}

	GetDB(c).Model(&domain.SysOpr{}).
		Where("id = ?", opr.ID).
		Update("last_login", time.Now())

	return ok(c, map[string]interface{}{"token": signed, "level": opr.Level})
}

// reauth re-verifies the operator password and issues a token carrying a
// short-lived re-authorization window for privileged operations.
func reauth(c echo.Context) error {
	var payload loginPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse credentials", nil)
	}

	opr, err := authenticate(c, payload.Username, payload.Password)
	if err != nil {
		return fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid username or password", nil)
	}

	window := authz.Grant(time.Now(), authz.DefaultWindow)
	signed, err := issueToken(c, opr, window)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_ERROR", "Failed to issue token", nil)
	}
	return ok(c, map[string]interface{}{
		"token":         signed,
		"granted_until": window.GrantedUntil.Unix(),
	})
}

// requireWindow extracts the re-authorization grant from the request token.
func requireWindow(c echo.Context) (authz.Window, bool) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return authz.Window{}, false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return authz.Window{}, false
	}
	w := authz.FromClaims(claims)
	return w, w.Valid(time.Now())
}
