package adminapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tillcode/tillgrid/internal/catalog"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/internal/webserver"
	"github.com/tillcode/tillgrid/pkg/common"
	"go.uber.org/zap"
)

type productPayload struct {
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Category string `json:"category"`
	Image    string `json:"image"`
	Status   string `json:"status"`
}

// registerProductRoutes registers product CRUD and the local catalog view
func registerProductRoutes() {
	webserver.ApiGET("/pos/products", listProducts)
	webserver.ApiGET("/pos/products/:id", getProduct)
	webserver.ApiPOST("/pos/products", createProduct)
	webserver.ApiPUT("/pos/products/:id", updateProduct)
	webserver.ApiDELETE("/pos/products/:id", deleteProduct)
	webserver.ApiGET("/pos/catalog", getCatalog)
}

func listProducts(c echo.Context) error {
	pageStr := c.QueryParam("page")
	page := 1
	if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
		page = p
	}
	_, pageSize := parsePagination(c)
	if ps, err := strconv.Atoi(c.QueryParam("perPage")); err == nil && ps > 0 && ps <= 500 {
		pageSize = ps
	}

	q := strings.TrimSpace(c.QueryParam("q"))
	categoryFilter := strings.TrimSpace(c.QueryParam("category"))

	sortField := strings.TrimSpace(c.QueryParam("sort"))
	order := strings.ToUpper(strings.TrimSpace(c.QueryParam("order")))
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}

	// whitelist allowed sort columns to avoid SQL injection
	allowed := map[string]string{
		"id":         "id",
		"name":       "name",
		"price":      "price",
		"created_at": "created_at",
		"updated_at": "updated_at",
	}
	sortCol, okCol := allowed[sortField]
	if !okCol || sortCol == "" {
		sortCol = "id"
	}

	db := GetDB(c).Model(&domain.Product{})
	if q != "" {
		if db.Dialector.Name() == "postgres" {
			db = db.Where("name ILIKE ?", "%"+q+"%")
		} else {
			db = db.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(q)+"%")
		}
	}
	if categoryFilter != "" {
		db = db.Where("category = ?", categoryFilter)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query products", err.Error())
	}

	var rows []domain.Product
	if err := db.Order(sortCol + " " + order).Offset((page-1)*pageSize).Limit(pageSize).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query products", err.Error())
	}

	return paged(c, rows, total, page, pageSize)
}

func getProduct(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid product ID", nil)
	}
	var p domain.Product
	if err := GetDB(c).Where("id = ?", id).First(&p).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Product not found", nil)
	}
	return ok(c, p)
}

func createProduct(c echo.Context) error {
	var payload productPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse product", err.Error())
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Name is required", nil)
	}
	if payload.Price < 0 {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Price must be >= 0", nil)
	}
	status := payload.Status
	if status != common.ENABLED && status != common.DISABLED {
		status = common.ENABLED
	}

	now := time.Now()
	p := domain.Product{
		Name:      payload.Name,
		Price:     payload.Price,
		Category:  strings.TrimSpace(payload.Category),
		Image:     strings.TrimSpace(payload.Image),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := GetDB(c).Create(&p).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create product", err.Error())
	}
	offerCatalogSnapshot(c)
	return ok(c, p)
}

func updateProduct(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid product ID", nil)
	}
	var p domain.Product
	if err := GetDB(c).Where("id = ?", id).First(&p).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Product not found", nil)
	}

	var payload productPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse product", err.Error())
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Name is required", nil)
	}
	if payload.Price < 0 {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Price must be >= 0", nil)
	}
	if payload.Status != "" && payload.Status != common.ENABLED && payload.Status != common.DISABLED {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Status must be 'enabled' or 'disabled'", nil)
	}

	p.Name = payload.Name
	p.Price = payload.Price
	p.Category = strings.TrimSpace(payload.Category)
	p.Image = strings.TrimSpace(payload.Image)
	if payload.Status != "" {
		p.Status = payload.Status
	}
	p.UpdatedAt = time.Now()

	if err := GetDB(c).Save(&p).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update product", err.Error())
	}
	offerCatalogSnapshot(c)
	return ok(c, p)
}

func deleteProduct(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid product ID", nil)
	}
	if err := GetDB(c).Where("id = ?", id).Delete(&domain.Product{}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete product", err.Error())
	}
	offerCatalogSnapshot(c)
	return ok(c, map[string]interface{}{"id": id})
}

// getCatalog returns the terminal's accepted local catalog mirror.
func getCatalog(c echo.Context) error {
	return ok(c, GetApp(c).Catalog().List())
}

// offerCatalogSnapshot pushes the authoritative product list into the local
// mirror after a catalog mutation so terminals see it without waiting for
// the refresh job.
func offerCatalogSnapshot(c echo.Context) {
	var products []domain.Product
	if err := GetDB(c).Where("status = ?", common.ENABLED).Order("id ASC").Find(&products).Error; err != nil {
		zap.L().Warn("catalog snapshot query failed", zap.Error(err))
		return
	}
	if err := GetApp(c).Catalog().Offer(catalog.Snapshot{
		Items:      products,
		Provenance: catalog.FromServer,
	}); err != nil {
		zap.L().Warn("catalog snapshot apply failed", zap.Error(err))
	}
}
