package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/metrics"
	"localventas/backend/internal/migration"
	"localventas/backend/internal/service"
	"localventas/backend/internal/store"
)

const maxBodyBytes = 8 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	metrics       *metrics.Metrics
	log           *logrus.Entry
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, m *metrics.Metrics, log *logrus.Entry) *API {
	if log == nil {
		log = logging.Module(nil, "httpapi")
	}
	if strings.TrimSpace(allowedOrigin) == "" {
		allowedOrigin = "http://127.0.0.1:3000"
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		metrics:       m,
		log:           log,
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func (a *API) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	// Client IPs come from the TCP peer only; forwarded headers are ignored.
	_ = r.SetTrustedProxies(nil)

	r.Use(gin.Recovery(), a.requestLogger(), a.metrics.Middleware(), securityHeaders())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{a.allowedOrigin},
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/healthz", a.handleHealth)
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", a.handleLogin)

	staff := v1.Group("", a.requireAuth(domain.RoleCashier, domain.RoleAdmin))
	staff.GET("/stores", a.handleListStores)
	staff.GET("/stores/:storeID/inventory", a.handleInventory)
	staff.POST("/stores/:storeID/sales", a.handleRegisterSale)
	staff.GET("/stores/:storeID/sales", a.handleSalesHistory)
	staff.GET("/stores/:storeID/summary/daily", a.handleDailySummary)

	admin := v1.Group("", a.requireAuth(domain.RoleAdmin))
	admin.PATCH("/stores/:storeID/inventory/:productID", a.handleUpdateInventory)
	admin.GET("/reports/dashboard", a.handleDashboard)
	admin.POST("/admin/migrations/transaction-ids", a.handleBackfill)
	admin.POST("/admin/migrations/catalog", a.handleCatalogMigration)
	admin.GET("/admin/audit-logs", a.handleAuditLogs)

	return r
}

func (a *API) requireAuth(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.abort(c, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.abort(c, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.abort(c, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()
		a.log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(startedAt).Milliseconds(),
		}).Info("request")
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")

		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		c.Next()
	}
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(c *gin.Context) {
	if !a.loginLimiter.Allow(c.ClientIP()) {
		a.writeError(c, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeDecodeError(c, err)
		return
	}

	resp, err := a.auth.Login(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, http.StatusUnauthorized, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleListStores(c *gin.Context) {
	stores, err := a.service.ListStores(c.Request.Context())
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stores": stores})
}

func (a *API) handleInventory(c *gin.Context) {
	items, err := a.service.GetInventory(c.Request.Context(), c.Param("storeID"))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"store_id": c.Param("storeID"), "items": items})
}

func (a *API) handleUpdateInventory(c *gin.Context) {
	var req domain.InventoryUpdateRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeDecodeError(c, err)
		return
	}

	item, err := a.service.UpdateInventoryItem(c.Request.Context(), c.Param("storeID"), c.Param("productID"), req)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

type saleRequest struct {
	CartItems          []domain.CartItem    `json:"cart_items"`
	PaymentMethod      domain.PaymentMethod `json:"payment_method"`
	TransactionID      string               `json:"transaction_id,omitempty"`
	ReceiptURL         string               `json:"receipt_url,omitempty"`
	ReceiptImage       string               `json:"receipt_image,omitempty"`
	ReceiptContentType string               `json:"receipt_content_type,omitempty"`
	ReceiptFileName    string               `json:"receipt_file_name,omitempty"`
}

func (a *API) handleRegisterSale(c *gin.Context) {
	var body saleRequest
	if err := decodeJSON(c, &body); err != nil {
		a.writeDecodeError(c, err)
		return
	}

	req := domain.RegisterSaleRequest{
		StoreID:       c.Param("storeID"),
		CartItems:     body.CartItems,
		PaymentMethod: body.PaymentMethod,
		TransactionID: body.TransactionID,
		ReceiptURL:    body.ReceiptURL,
	}
	if image := strings.TrimSpace(body.ReceiptImage); image != "" {
		if idx := strings.Index(image, ";base64,"); idx >= 0 && strings.HasPrefix(image, "data:") {
			if body.ReceiptContentType == "" {
				body.ReceiptContentType = image[len("data:"):idx]
			}
			image = image[idx+len(";base64,"):]
		}
		data, err := base64.StdEncoding.DecodeString(image)
		if err != nil {
			a.writeError(c, http.StatusBadRequest, errors.New("receipt_image must be base64 encoded"))
			return
		}
		req.Receipt = &domain.ReceiptAsset{Data: data, ContentType: body.ReceiptContentType, FileName: body.ReceiptFileName}
	}

	result, err := a.service.RegisterSale(c.Request.Context(), req)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (a *API) handleSalesHistory(c *gin.Context) {
	limit := parsePositiveLimit(c.Query("limit"), 50, 500)
	txs, err := a.service.SalesHistory(c.Request.Context(), c.Param("storeID"), limit)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"store_id": c.Param("storeID"), "transactions": txs})
}

func (a *API) handleDailySummary(c *gin.Context) {
	summary, err := a.service.DailySummary(c.Request.Context(), c.Param("storeID"), c.Query("date"))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *API) handleDashboard(c *gin.Context) {
	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "json")))
	storeID := c.Query("store_id")

	if format == "json" {
		dashboard, err := a.service.Dashboard(c.Request.Context(), storeID)
		if err != nil {
			a.writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, dashboard)
		return
	}

	export, err := a.service.DashboardExport(c.Request.Context(), storeID, format)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName))
	c.Data(http.StatusOK, export.ContentType, export.Body)
}

type backfillRequest struct {
	StoreID string `json:"store_id"`
	DryRun  bool   `json:"dry_run"`
}

func (a *API) handleBackfill(c *gin.Context) {
	var req backfillRequest
	if err := decodeOptionalJSON(c, &req); err != nil {
		a.writeDecodeError(c, err)
		return
	}

	report, err := a.service.BackfillTransactionIDs(c.Request.Context(), migration.BackfillOptions{StoreFilter: req.StoreID, DryRun: req.DryRun})
	if errors.Is(err, domain.ErrPartialMigration) {
		c.JSON(http.StatusMultiStatus, report)
		return
	}
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type catalogMigrationRequest struct {
	StoreID   string `json:"store_id"`
	Overwrite bool   `json:"overwrite"`
}

func (a *API) handleCatalogMigration(c *gin.Context) {
	var req catalogMigrationRequest
	if err := decodeOptionalJSON(c, &req); err != nil {
		a.writeDecodeError(c, err)
		return
	}

	report, err := a.service.MigrateCatalog(c.Request.Context(), req.StoreID, req.Overwrite)
	if errors.Is(err, domain.ErrPartialMigration) {
		c.JSON(http.StatusMultiStatus, report)
		return
	}
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleAuditLogs(c *gin.Context) {
	limit := parsePositiveLimit(c.Query("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(c.Request.Context(), c.Query("store_id"), c.Query("date"), limit)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": logs})
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrValidation), errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrTransactionConflict),
		errors.Is(err, domain.ErrMigrationInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUploadFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(c *gin.Context, err error) {
	status := statusFor(err)
	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		c.JSON(status, gin.H{
			"error":      err.Error(),
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
		return
	}
	a.writeError(c, status, err)
}

func (a *API) writeDecodeError(c *gin.Context, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		a.writeError(c, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return
	}
	a.writeError(c, http.StatusBadRequest, err)
}

func (a *API) abort(c *gin.Context, status int, err error) {
	a.writeError(c, status, err)
	c.Abort()
}

func (a *API) writeError(c *gin.Context, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		logging.LogError(a.log, "httpapi", err, logrus.Fields{"status": status, "path": c.Request.URL.Path})
		msg = "internal server error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func decodeJSON(c *gin.Context, dest any) error {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(c *gin.Context, dest any) error {
	if err := decodeJSON(c, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}
