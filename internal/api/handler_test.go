package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ecom-events/internal/broker"
	"ecom-events/internal/broker/brokertest"
	"ecom-events/internal/models"
	"ecom-events/internal/redisclient"
	"ecom-events/internal/service"
	"ecom-events/internal/store"
	"ecom-events/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	router   *gin.Engine
	repo     *storetest.Memory
	recorder *brokertest.Recorder
	redis    *redisclient.Client
}

func newTestEnv(t *testing.T, deps map[string]Pinger) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	repo := storetest.NewMemory()
	rec := brokertest.NewRecorder()
	publisher := broker.NewEventPublisher(rec, "DEAD_LETTER", broker.RetryPolicy{
		MaxRetries:      0,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
	rc := redisclient.New(rdb, time.Hour)

	h := NewHandler(Services{
		Orders: service.NewOrderService(repo, rc, publisher),
		Inventory: service.NewInventoryService(repo, rc, publisher, service.InventoryConfig{
			LowStockThreshold: 5,
			AlertMode:         service.AlertModeEvery,
		}),
		Payments:      service.NewPaymentService(nil, publisher),
		Notifications: service.NewNotificationService(rc, 20),
		Ledger:        repo,
		Dependencies:  deps,
	})

	router := gin.New()
	h.SetupRoutes(router)

	return &testEnv{router: router, repo: repo, recorder: rec, redis: rc}
}

func (e *testEnv) seed(t *testing.T, p models.Product) {
	t.Helper()
	e.repo.SeedProduct(p)
	stored, err := e.repo.GetProductByID(context.Background(), p.ID)
	require.NoError(t, err)
	_, err = e.redis.UpsertProduct(context.Background(), stored)
	require.NoError(t, err)
}

func (e *testEnv) do(method, path, user, roles string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUser, user)
	}
	if roles != "" {
		req.Header.Set(HeaderRoles, roles)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return nil }),
	})

	w := env.do(http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/ready", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newTestEnv(t, map[string]Pinger{
		"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	w = down.do(http.MethodGet, "/ready", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/v1/orders", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/v1/products", "bob", "USER", service.CreateProductRequest{Name: "Widget", Quantity: 1})
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.True(t, hasAdminRole("user, admin"))
	assert.True(t, hasAdminRole("ROLE_ADMIN"))
	assert.False(t, hasAdminRole("USER"))
	assert.False(t, hasAdminRole(""))
}

func TestCreateAndGetProduct(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/v1/products", "root", "ADMIN",
		service.CreateProductRequest{Name: "Widget", Quantity: 10, Price: 14.99, Category: "tools"})
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Product
	decode(t, w, &created)
	assert.NotZero(t, created.ID)

	mirrored, err := env.redis.GetProduct(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, mirrored.Quantity)

	require.Len(t, env.recorder.Envelopes(models.EventTypeProductCreated), 1)

	w = env.do(http.MethodGet, "/api/v1/products/999", "bob", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/v1/products/abc", "bob", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlaceOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, models.Product{ID: 42, Name: "Widget", Quantity: 3, Price: 10, Category: "tools"})

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{"placed", service.PlaceOrderRequest{ProductID: 42, Quantity: 2}, http.StatusCreated},
		{"insufficient stock", service.PlaceOrderRequest{ProductID: 42, Quantity: 9}, http.StatusConflict},
		{"unknown product", service.PlaceOrderRequest{ProductID: 7, Quantity: 1}, http.StatusNotFound},
		{"zero quantity", map[string]int{"productId": 42, "quantity": 0}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/orders", "alice", "", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	orders := env.repo.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "alice", orders[0].Username)
	assert.Equal(t, models.OrderStatusPlaced, orders[0].OrderStatus)
	assert.Equal(t, 20.0, orders[0].TotalPrice)
	assert.Nil(t, orders[0].SourceEventID)
	assert.Len(t, env.recorder.Envelopes(models.EventTypeOrderPlaced), 1)
}

func TestOrderVisibility(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, models.Product{ID: 1, Name: "Widget", Quantity: 10, Price: 5, Category: "tools"})

	for _, user := range []string{"alice", "bob"} {
		w := env.do(http.MethodPost, "/api/v1/orders", user, "", service.PlaceOrderRequest{ProductID: 1, Quantity: 1})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	var mine []models.Order
	w := env.do(http.MethodGet, "/api/v1/orders", "alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &mine)
	require.Len(t, mine, 1)
	assert.Equal(t, "alice", mine[0].Username)

	var all []models.Order
	w = env.do(http.MethodGet, "/api/v1/orders", "root", "ADMIN", nil)
	decode(t, w, &all)
	assert.Len(t, all, 2)

	bobs := env.repo.Orders()[1].ID
	w = env.do(http.MethodGet, "/api/v1/orders/"+itoa(bobs), "alice", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/v1/orders/"+itoa(bobs), "root", "ADMIN", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var byCategory map[string]int64
	w = env.do(http.MethodGet, "/api/v1/orders/count-by-category", "root", "ADMIN", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &byCategory)
	assert.Equal(t, map[string]int64{"tools": 2}, byCategory)
}

func TestUpdateShippingStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, models.Product{ID: 1, Name: "Widget", Quantity: 10, Price: 5})

	w := env.do(http.MethodPost, "/api/v1/orders", "alice", "", service.PlaceOrderRequest{ProductID: 1, Quantity: 1})
	require.Equal(t, http.StatusCreated, w.Code)
	id := itoa(env.repo.Orders()[0].ID)

	w = env.do(http.MethodPut, "/api/v1/orders/"+id+"/shipping-status?status=shipped", "alice", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPut, "/api/v1/orders/"+id+"/shipping-status?status=teleported", "root", "ADMIN", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPut, "/api/v1/orders/999/shipping-status?status=SHIPPED", "root", "ADMIN", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPut, "/api/v1/orders/"+id+"/shipping-status?status=shipped", "root", "ADMIN", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var order models.Order
	decode(t, w, &order)
	assert.Equal(t, models.ShippingStatusShipped, order.ShippingStatus)
	assert.Len(t, env.recorder.Envelopes(models.EventTypeOrderStatusUpdated), 1)
}

func TestProcessPayment(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/v1/payments", "alice", "",
		service.PaymentRequest{ProductID: 42, Quantity: 2, Amount: 2999})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp service.PaymentResponse
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.EventID)
	assert.Equal(t, int64(2999), resp.AmountPaid)

	events := env.recorder.Envelopes(models.EventTypePaymentSuccess)
	require.Len(t, events, 1)
	assert.Equal(t, resp.EventID, events[0].EventID)
	assert.Equal(t, "alice", events[0].Payload.(*models.PaymentSuccess).Username)
}

func TestProcessedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.repo.RunInTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.ClaimEvent(context.Background(), "inventory-service-group", "evt-1", string(models.EventTypeOrderPlaced))
		return err
	}))

	w := env.do(http.MethodGet, "/api/v1/processed-events?group=inventory-service-group", "bob", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodGet, "/api/v1/processed-events?group=inventory-service-group", "root", "ADMIN", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rows []models.ProcessedEvent
	decode(t, w, &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, "evt-1", rows[0].EventID)
}

type ledgerSpy struct {
	*storetest.Memory
	limits []int
}

func (l *ledgerSpy) ListProcessedEvents(ctx context.Context, group string, limit int) ([]models.ProcessedEvent, error) {
	l.limits = append(l.limits, limit)
	return l.Memory.ListProcessedEvents(ctx, group, limit)
}

func TestProcessedEventsLimitIsCapped(t *testing.T) {
	gin.SetMode(gin.TestMode)
	spy := &ledgerSpy{Memory: storetest.NewMemory()}
	router := gin.New()
	NewHandler(Services{Ledger: spy}).SetupRoutes(router)

	for _, q := range []string{"", "?limit=20", "?limit=100000"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/processed-events"+q, nil)
		req.Header.Set(HeaderUser, "root")
		req.Header.Set(HeaderRoles, "ADMIN")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, []int{50, 20, maxProcessedEventsLimit}, spy.limits)
}

func TestRoutesFollowRoles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(Services{}).SetupRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set(HeaderUser, "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
