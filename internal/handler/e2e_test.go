package handler_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/lending-engine/internal/domain"
	"github.com/segyhp/lending-engine/internal/handler"
	"github.com/segyhp/lending-engine/internal/repository/memory"
	"github.com/segyhp/lending-engine/internal/service"
)

const e2eSecret = "e2e-secret"

type apiResponse struct {
	Success bool                `json:"success"`
	Code    string              `json:"code"`
	Data    jsoniter.RawMessage `json:"data"`
}

type client struct {
	t      *testing.T
	server *httptest.Server
	token  string
}

func newClient(t *testing.T, server *httptest.Server, userID int64, role string) *client {
	t.Helper()

	claims := handler.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(e2eSecret))
	require.NoError(t, err)

	return &client{t: t, server: server, token: token}
}

func (c *client) call(method, path string) (int, apiResponse) {
	c.t.Helper()

	req, err := http.NewRequest(method, c.server.URL+path, nil)
	require.NoError(c.t, err)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.server.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var body apiResponse
	require.NoError(c.t, jsoniter.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

// TestLendingEndToEnd drives the whole lending workflow through HTTP against
// the in-memory store.
func TestLendingEndToEnd(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	store := memory.NewStore()
	store.Seed(domain.Book{ID: 1, Title: "Dune", Author: "Frank Herbert", TotalCopies: 1, AvailableCopies: 1})
	store.SeedUsers(
		domain.User{ID: 1, Username: "librarian", Role: domain.RoleAdmin},
		domain.User{ID: 7, Username: "paul", Role: domain.RoleLender},
		domain.User{ID: 9, Username: "chani", Role: domain.RoleLender},
	)

	// Borrowing happens 20 days and an hour ago; the fee counts 7 started days
	var clock atomic.Int64
	clock.Store(time.Now().Add(-20*24*time.Hour - time.Hour).UnixNano())
	lending := service.NewLendingService(store,
		service.WithLogger(logger),
		service.WithClock(func() time.Time { return time.Unix(0, clock.Load()).UTC() }),
		service.WithLateFeePerDay(decimal.RequireFromString("1.25")),
	)
	router := handler.NewRouter(
		handler.NewLendingHandler(lending, logger),
		handler.NewHealthHandler(store, nil, time.Second),
		handler.NewAuthenticator(e2eSecret, "", logger),
		logger,
	)
	server := httptest.NewServer(router)
	defer server.Close()

	reader7 := newClient(t, server, 7, domain.RoleLender)
	reader9 := newClient(t, server, 9, domain.RoleLender)
	admin := newClient(t, server, 1, domain.RoleAdmin)

	var recordID int64

	t.Run("borrow the only copy", func(t *testing.T) {
		status, body := reader7.call(http.MethodPost, "/api/v1/lending/borrow/1")
		require.Equal(t, http.StatusCreated, status)

		var borrowed domain.BorrowResponse
		require.NoError(t, jsoniter.Unmarshal(body.Data, &borrowed))
		recordID = borrowed.RecordID
		assert.Positive(t, recordID)

		_, body = reader7.call(http.MethodGet, "/api/v1/books/1/availability")
		var availability domain.AvailabilityResponse
		require.NoError(t, jsoniter.Unmarshal(body.Data, &availability))
		assert.Equal(t, 0, availability.AvailableCopies)
	})

	t.Run("second reader finds no copies", func(t *testing.T) {
		status, body := reader9.call(http.MethodPost, "/api/v1/lending/borrow/1")
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "NO_COPIES_AVAILABLE", body.Code)
	})

	t.Run("loan turns overdue with time", func(t *testing.T) {
		clock.Store(time.Now().UnixNano())

		status, body := admin.call(http.MethodGet, "/api/v1/admin/lending/overdue")
		require.Equal(t, http.StatusOK, status)

		var overdue []map[string]interface{}
		require.NoError(t, jsoniter.Unmarshal(body.Data, &overdue))
		require.Len(t, overdue, 1)
		assert.Equal(t, "overdue", overdue[0]["status"])
		assert.Equal(t, "8.75", overdue[0]["late_fee"])
		assert.Equal(t, "paul", overdue[0]["username"])
		assert.Equal(t, "Dune", overdue[0]["title"])

		_, body = reader7.call(http.MethodGet, "/api/v1/lending/my-books")
		var mine []map[string]interface{}
		require.NoError(t, jsoniter.Unmarshal(body.Data, &mine))
		require.Len(t, mine, 1)
		assert.Equal(t, "overdue", mine[0]["status"])
	})

	t.Run("another reader may not return it", func(t *testing.T) {
		status, body := reader9.call(http.MethodPost, "/api/v1/lending/return/"+strconv.FormatInt(recordID, 10))
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, "FORBIDDEN", body.Code)
	})

	t.Run("owner returns it once", func(t *testing.T) {
		path := "/api/v1/lending/return/" + strconv.FormatInt(recordID, 10)

		status, _ := reader7.call(http.MethodPost, path)
		assert.Equal(t, http.StatusOK, status)

		status, body := reader7.call(http.MethodPost, path)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "ALREADY_RETURNED", body.Code)

		book, open, _ := store.Snapshot(1)
		assert.Equal(t, 1, book.AvailableCopies)
		assert.Equal(t, 0, open)
	})

	t.Run("admin sees nothing active", func(t *testing.T) {
		status, body := admin.call(http.MethodGet, "/api/v1/admin/lending/active")
		require.Equal(t, http.StatusOK, status)

		var active []map[string]interface{}
		require.NoError(t, jsoniter.Unmarshal(body.Data, &active))
		assert.Empty(t, active)
	})
}
