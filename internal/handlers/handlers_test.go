package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-reliable-taskflow/internal/accounts"
	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/aws/dynamotest"
	"github.com/imrishuroy/go-reliable-taskflow/internal/credits"
	"github.com/imrishuroy/go-reliable-taskflow/internal/idempotency"
	"github.com/imrishuroy/go-reliable-taskflow/internal/tasks"
)

type countingPublisher struct {
	calls int
}

func (p *countingPublisher) Publish(ctx context.Context, detailType, eventID string, payload interface{}) (string, error) {
	p.calls++
	return "m-" + eventID, nil
}

type stubRegistrar struct {
	err error
}

func (s stubRegistrar) Register(ctx context.Context, nu accounts.NewUser) (*accounts.Registration, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &accounts.Registration{UserID: nu.UserID, KeyID: "k-" + nu.UserID, Token: "k-" + nu.UserID + ".secret"}, nil
}

type stubKeys map[string]*accounts.APIKey

func (s stubKeys) Verify(ctx context.Context, token string) (*accounts.APIKey, error) {
	if k, ok := s[token]; ok {
		return k, nil
	}
	return nil, apperror.Newf(apperror.KindUnauthorized, "test.verify", "unknown api key")
}

type fixture struct {
	router    *gin.Engine
	ledger    *credits.Ledger
	publisher *countingPublisher
}

func newFixture(t *testing.T, keys KeyVerifier) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := dynamotest.New().
		CreateTable("Tasks", "task_id", "").
		CreateTable("Credits", "user_id", "").
		CreateTable("Transactions", "user_id", "timestamp").
		CreateTable("Idempotency", "idempotency_key", "")
	ledger := credits.NewLedger(fake, "Credits", "Transactions", nil)
	pub := &countingPublisher{}

	r := gin.New()
	RegisterRoutes(r, HandlerConfig{
		Tasks:       tasks.NewSubmitter(tasks.NewStore(fake, "Tasks"), ledger, pub, 1, nil),
		Credits:     ledger,
		Accounts:    stubRegistrar{},
		Keys:        keys,
		Idempotency: idempotency.NewStore(fake, "Idempotency", time.Hour),
	})
	return &fixture{router: r, ledger: ledger, publisher: pub}
}

func (f *fixture) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Adjust(context.Background(), credits.AdjustRequest{UserID: userID, Amount: amount, Direction: credits.Increment})
	require.NoError(t, err)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateTask_Queues(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "u1", 3)

	w := f.do(http.MethodPost, "/tasks", map[string]string{"user_id": "u1", "prompt": "a poem"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, tasks.StatusPending, body["status"])
	assert.Equal(t, "/tasks/"+body["task_id"].(string), w.Header().Get("Location"))

	w = f.do(http.MethodGet, "/tasks/"+body["task_id"].(string), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a poem", decode(t, w)["prompt"])
}

func TestCreateTask_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "u1", 3)
	headers := map[string]string{"Idempotency-Key": "req-1"}
	req := map[string]string{"user_id": "u1", "prompt": "a poem"}

	first := f.do(http.MethodPost, "/tasks", req, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := f.do(http.MethodPost, "/tasks", req, headers)
	require.Equal(t, http.StatusCreated, second.Code)

	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, f.publisher.calls)
}

func TestCreateTask_FailedAttemptFreesIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	headers := map[string]string{"Idempotency-Key": "req-2"}
	req := map[string]string{"user_id": "u1", "prompt": "a poem"}

	w := f.do(http.MethodPost, "/tasks", req, headers)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "INSUFFICIENT_CREDITS", decode(t, w)["error"])

	f.fund(t, "u1", 1)
	w = f.do(http.MethodPost, "/tasks", req, headers)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestCreateTask_InvalidBody(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/tasks", map[string]string{"user_id": "u1", "prompt": "   "}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", decode(t, w)["error"])
	assert.Zero(t, f.publisher.calls)
}

func TestCreateTask_APIKey(t *testing.T) {
	keys := stubKeys{"k1.secret": {KeyID: "k1", UserID: "u1", Status: accounts.KeyActive}}
	f := newFixture(t, keys)
	f.fund(t, "u1", 3)
	req := map[string]string{"user_id": "u1", "prompt": "a poem"}

	w := f.do(http.MethodPost, "/tasks", req, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/tasks", req, map[string]string{"X-API-Key": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/tasks", map[string]string{"user_id": "u2", "prompt": "a poem"}, map[string]string{"X-API-Key": "k1.secret"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/tasks", req, map[string]string{"X-API-Key": "k1.secret"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "k1", decode(t, w)["key_id"])
}

func TestGetTask_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/tasks/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["error"])
}

func TestCredits_Routes(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/credits/u1/adjust", map[string]interface{}{"amount": 5, "direction": "increment"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 5, decode(t, w)["balance"])

	w = f.do(http.MethodPost, "/credits/u1/adjust", map[string]interface{}{"amount": 9, "direction": "decrement"}, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = f.do(http.MethodPost, "/credits/u1/adjust", map[string]interface{}{"amount": 1, "direction": "sideways"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/credits/u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 5, decode(t, w)["balance"])

	w = f.do(http.MethodGet, "/credits/u1/transactions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["transactions"], 1)

	w = f.do(http.MethodGet, "/credits/nobody/transactions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["transactions"], 0)
}

func TestRegisterAccount(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/accounts", map[string]string{"user_id": "u9", "email": "u9@example.com"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "k-u9.secret", decode(t, w)["api_key"])

	w = f.do(http.MethodPost, "/accounts", map[string]string{"user_id": "u9", "email": "not-an-email"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterAccount_Conflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, HandlerConfig{
		Accounts: stubRegistrar{err: apperror.Newf(apperror.KindConflict, "accounts.register", "user exists")},
	})
	f := &fixture{router: r}

	w := f.do(http.MethodPost, "/accounts", map[string]string{"user_id": "u9", "email": "u9@example.com"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", decode(t, w)["error"])
}
