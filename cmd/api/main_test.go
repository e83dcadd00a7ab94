package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
	"github.com/imrishuroy/go-reliable-taskflow/internal/aws/dynamotest"
	"github.com/imrishuroy/go-reliable-taskflow/internal/config"
)

type fakeSQS struct {
	sent []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: sdkaws.String("m1")}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeSQS) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fake := dynamotest.New().
		CreateTable("Credits", "user_id", "").
		CreateTable("Transactions", "user_id", "timestamp").
		CreateTable("Users", "user_id", "").
		CreateTable("UserKeys", "key_id", "").
		CreateTable("Tasks", "task_id", "").
		CreateTable("SagaExecutions", "execution_id", "").
		CreateTable("Idempotency", "idempotency_key", "")
	q := &fakeSQS{}
	cfg := &config.Config{
		Tables: config.TableConfig{
			Credits:            "Credits",
			CreditTransactions: "Transactions",
			Users:              "Users",
			UserKeys:           "UserKeys",
			Tasks:              "Tasks",
			SagaExecutions:     "SagaExecutions",
			Idempotency:        "Idempotency",
		},
		QueueURL:       "https://sqs.local/tasks",
		EventSource:    "taskflow.api",
		IdempotencyTTL: time.Hour,
		SignupCredits:  3,
		TaskCost:       1,
		RequireAPIKey:  true,
	}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return setupRouter(buildHandlerConfig(cfg, &aws.AWSClients{DynamoDB: fake, SQS: q}, logger)), q
}

func call(r *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
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
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	w := call(r, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRegisterThenSubmitWithAPIKey(t *testing.T) {
	r, q := newTestRouter(t)

	w := call(r, http.MethodPost, "/accounts", map[string]string{"user_id": "u1", "email": "u1@example.com"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var reg struct {
		APIKey  string `json:"api_key"`
		Credits int64  `json:"credits"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))
	require.NotEmpty(t, reg.APIKey)
	assert.Equal(t, int64(3), reg.Credits)

	w = call(r, http.MethodPost, "/tasks", map[string]string{"user_id": "u1", "prompt": "a limerick"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = call(r, http.MethodPost, "/tasks", map[string]string{"user_id": "u1", "prompt": "a limerick"},
		map[string]string{"X-API-Key": reg.APIKey})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, q.sent, 1)
	assert.Equal(t, "task.requested", *q.sent[0].MessageAttributes[aws.AttrDetailType].StringValue)

	w = call(r, http.MethodGet, "/credits/u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":3`)
}
