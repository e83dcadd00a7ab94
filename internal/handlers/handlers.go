package handlers

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/accounts"
	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/credits"
	"github.com/imrishuroy/go-reliable-taskflow/internal/idempotency"
	"github.com/imrishuroy/go-reliable-taskflow/internal/tasks"
	"github.com/imrishuroy/go-reliable-taskflow/internal/validation"
)

// TaskService accepts and reads tasks.
type TaskService interface {
	Submit(ctx context.Context, req validation.CreateTaskRequest) (*tasks.Task, error)
	Get(ctx context.Context, taskID string) (*tasks.Task, error)
}

// CreditLedger is the part of credits.Ledger the routes use.
type CreditLedger interface {
	Account(ctx context.Context, userID string) (*credits.Account, error)
	Adjust(ctx context.Context, req credits.AdjustRequest) (int64, error)
	Transactions(ctx context.Context, userID string) ([]credits.Transaction, error)
}

// Registrar provisions accounts.
type Registrar interface {
	Register(ctx context.Context, nu accounts.NewUser) (*accounts.Registration, error)
}

// KeyVerifier resolves an API key token to its key.
type KeyVerifier interface {
	Verify(ctx context.Context, token string) (*accounts.APIKey, error)
}

// IdempotencyStore remembers responses by client supplied Idempotency-Key.
type IdempotencyStore interface {
	Begin(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, key, taskID, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// HandlerConfig groups dependencies for the routes. Keys and Idempotency are
// optional: without Keys POST /tasks is unauthenticated, without Idempotency
// the Idempotency-Key header is ignored.
type HandlerConfig struct {
	Tasks       TaskService
	Credits     CreditLedger
	Accounts    Registrar
	Keys        KeyVerifier
	Idempotency IdempotencyStore
	Validator   *validatorv10.Validate
	Logger      logrus.FieldLogger
}

type handler struct {
	HandlerConfig
}

// RegisterRoutes registers the task, credit and account routes.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	h := &handler{cfg}

	t := r.Group("/tasks")
	if cfg.Keys != nil {
		t.Use(h.requireAPIKey)
	}
	t.POST("", h.createTask)
	t.GET("/:id", h.getTask)

	r.GET("/credits/:user_id", h.getBalance)
	r.POST("/credits/:user_id/adjust", h.adjustCredits)
	r.GET("/credits/:user_id/transactions", h.listTransactions)

	r.POST("/accounts", h.registerAccount)
}

// writeError maps err to its HTTP status and a machine readable code.
func writeError(c *gin.Context, err error) {
	body := gin.H{"error": apperror.Code(err), "detail": err.Error()}
	var ae *apperror.Error
	if errors.As(err, &ae) && len(ae.Fields) > 0 {
		body["fields"] = ae.Fields
	}
	c.AbortWithStatusJSON(apperror.HTTPStatus(err), body)
}
