package main

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/accounts"
	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
	"github.com/imrishuroy/go-reliable-taskflow/internal/config"
	"github.com/imrishuroy/go-reliable-taskflow/internal/credits"
	"github.com/imrishuroy/go-reliable-taskflow/internal/handlers"
	"github.com/imrishuroy/go-reliable-taskflow/internal/idempotency"
	"github.com/imrishuroy/go-reliable-taskflow/internal/lock"
	"github.com/imrishuroy/go-reliable-taskflow/internal/saga"
	"github.com/imrishuroy/go-reliable-taskflow/internal/tasks"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

func buildHandlerConfig(cfg *config.Config, clients *aws.AWSClients, logger *logrus.Logger) handlers.HandlerConfig {
	ledger := credits.NewLedger(clients.DynamoDB, cfg.Tables.Credits, cfg.Tables.CreditTransactions, logger)
	publisher := aws.NewPublisher(clients.SQS, cfg.QueueURL, cfg.EventSource)
	keys := accounts.NewKeyStore(clients.DynamoDB, cfg.Tables.UserKeys)

	deps := accounts.RegistrarDeps{
		Users:         accounts.NewUserStore(clients.DynamoDB, cfg.Tables.Users),
		Keys:          keys,
		Credits:       ledger,
		Journal:       saga.NewDynamoJournal(clients.DynamoDB, cfg.Tables.SagaExecutions),
		SignupCredits: cfg.SignupCredits,
		Logger:        logger,
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		deps.Guard = lock.NewGuard(rdb, "registration", cfg.ProvisioningLockTTL, logger)
	}

	hc := handlers.HandlerConfig{
		Tasks:       tasks.NewSubmitter(tasks.NewStore(clients.DynamoDB, cfg.Tables.Tasks), ledger, publisher, cfg.TaskCost, logger),
		Credits:     ledger,
		Accounts:    accounts.NewRegistrar(deps),
		Idempotency: idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.IdempotencyTTL),
		Logger:      logger,
	}
	if cfg.RequireAPIKey {
		hc.Keys = keys
	}
	return hc
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logger := cfg.Logger()

	clients, err := aws.NewAWSClients(context.Background(), cfg.AWS)
	if err != nil {
		logger.WithError(err).Fatal("failed to init aws clients")
	}

	r := setupRouter(buildHandlerConfig(cfg, clients, logger))

	// RUN_LOCAL=true runs a plain HTTP server for development.
	if cfg.RunLocal {
		logger.WithField("addr", cfg.HTTPAddr).Info("running local server")
		if err := r.Run(cfg.HTTPAddr); err != nil {
			logger.WithError(err).Fatal("failed to run local server")
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
