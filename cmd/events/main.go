package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/accounts"
	"github.com/imrishuroy/go-reliable-taskflow/internal/adapter"
	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
	"github.com/imrishuroy/go-reliable-taskflow/internal/config"
	"github.com/imrishuroy/go-reliable-taskflow/internal/credits"
	"github.com/imrishuroy/go-reliable-taskflow/internal/dedup"
	"github.com/imrishuroy/go-reliable-taskflow/internal/lock"
	"github.com/imrishuroy/go-reliable-taskflow/internal/saga"
	"github.com/imrishuroy/go-reliable-taskflow/internal/validation"
)

const adapterName = "user-provisioning"

// registrar is the part of accounts.Registrar the event handler needs.
type registrar interface {
	Register(ctx context.Context, nu accounts.NewUser) (*accounts.Registration, error)
}

// provisionUser registers the user named by a user.created event. An already
// registered user means an earlier delivery finished the job.
func provisionUser(r registrar, logger logrus.FieldLogger) adapter.UseCase[validation.RegisterAccountRequest] {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(ctx context.Context, req validation.RegisterAccountRequest) error {
		reg, err := r.Register(ctx, accounts.NewUser{UserID: req.UserID, Email: req.Email, Name: req.Name})
		if errors.Is(err, accounts.ErrUserExists) {
			logger.WithField("user_id", req.UserID).Info("user already provisioned")
			return nil
		}
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"user_id": reg.UserID, "key_id": reg.KeyID}).Info("user provisioned")
		return nil
	}
}

func newProvisioningAdapter(cfg *config.Config, clients *aws.AWSClients, guard accounts.Serializer, logger logrus.FieldLogger) (*adapter.Adapter[validation.RegisterAccountRequest], error) {
	reg := accounts.NewRegistrar(accounts.RegistrarDeps{
		Users:         accounts.NewUserStore(clients.DynamoDB, cfg.Tables.Users),
		Keys:          accounts.NewKeyStore(clients.DynamoDB, cfg.Tables.UserKeys),
		Credits:       credits.NewLedger(clients.DynamoDB, cfg.Tables.Credits, cfg.Tables.CreditTransactions, logger),
		Guard:         guard,
		Journal:       saga.NewDynamoJournal(clients.DynamoDB, cfg.Tables.SagaExecutions),
		SignupCredits: cfg.SignupCredits,
		Logger:        logger,
	})

	deps := adapter.Deps{
		Dedup:  dedup.NewLedger(clients.DynamoDB, cfg.Tables.Deduplication, logger),
		Logger: logger,
	}
	if cfg.MetricsNamespace != "" {
		deps.Recorder = aws.NewMetricRecorder(clients.CloudWatch, cfg.MetricsNamespace, logger)
	}

	opts := adapter.DefaultOptions()
	opts.ContinueOnError = false
	opts.DeduplicationTTL = cfg.DeduplicationTTL

	return adapter.New[validation.RegisterAccountRequest](adapterName,
		validation.NewSchema[validation.RegisterAccountRequest](nil), provisionUser(reg, logger), opts, deps)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logger := cfg.Logger()
	ctx := context.Background()

	clients, err := aws.NewAWSClients(ctx, cfg.AWS)
	if err != nil {
		logger.WithError(err).Fatal("failed to init aws clients")
	}

	var guard accounts.Serializer
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		guard = lock.NewGuard(rdb, "registration", cfg.ProvisioningLockTTL, logger)
	}

	a, err := newProvisioningAdapter(cfg, clients, guard, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build adapter")
	}

	handler := func(ctx context.Context, e events.EventBridgeEvent) error {
		_, err := a.HandleEventBridge(ctx, e)
		return err
	}

	// If RUN_LOCAL=true, simulate a user.created event from LOCAL_EVENT_DETAIL.
	if cfg.RunLocal {
		err := handler(ctx, events.EventBridgeEvent{
			ID:         "local-1",
			Source:     "local",
			DetailType: "user.created",
			Time:       time.Now(),
			Detail:     []byte(os.Getenv("LOCAL_EVENT_DETAIL")),
		})
		if err != nil {
			logger.WithError(err).Fatal("local handler error")
		}
		return
	}

	lambda.Start(handler)
}
