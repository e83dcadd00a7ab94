package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/adapter"
	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
	"github.com/imrishuroy/go-reliable-taskflow/internal/config"
	"github.com/imrishuroy/go-reliable-taskflow/internal/credits"
	"github.com/imrishuroy/go-reliable-taskflow/internal/dedup"
	"github.com/imrishuroy/go-reliable-taskflow/internal/generation"
	"github.com/imrishuroy/go-reliable-taskflow/internal/retry"
	"github.com/imrishuroy/go-reliable-taskflow/internal/saga"
	"github.com/imrishuroy/go-reliable-taskflow/internal/tasks"
	"github.com/imrishuroy/go-reliable-taskflow/internal/validation"
)

const adapterName = "task-worker"

func newTaskAdapter(cfg *config.Config, clients *aws.AWSClients, gen generation.Generator, logger logrus.FieldLogger) (*adapter.Adapter[validation.TaskMessage], error) {
	svc := tasks.NewService(tasks.ServiceDeps{
		Store:     tasks.NewStore(clients.DynamoDB, cfg.Tables.Tasks),
		Credits:   credits.NewLedger(clients.DynamoDB, cfg.Tables.Credits, cfg.Tables.CreditTransactions, logger),
		Generator: gen,
		Retry:     retry.Policy{Retries: cfg.Retry.Attempts, Delay: cfg.Retry.Delay, Exponential: true},
		Cost:      cfg.TaskCost,
		Journal:   saga.NewDynamoJournal(clients.DynamoDB, cfg.Tables.SagaExecutions),
		Logger:    logger,
	})

	deps := adapter.Deps{
		Dedup:  dedup.NewLedger(clients.DynamoDB, cfg.Tables.Deduplication, logger),
		Logger: logger,
	}
	if cfg.MetricsNamespace != "" {
		deps.Recorder = aws.NewMetricRecorder(clients.CloudWatch, cfg.MetricsNamespace, logger)
	}

	// Transient failures go back to SQS; the queue's redrive policy dead-letters
	// messages that keep failing.
	opts := adapter.DefaultOptions()
	opts.ContinueOnError = false
	opts.DeduplicationTTL = cfg.DeduplicationTTL

	return adapter.New[validation.TaskMessage](adapterName, validation.NewSchema[validation.TaskMessage](nil), svc.Execute, opts, deps)
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
	gen, err := generation.NewGeminiGenerator(ctx, generation.GeminiConfig{
		APIKey: cfg.LLM.GeminiAPIKey,
		Model:  cfg.LLM.ModelName,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to init generator")
	}

	a, err := newTaskAdapter(cfg, clients, gen, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build adapter")
	}

	// If RUN_LOCAL=true, simulate a single SQS message from LOCAL_SQS_BODY.
	if cfg.RunLocal {
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: os.Getenv("LOCAL_SQS_BODY")},
			},
		}
		resp, err := a.HandleSQS(ctx, event)
		if err != nil || len(resp.BatchItemFailures) > 0 {
			logger.WithError(err).WithField("failures", len(resp.BatchItemFailures)).Fatal("local handler error")
		}
		return
	}

	lambda.Start(a.HandleSQS)
}
