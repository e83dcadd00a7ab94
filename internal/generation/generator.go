// Package generation abstracts the generative model that produces task
// output, and wraps it with bounded retries.
package generation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/retry"
)

// Generator produces text for a prompt. Calls are safe to repeat but not
// idempotent: each call may return different content.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type retrying struct {
	call retry.Func[string, string]
}

// WithRetry wraps g so transient failures are retried under p. Errors for
// which Transient is false are returned at once. When p.OnRetry is nil each
// retry is logged.
func WithRetry(g Generator, p retry.Policy, logger logrus.FieldLogger) Generator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if p.Retryable == nil {
		p.Retryable = Transient
	}
	if p.OnRetry == nil {
		p.OnRetry = func(err error, attempt int, wait time.Duration) {
			logger.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).
				WithError(err).Warn("generation failed, retrying")
		}
	}
	return &retrying{call: retry.WithRetry(g.Generate, p)}
}

func (r *retrying) Generate(ctx context.Context, prompt string) (string, error) {
	return r.call(ctx, prompt)
}
