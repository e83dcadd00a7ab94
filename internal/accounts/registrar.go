package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/credits"
	"github.com/imrishuroy/go-reliable-taskflow/internal/saga"
)

// ClaimsStore updates the authorization claims other services read.
type ClaimsStore interface {
	SetClaims(ctx context.Context, userID string, claims Claims) error
}

// Serializer runs fn exclusively for key.
type Serializer interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// CreditGranter adjusts credit balances.
type CreditGranter interface {
	Adjust(ctx context.Context, req credits.AdjustRequest) (int64, error)
}

// RegistrarDeps wires a Registrar. Claims defaults to Users; Guard, Journal
// and Credits are optional.
type RegistrarDeps struct {
	Users         *UserStore
	Keys          *KeyStore
	Claims        ClaimsStore
	Credits       CreditGranter
	Guard         Serializer
	Journal       saga.Journal
	SignupCredits int64
	Logger        logrus.FieldLogger
}

// Registration is the outcome of a completed registration.
type Registration struct {
	UserID      string `json:"user_id"`
	KeyID       string `json:"key_id"`
	Token       string `json:"api_key"`
	Credits     int64  `json:"credits"`
	ExecutionID string `json:"execution_id"`
}

type registration struct {
	user    NewUser
	key     *IssuedKey
	balance int64
}

// Registrar provisions accounts: user record, API key, key link, claims and,
// when configured, signup credits. Either every step takes effect or the
// completed ones are undone.
type Registrar struct {
	guard  Serializer
	saga   *saga.Saga[registration]
	logger logrus.FieldLogger
}

// NewRegistrar builds the registration saga.
func NewRegistrar(d RegistrarDeps) *Registrar {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	claims := d.Claims
	if claims == nil {
		claims = d.Users
	}
	now := time.Now

	b := saga.NewBuilder[registration]("user-registration").
		AddStep("register_user",
			func(ctx context.Context, r *registration) error {
				_, err := d.Users.Create(ctx, r.user)
				return err
			},
			func(ctx context.Context, r *registration) error {
				return d.Users.Delete(ctx, r.user.UserID)
			}).
		AddStep("issue_api_key",
			func(ctx context.Context, r *registration) error {
				key, err := d.Keys.Issue(ctx, r.user.UserID)
				if err != nil {
					return err
				}
				r.key = key
				return nil
			},
			func(ctx context.Context, r *registration) error {
				return d.Keys.Revoke(ctx, r.key.KeyID)
			}).
		AddStep("save_api_key",
			func(ctx context.Context, r *registration) error {
				return d.Users.AttachKey(ctx, r.user.UserID, r.key.KeyID)
			},
			func(ctx context.Context, r *registration) error {
				return d.Users.AttachKey(ctx, r.user.UserID, "")
			}).
		AddStep("update_claims",
			func(ctx context.Context, r *registration) error {
				return claims.SetClaims(ctx, r.user.UserID, ActiveClaims(now()))
			},
			func(ctx context.Context, r *registration) error {
				return claims.SetClaims(ctx, r.user.UserID, PendingClaims())
			})

	if d.SignupCredits > 0 && d.Credits != nil {
		amount := d.SignupCredits
		b.AddStep("grant_signup_credits",
			func(ctx context.Context, r *registration) error {
				balance, err := d.Credits.Adjust(ctx, credits.AdjustRequest{
					UserID: r.user.UserID, Amount: amount, Direction: credits.Increment, KeyID: r.key.KeyID,
				})
				r.balance = balance
				return err
			},
			func(ctx context.Context, r *registration) error {
				_, err := d.Credits.Adjust(ctx, credits.AdjustRequest{
					UserID: r.user.UserID, Amount: amount, Direction: credits.Decrement, KeyID: r.key.KeyID,
				})
				return err
			})
	}

	return &Registrar{
		guard:  d.Guard,
		saga:   b.Build(d.Journal, d.Logger),
		logger: d.Logger,
	}
}

// Register provisions nu. A user id that is already registered, or is being
// registered concurrently, yields KindConflict.
func (r *Registrar) Register(ctx context.Context, nu NewUser) (*Registration, error) {
	fields := map[string]string{}
	if nu.UserID == "" {
		fields["user_id"] = "required"
	}
	if nu.Email == "" {
		fields["email"] = "required"
	}
	if len(fields) > 0 {
		return nil, apperror.Validation("accounts.register", fields, errors.New("invalid registration"))
	}

	state := &registration{user: nu}
	var exec *saga.Execution
	run := func(ctx context.Context) error {
		var err error
		exec, err = r.saga.Run(ctx, nu.UserID, state)
		return err
	}

	var err error
	if r.guard != nil {
		err = r.guard.Do(ctx, nu.UserID, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			return nil, apperror.New(apperror.KindConflict, "accounts.register", ErrUserExists)
		}
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{"user_id": nu.UserID, "key_id": state.key.KeyID}).Info("user registered")
	return &Registration{
		UserID:      nu.UserID,
		KeyID:       state.key.KeyID,
		Token:       state.key.Token,
		Credits:     state.balance,
		ExecutionID: exec.ID,
	}, nil
}
