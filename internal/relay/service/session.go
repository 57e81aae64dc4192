package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
	"github.com/aussiebroadwan/arcrelay/internal/relay/metrics"
	"github.com/aussiebroadwan/arcrelay/pkg/httpx"
	"github.com/aussiebroadwan/arcrelay/pkg/idx"
	"github.com/aussiebroadwan/arcrelay/pkg/slogx"
	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultRenewBefore is how close to lease expiry the loop renews
	// without waiting for the relay to reject a call.
	DefaultRenewBefore = 30 * time.Second

	DefaultRetryInitialInterval = time.Second
	DefaultRetryMaxInterval     = time.Minute

	renewLeaseExpiring = "lease_expiring"
)

// ErrRetriesExhausted is returned by Run when the retry policy gives up.
var ErrRetriesExhausted = errors.New("relay session: retries exhausted")

// Provisioner obtains relay endpoints. *RelayProvisioner satisfies it.
type Provisioner interface {
	Provision(ctx context.Context) (domain.RelayEndpoint, error)
}

// TokenCache is a TokenSource whose cache can be dropped.
type TokenCache interface {
	TokenSource
	Purge(ctx context.Context)
}

// SessionConfig holds the static parameters of the loop.
type SessionConfig struct {
	// PoPScopes are requested for the token bound to the relay endpoint.
	PoPScopes []string

	// PASScopes, when set, add a second bearer token presented alongside.
	PASScopes []string

	Method  string
	APIPath string

	// RenewBefore triggers renewal once the lease has this much time left.
	// Zero disables proactive renewal.
	RenewBefore time.Duration
}

// Session drives provisioning, authentication and polling, renewing the whole
// chain whenever a generation ends.
type Session struct {
	Provisioner Provisioner
	Tokens      TokenCache
	Channels    ChannelFactory
	Config      SessionConfig

	// Backoff paces renewals after failures. It is reset after every
	// generation that completed at least one poll.
	Backoff backoff.BackOff

	// Sleep waits between renewals. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Pacer spaces polls. Nil means no pacing.
	Pacer httpx.Pacer

	Logger  *slog.Logger
	Metrics metrics.Recorder
	Now     func() time.Time
}

// NewBackoff returns the default renewal policy: exponential from initial up
// to max, with no overall deadline.
func NewBackoff(initial, maxInterval time.Duration) backoff.BackOff {
	if initial <= 0 {
		initial = DefaultRetryInitialInterval
	}
	if maxInterval <= 0 {
		maxInterval = DefaultRetryMaxInterval
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	return b
}

// Run loops until ctx is cancelled, a configuration fault occurs or the retry
// policy stops. Recoverable faults only ever cause a renewal.
func (s *Session) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slogx.FromContext(ctx)
	}
	bo := s.Backoff
	if bo == nil {
		bo = NewBackoff(0, 0)
	}
	bo.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		gen := idx.New()
		gctx := slogx.WithGeneration(slogx.WithContext(ctx, logger), gen.String())
		l := slogx.FromContext(gctx)
		l.Debug("relay generation started", slog.Time("started_at", gen.Time()))

		polls, err := s.runGeneration(gctx)

		// Renewing: nothing from this generation survives.
		s.Tokens.Purge(gctx)

		if ctxErr := ctx.Err(); ctxErr != nil {
			l.Info("relay session stopped", slog.Int("polls", polls))
			return ctxErr
		}

		if err == nil {
			s.recorder().Renewed(renewLeaseExpiring)
			if polls > 0 {
				l.Info("relay lease expiring, renewing", slog.Int("polls", polls))
				bo.Reset()
				continue
			}

			// The lease was already inside the renewal window when it was
			// handed out. Back off like a failure to avoid spinning.
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("%w: relay leases shorter than %s", ErrRetriesExhausted, s.Config.RenewBefore)
			}
			l.Warn("relay lease too short to poll",
				slog.Duration("renew_before", s.Config.RenewBefore),
				slog.Duration("retry_in", wait),
			)
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if !domain.IsRecoverable(err) {
			l.Error("relay session failed",
				slog.String("fault", domain.FaultKind(err)),
				slog.Any("error", err),
			)
			return err
		}

		reason := domain.FaultKind(err)
		s.recorder().Renewed(reason)
		if polls > 0 {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			l.Error("relay session giving up",
				slog.String("fault", reason),
				slog.Any("error", err),
			)
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}

		l.Warn("relay renewal",
			slog.String("fault", reason),
			slog.Int("polls", polls),
			slog.Duration("retry_in", wait),
			slog.Any("error", err),
		)

		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// runGeneration provisions one endpoint and polls it until it fails or its
// lease is about to end. A nil error means proactive renewal.
func (s *Session) runGeneration(ctx context.Context) (int, error) {
	l := slogx.FromContext(ctx)

	// Provisioning
	ep, err := s.Provisioner.Provision(ctx)
	if err != nil {
		return 0, err
	}

	// Authenticating
	s.Tokens.Purge(ctx)
	method := domain.NormalizeMethod(s.Config.Method)
	target := ep.Target(s.Config.APIPath)
	creds, err := s.authenticate(ctx, method, target)
	if err != nil {
		return 0, err
	}

	ch, err := s.Channels(ep)
	if err != nil {
		return 0, &domain.ChannelFault{Kind: domain.ChannelTransport, Err: err}
	}
	if c, ok := ch.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				l.Debug("relay channel close failed", slog.Any("error", err))
			}
		}()
	}

	// Polling
	stats := domain.NewSessionStats(s.now())
	for {
		if err := ctx.Err(); err != nil {
			return stats.Calls, err
		}

		if s.Config.RenewBefore > 0 && ep.Remaining(s.now()) <= s.Config.RenewBefore {
			return stats.Calls, nil
		}

		if s.Pacer != nil {
			if err := s.Pacer.Wait(ctx); err != nil {
				return stats.Calls, err
			}
		}

		start := s.now()
		resp, err := ch.Poll(ctx, method, target, creds)
		elapsed := s.now().Sub(start)
		if err != nil {
			s.recorder().Polled(metrics.ResultFailure, elapsed)
			return stats.Calls, err
		}

		qps := stats.Record(elapsed)
		remaining := ep.Remaining(s.now())

		s.recorder().Polled(metrics.ResultSuccess, elapsed)
		s.recorder().AverageQPS(qps)
		s.recorder().LeaseRemaining(remaining)

		attrs := []slog.Attr{
			slog.Int("query", stats.Calls),
			slog.Float64("average_qps", qps),
			slog.Int64("refresh_in_s", int64(remaining/time.Second)),
		}
		attrs = append(attrs, resp.LogAttrs()...)
		l.LogAttrs(ctx, slog.LevelInfo, "relay poll", attrs...)
	}
}

func (s *Session) authenticate(ctx context.Context, method, target string) (Credentials, error) {
	pop, err := s.Tokens.Acquire(ctx, domain.TokenRequest{
		Scopes:  s.Config.PoPScopes,
		Binding: &domain.PoPBinding{URI: target, Method: method},
	})
	if err != nil {
		return Credentials{}, err
	}

	creds := Credentials{PoP: pop}
	if len(s.Config.PASScopes) > 0 {
		pas, err := s.Tokens.Acquire(ctx, domain.TokenRequest{Scopes: s.Config.PASScopes})
		if err != nil {
			return Credentials{}, err
		}
		creds.PAS = &pas
	}
	return creds, nil
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Session) recorder() metrics.Recorder {
	if s.Metrics != nil {
		return s.Metrics
	}
	return metrics.Nop{}
}
