package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
	"github.com/aussiebroadwan/arcrelay/internal/relay/metrics"
	"github.com/aussiebroadwan/arcrelay/pkg/authsdk"
	"github.com/aussiebroadwan/arcrelay/pkg/cryptox"
	"github.com/aussiebroadwan/arcrelay/pkg/popx"
	"github.com/aussiebroadwan/arcrelay/pkg/slogx"
)

// DefaultExpiryBuffer is how long before expiry a cached token stops being
// handed out.
const DefaultExpiryBuffer = 30 * time.Second

// Exchanger performs the client-credentials exchange. *authsdk.SDKClient
// satisfies it.
type Exchanger interface {
	ClientCredentialsGrant(ctx context.Context, scopes []string, extra url.Values) (*authsdk.TokenResponse, error)
}

// TokenProvider turns the application identity into access tokens, keeping
// them in memory until shortly before they expire.
type TokenProvider struct {
	Exchanger    Exchanger
	PoPKey       *popx.Key
	ExpiryBuffer time.Duration
	Metrics      metrics.Recorder
	Now          func() time.Time

	mu    sync.Mutex
	cache map[string]domain.AccessToken
}

// NewTokenProvider returns a provider with the default expiry buffer.
func NewTokenProvider(ex Exchanger, key *popx.Key) *TokenProvider {
	return &TokenProvider{
		Exchanger:    ex,
		PoPKey:       key,
		ExpiryBuffer: DefaultExpiryBuffer,
		Metrics:      metrics.Nop{},
		Now:          time.Now,
		cache:        make(map[string]domain.AccessToken),
	}
}

// Acquire returns a token for req, from the cache when one is still valid.
// Proof-of-possession tokens are re-signed for every call so the signed
// request always carries a fresh timestamp.
func (p *TokenProvider) Acquire(ctx context.Context, req domain.TokenRequest) (domain.AccessToken, error) {
	l := slogx.FromContext(ctx)
	kind := req.Kind()

	if len(req.Scopes) == 0 {
		return domain.AccessToken{}, &domain.AuthFault{
			Kind: domain.AuthInvalidScope,
			Err:  errors.New("no scopes requested"),
		}
	}
	for _, s := range req.Scopes {
		if !domain.ValidScope(s) {
			return domain.AccessToken{}, &domain.AuthFault{
				Kind:   domain.AuthInvalidScope,
				Scopes: req.Scopes,
				Err:    errors.New(`scope must have the form "<resource>/.default": ` + s),
			}
		}
	}

	var (
		target *url.URL
		method string
	)
	if kind == domain.TokenPoP {
		if p.PoPKey == nil {
			return domain.AccessToken{}, &domain.AuthFault{
				Kind:   domain.AuthInvalidBinding,
				Scopes: req.Scopes,
				Err:    errors.New("no proof-of-possession key configured"),
			}
		}
		u, err := req.Binding.Target()
		if err != nil {
			return domain.AccessToken{}, &domain.AuthFault{Kind: domain.AuthInvalidBinding, Scopes: req.Scopes, Err: err}
		}
		target = u
		method = domain.NormalizeMethod(req.Binding.Method)
	}

	key := req.CacheKey()
	now := p.now()

	p.mu.Lock()
	cached, ok := p.cache[key]
	p.mu.Unlock()

	if ok && cached.ValidAt(now, p.buffer()) {
		tok, err := p.bind(cached, method, target, now, req.Scopes)
		if err != nil {
			return domain.AccessToken{}, err
		}
		p.recorder().TokenAcquired(string(kind), metrics.ResultCached)
		l.Debug("token cache hit",
			slog.String("kind", string(kind)),
			slog.Any("scopes", req.Scopes),
			slog.String("token", cryptox.ShortFingerprint(tok.Raw)),
		)
		return tok, nil
	}

	var extra url.Values
	if kind == domain.TokenPoP {
		extra = p.PoPKey.TokenParams()
	}

	resp, err := p.Exchanger.ClientCredentialsGrant(ctx, req.Scopes, extra)
	if err != nil {
		fault := classifyTokenError(req.Scopes, err)
		p.recorder().TokenAcquired(string(kind), metrics.ResultFailure)
		l.Warn("token acquisition failed",
			slog.String("kind", string(kind)),
			slog.Any("scopes", req.Scopes),
			slog.String("fault", string(fault.Kind)),
			slog.Any("error", err),
		)
		return domain.AccessToken{}, fault
	}

	raw := domain.AccessToken{
		Value:     resp.AccessToken,
		Raw:       resp.AccessToken,
		Kind:      kind,
		ExpiresAt: resp.ExpiresAt,
	}
	tok, err := p.bind(raw, method, target, now, req.Scopes)
	if err != nil {
		return domain.AccessToken{}, err
	}

	if !raw.ExpiresAt.IsZero() {
		p.mu.Lock()
		if p.cache == nil {
			p.cache = make(map[string]domain.AccessToken)
		}
		p.cache[key] = raw
		p.mu.Unlock()
	}

	p.recorder().TokenAcquired(string(kind), metrics.ResultSuccess)
	l.Info("token acquired",
		slog.String("kind", string(kind)),
		slog.Any("scopes", req.Scopes),
		slog.String("token", cryptox.ShortFingerprint(tok.Raw)),
		slog.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

// Purge drops every cached token, logging through the context logger.
func (p *TokenProvider) Purge(ctx context.Context) {
	p.mu.Lock()
	n := len(p.cache)
	p.cache = make(map[string]domain.AccessToken)
	p.mu.Unlock()

	if n > 0 {
		slogx.FromContext(ctx).Debug("token cache purged", slog.Int("tokens", n))
	}
}

// bind wraps a PoP token into a signed HTTP request. Plain tokens pass through.
func (p *TokenProvider) bind(tok domain.AccessToken, method string, target *url.URL, now time.Time, scopes []string) (domain.AccessToken, error) {
	if tok.Kind != domain.TokenPoP {
		return tok, nil
	}
	shr, err := p.PoPKey.Sign(tok.Raw, method, target, now)
	if err != nil {
		return domain.AccessToken{}, &domain.AuthFault{Kind: domain.AuthInvalidBinding, Scopes: scopes, Err: err}
	}
	tok.Value = shr
	return tok, nil
}

func (p *TokenProvider) buffer() time.Duration {
	if p.ExpiryBuffer < 0 {
		return 0
	}
	return p.ExpiryBuffer
}

func (p *TokenProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *TokenProvider) recorder() metrics.Recorder {
	if p.Metrics != nil {
		return p.Metrics
	}
	return metrics.Nop{}
}

func classifyTokenError(scopes []string, err error) *domain.AuthFault {
	kind := domain.AuthDenied
	switch {
	case authsdk.IsInvalidScope(err):
		kind = domain.AuthInvalidScope
	case authsdk.IsTemporary(err):
		kind = domain.AuthServiceUnavailable
	}
	return &domain.AuthFault{Kind: kind, Scopes: scopes, Err: err}
}
