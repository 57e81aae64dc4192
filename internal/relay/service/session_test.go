package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
	"github.com/aussiebroadwan/arcrelay/internal/relay/service"
	"github.com/aussiebroadwan/arcrelay/pkg/slogx"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

// journal records the order in which the fakes are exercised.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.events = append(j.events, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.events)
}

func (j *journal) count(event string) int {
	n := 0
	for _, e := range j.snapshot() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeProvisioner struct {
	j     *journal
	clk   *clock
	lease time.Duration
	errs  []error // returned in order; nil entries succeed
	calls int
}

func (f *fakeProvisioner) Provision(context.Context) (domain.RelayEndpoint, error) {
	f.calls++
	f.j.add("provision")
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.RelayEndpoint{}, err
		}
	}
	lease := f.lease
	if lease == 0 {
		lease = time.Hour
	}
	return domain.RelayEndpoint{
		URI:        fmt.Sprintf("https://relay-%d.example.com:6443", f.calls),
		HostHeader: fmt.Sprintf("relay-%d.example.com", f.calls),
		Port:       6443,
		ExpiresAt:  f.clk.Now().Add(lease),
	}, nil
}

type fakeTokens struct {
	j    *journal
	errs []error
	reqs []domain.TokenRequest
}

func (f *fakeTokens) Acquire(_ context.Context, req domain.TokenRequest) (domain.AccessToken, error) {
	f.reqs = append(f.reqs, req)
	f.j.add("acquire:%s", req.Kind())
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.AccessToken{}, err
		}
	}
	return domain.AccessToken{Value: "v-" + string(req.Kind()), Raw: "r", Kind: req.Kind(), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Purge(context.Context) { f.j.add("purge") }

// fakeChannel fails the polls listed in fail (1-based, counted across all
// generations) and cancels the session on poll number stopAt.
type fakeChannel struct {
	j       *journal
	clk     *clock
	step    time.Duration
	fail    map[int]error
	stopAt  int
	cancel  context.CancelFunc
	polls   int
	targets []string
	creds   []service.Credentials

	opened, closed int
	liveAtOpen     []int
}

func (f *fakeChannel) factory(ep domain.RelayEndpoint) (service.Channel, error) {
	f.j.add("open:%s", ep.HostHeader)
	f.liveAtOpen = append(f.liveAtOpen, f.opened-f.closed)
	f.opened++
	return f, nil
}

func (f *fakeChannel) Close() error {
	f.closed++
	return nil
}

func (f *fakeChannel) Poll(_ context.Context, method, target string, creds service.Credentials) (*service.PollResponse, error) {
	f.polls++
	n := f.polls
	f.targets = append(f.targets, method+" "+target)
	f.creds = append(f.creds, creds)
	f.j.add("poll:%d", n)

	if f.clk != nil {
		f.clk.Advance(f.step)
	}
	if n == f.stopAt {
		f.cancel()
	}
	if err, ok := f.fail[n]; ok {
		return nil, err
	}
	return &service.PollResponse{StatusCode: http.StatusOK}, nil
}

type renewals struct {
	mu      sync.Mutex
	reasons []string
	qps     []float64
}

func (r *renewals) TokenAcquired(string, string) {}
func (r *renewals) Provisioned(string)           {}
func (r *renewals) Polled(string, time.Duration) {}
func (r *renewals) LeaseRemaining(time.Duration) {}
func (r *renewals) Renewed(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}
func (r *renewals) AverageQPS(q float64) { r.mu.Lock(); r.qps = append(r.qps, q); r.mu.Unlock() }

func noSleep(context.Context, time.Duration) error { return nil }

func newSession(j *journal, clk *clock, prov *fakeProvisioner, tokens *fakeTokens, ch *fakeChannel, retries uint64) *service.Session {
	return &service.Session{
		Provisioner: prov,
		Tokens:      tokens,
		Channels:    ch.factory,
		Config: service.SessionConfig{
			PoPScopes: []string{"5fa47195-e890-485e-a90c-3d417cfcb1e2/.default"},
			APIPath:   "/api/status",
		},
		Backoff: backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries),
		Sleep:   noSleep,
		Logger:  slogx.Discard(),
		Now:     clk.Now,
	}
}

func TestSession_SurvivesCredentialDenied(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, clk := &journal{}, newClock()
	prov := &fakeProvisioner{j: j, clk: clk, errs: []error{
		&domain.ProvisionFault{Kind: domain.ProvisionCredentialDenied, StatusCode: 403, Body: "denied"},
	}}
	tokens := &fakeTokens{j: j}
	ch := &fakeChannel{j: j, stopAt: 1, cancel: cancel}

	err := newSession(j, clk, prov, tokens, ch, 5).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, prov.calls)
	require.Equal(t, 1, ch.polls)
	require.Equal(t, []string{"GET https://relay-2.example.com:6443/api/status"}, ch.targets)
}

func TestSession_PollFailureTriggersRenewal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, clk := &journal{}, newClock()
	prov := &fakeProvisioner{j: j, clk: clk}
	tokens := &fakeTokens{j: j}
	ch := &fakeChannel{
		j:      j,
		fail:   map[int]error{5: &domain.ChannelFault{Kind: domain.ChannelStatus, StatusCode: http.StatusUnauthorized}},
		stopAt: 6,
		cancel: cancel,
	}
	rec := &renewals{}
	s := newSession(j, clk, prov, tokens, ch, 5)
	s.Metrics = rec

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	events := j.snapshot()
	failed := slices.Index(events, "poll:5")
	next := slices.Index(events, "poll:6")
	require.Positive(t, failed)
	require.Greater(t, next, failed)

	between := events[failed+1 : next]
	require.Contains(t, between, "purge")
	require.Contains(t, between, "provision")

	require.Equal(t, 2, ch.opened)
	require.Equal(t, ch.opened, ch.closed, "every generation releases its channel")
	require.Equal(t, []int{0, 0}, ch.liveAtOpen, "the old channel is closed before the next one opens")
	require.Less(t, slices.Index(between, "purge"), slices.Index(between, "provision"))
	require.Contains(t, between, "acquire:pop")
	require.Contains(t, between, "open:relay-2.example.com")

	require.Equal(t, 2, prov.calls)
	require.Equal(t, []string{"channel_status"}, rec.reasons)

	// The PoP binding follows the new endpoint.
	require.Equal(t, "https://relay-1.example.com:6443/api/status", tokens.reqs[0].Binding.URI)
	require.Equal(t, "https://relay-2.example.com:6443/api/status", tokens.reqs[1].Binding.URI)
}

func TestSession_AuthFaultRenewsWholeChain(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, clk := &journal{}, newClock()
	prov := &fakeProvisioner{j: j, clk: clk}
	tokens := &fakeTokens{j: j, errs: []error{&domain.AuthFault{Kind: domain.AuthServiceUnavailable}}}
	ch := &fakeChannel{j: j, stopAt: 1, cancel: cancel}

	err := newSession(j, clk, prov, tokens, ch, 5).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, prov.calls, "authentication is never retried on its own")
	require.Equal(t, 1, ch.polls)
}

func TestSession_ConfigFaultIsFatal(t *testing.T) {
	t.Parallel()

	j, clk := &journal{}, newClock()
	prov := &fakeProvisioner{j: j, clk: clk, errs: []error{domain.NewConfigFault("ArcServerName", "is required")}}
	tokens := &fakeTokens{j: j}
	ch := &fakeChannel{j: j, cancel: func() {}}

	err := newSession(j, clk, prov, tokens, ch, 5).Run(context.Background())
	require.True(t, domain.IsConfigFault(err))
	require.Equal(t, 1, prov.calls)
}

func TestSession_UnknownErrorIsFatal(t *testing.T) {
	t.Parallel()

	j, clk := &journal{}, newClock()
	boom := errors.New("boom")
	prov := &fakeProvisioner{j: j, clk: clk}
	tokens := &fakeTokens{j: j}
	ch := &fakeChannel{j: j, fail: map[int]error{1: boom}, cancel: func() {}}

	err := newSession(j, clk, prov, tokens, ch, 5).Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, prov.calls)
}

func TestSession_RetriesExhausted(t *testing.T) {
	t.Parallel()

	j, clk := &journal{}, newClock()
	denied := &domain.ProvisionFault{Kind: domain.ProvisionCredentialDenied, StatusCode: 403}
	prov := &fakeProvisioner{j: j, clk: clk, errs: []error{denied, denied, denied, denied}}
	tokens := &fakeTokens{j: j}
	ch := &fakeChannel{j: j, cancel: func() {}}

	err := newSession(j, clk, prov, tokens, ch, 2).Run(context.Background())
	require.ErrorIs(t, err, service.ErrRetriesExhausted)
	require.ErrorIs(t, err, denied)
	require.Equal(t, 3, prov.calls)
}

func TestSession_BackoffResetsAfterSuccessfulPoll(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, clk := &journal{}, newClock()
	prov := &fakeProvisioner{j: j, clk: clk}
	tokens := &fakeTokens{j: j}
	lease := &domain.ChannelFault{Kind: domain.ChannelStatus, StatusCode: http.StatusUnauthorized}
	// Every generation polls once successfully and then fails; with a
	// budget of one retry the session only survives if the budget resets.
	ch := &fakeChannel{
		j:      j,
		fail:   map[int]error{2: lease, 4: lease, 6: lease},
		stopAt: 7,
		cancel: cancel,
	}

	err := newSession(j, clk, prov, tokens, ch, 1).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 4, prov.calls)
}

func TestSession_ProactiveRenewal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, clk := &journal{}, newClock()
	prov := &fakeProvisioner{j: j, clk: clk, lease: time.Minute}
	tokens := &fakeTokens{j: j}
	ch := &fakeChannel{j: j, clk: clk, step: 20 * time.Second, stopAt: 3, cancel: cancel}
	rec := &renewals{}

	s := newSession(j, clk, prov, tokens, ch, 0)
	s.Config.RenewBefore = 30 * time.Second
	s.Metrics = rec

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Two polls fit before the lease enters the renewal window.
	require.Equal(t, []string{
		"provision", "purge", "acquire:pop", "open:relay-1.example.com",
		"poll:1", "poll:2",
		"purge",
		"provision", "purge", "acquire:pop", "open:relay-2.example.com",
		"poll:3",
		"purge",
	}, j.snapshot())
	require.Equal(t, []string{"lease_expiring"}, rec.reasons)

	// Stats restart with each generation.
	require.Len(t, rec.qps, 3)
	require.InDelta(t, 0.05, rec.qps[0], 1e-9)
	require.InDelta(t, 0.05, rec.qps[2], 1e-9)
}

func TestSession_CompositeCredentials(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, clk := &journal{}, newClock()
	prov := &fakeProvisioner{j: j, clk: clk}
	tokens := &fakeTokens{j: j}
	ch := &fakeChannel{j: j, stopAt: 1, cancel: cancel}

	s := newSession(j, clk, prov, tokens, ch, 0)
	s.Config.PASScopes = []string{"https://pas.example.com/.default"}
	s.Config.Method = "post"

	require.ErrorIs(t, s.Run(ctx), context.Canceled)
	require.Len(t, ch.creds, 1)
	require.NotNil(t, ch.creds[0].PAS)
	require.Equal(t, domain.TokenPoP, ch.creds[0].PoP.Kind)
	require.Equal(t, domain.TokenPlain, ch.creds[0].PAS.Kind)
	require.Equal(t, []string{"POST https://relay-1.example.com:6443/api/status"}, ch.targets)
	require.Equal(t, http.MethodPost, tokens.reqs[0].Binding.Method)
}

func TestSession_LogsGenerationStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, clk := &journal{}, newClock()
	ch := &fakeChannel{j: j, stopAt: 1, cancel: cancel}
	s := newSession(j, clk, &fakeProvisioner{j: j, clk: clk}, &fakeTokens{j: j}, ch, 5)

	var buf bytes.Buffer
	s.Logger = slogx.New(slogx.Config{Level: "debug", Format: "json", Output: &buf})

	before := time.Now().Add(-time.Second)
	require.ErrorIs(t, s.Run(ctx), context.Canceled)

	var started struct {
		Generation string    `json:"generation"`
		StartedAt  time.Time `json:"started_at"`
	}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, `"msg":"relay generation started"`) {
			require.NoError(t, json.Unmarshal([]byte(line), &started))
			break
		}
	}
	require.NotEmpty(t, started.Generation)
	require.True(t, started.StartedAt.After(before), "start time comes from the generation id")
	require.WithinDuration(t, time.Now(), started.StartedAt, time.Minute)
}

func TestSession_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j, clk := &journal{}, newClock()
	prov := &fakeProvisioner{j: j, clk: clk}
	ch := &fakeChannel{j: j, cancel: func() {}}

	err := newSession(j, clk, prov, &fakeTokens{j: j}, ch, 0).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, prov.calls)
}

func TestNewBackoff(t *testing.T) {
	t.Parallel()

	b := service.NewBackoff(0, 0)
	eb, ok := b.(*backoff.ExponentialBackOff)
	require.True(t, ok)
	require.Equal(t, service.DefaultRetryInitialInterval, eb.InitialInterval)
	require.Equal(t, service.DefaultRetryMaxInterval, eb.MaxInterval)
	require.Zero(t, eb.MaxElapsedTime)

	for range 50 {
		require.NotEqual(t, backoff.Stop, b.NextBackOff())
	}
}
