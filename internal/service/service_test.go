package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/models"
	"otp-auth-service/internal/repository/memory"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/sms"
	"otp-auth-service/internal/token"
)

const testPhone = "0501234567"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captureRecorder struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (r *captureRecorder) Record(_ context.Context, event models.SecurityEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *captureRecorder) count(t models.SecurityEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

type capturePublisher struct {
	mu     sync.Mutex
	events []redisrepo.SessionEvent
}

func (p *capturePublisher) Publish(_ context.Context, event redisrepo.SessionEvent) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) ofType(t redisrepo.SessionEventType) []redisrepo.SessionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []redisrepo.SessionEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	err      error
	onSend   func(ctx context.Context)
	ctxErrs  []error
}

func (s *fakeSender) Send(ctx context.Context, _, message string) (*sms.Result, error) {
	if s.onSend != nil {
		s.onSend(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if s.err != nil {
		return nil, s.err
	}
	s.messages = append(s.messages, message)
	return &sms.Result{Success: true, ProviderMessageID: "SM1"}, nil
}

type harness struct {
	clock    *testClock
	store    *memory.Store
	sender   *fakeSender
	events   *capturePublisher
	audit    *captureRecorder
	accounts *AccountService
	sessions *SessionManager
	issuer   *OTPIssuer
	verifier *OTPVerifier
	admin    *AdminService
}

type harnessOptions struct {
	cooldown    time.Duration
	maxSessions int
	codeLength  int
	adminPhones []string
	phoneLimit  int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.codeLength == 0 {
		opts.codeLength = 6
	}
	if opts.phoneLimit == 0 {
		opts.phoneLimit = 100
	}

	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	limiter := redisrepo.NewRateLimitCache(client.WrapRedis(rc), opts.phoneLimit, 100, time.Hour)

	hasher, err := hashing.NewHasherWithParams(
		hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1},
		hashing.Pepper{Value: "test-pepper", Version: 1},
	)
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tokens, err := token.NewManager(token.Config{
		Secret:           []byte("test-secret-test-secret-test-secret"),
		Issuer:           "otp-auth-service",
		AccessTTL:        15 * time.Minute,
		RefreshThreshold: 2 * time.Minute,
	})
	require.NoError(t, err)
	tokens.WithClock(clock.Now)

	logger := zap.NewNop()
	h := &harness{
		clock:  clock,
		store:  memory.NewStore(),
		sender: &fakeSender{},
		events: &capturePublisher{},
		audit:  &captureRecorder{},
	}

	h.accounts = NewAccountService(h.store, encryption.NewLocalManager("test", logger), opts.adminPhones, logger)
	h.accounts.now = clock.Now
	h.sessions = NewSessionManager(h.store, h.store, tokens, h.events, h.audit, SessionConfig{
		RefreshTTL:    24 * time.Hour,
		TouchInterval: time.Minute,
		MaxPerAccount: opts.maxSessions,
	}, logger)
	h.sessions.now = clock.Now
	h.issuer = NewOTPIssuer(h.store, h.store, hasher, limiter, h.sender, h.audit, IssuerConfig{
		CodeLength:     opts.codeLength,
		Expiry:         5 * time.Minute,
		MaxAttempts:    3,
		ResendCooldown: opts.cooldown,
		EchoCode:       true,
	}, logger)
	h.issuer.now = clock.Now
	h.verifier = NewOTPVerifier(h.store, h.accounts, h.sessions, hasher, h.audit, logger)
	h.verifier.now = clock.Now
	h.admin = NewAdminService(h.accounts, h.sessions, h.events, limiter, h.audit, logger)
	return h
}

func (h *harness) issue(t *testing.T) string {
	t.Helper()
	res, err := h.issuer.Issue(context.Background(), IssueRequest{Phone: testPhone, OriginIP: "10.0.0.1"})
	require.NoError(t, err)
	return res.Code
}

func (h *harness) login(t *testing.T) *VerifyResult {
	t.Helper()
	code := h.issue(t)
	res, err := h.verifier.Verify(context.Background(), VerifyRequest{
		Phone:     testPhone,
		Code:      code,
		FirstName: "Olena",
		Device:    models.DeviceInfo{IPAddress: "10.0.0.1", UserAgent: "test"},
	})
	require.NoError(t, err)
	return res
}

func wrongCode(code string) string {
	out := []byte(code)
	for i := range out {
		out[i] = '0' + (out[i]-'0'+1)%10
	}
	return string(out)
}

func TestIssueAndVerifyCreatesAccount(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	issued, err := h.issuer.Issue(ctx, IssueRequest{Phone: testPhone, OriginIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "+380501234567", issued.Phone)
	assert.Equal(t, "Vodafone", issued.Operator)
	assert.False(t, issued.IsRegisteredAccount)
	assert.Len(t, issued.Code, 6)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), issued.ExpiresAt)
	require.Len(t, h.sender.messages, 1)
	assert.Contains(t, h.sender.messages[0], issued.Code)

	res, err := h.verifier.Verify(ctx, VerifyRequest{Phone: "+38 (050) 123-45-67", Code: issued.Code, FirstName: " Olena "})
	require.NoError(t, err)
	assert.True(t, res.IsNewAccount)
	assert.Equal(t, "+380501234567", res.Account.NormalizedPhone)
	assert.Equal(t, "Olena", res.Account.FirstName)
	assert.True(t, res.Account.IsVerified)
	assert.Equal(t, models.RoleUser, res.Account.Role)
	assert.NotEmpty(t, res.Tokens.AccessToken)
	assert.NotEmpty(t, res.Tokens.RefreshToken)

	principal, err := h.sessions.Validate(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.Account.ID, principal.Account.ID)
	assert.Equal(t, res.Tokens.SessionID, principal.Session.ID)

	phone, err := h.accounts.DecryptPhone(ctx, res.Account)
	require.NoError(t, err)
	assert.Equal(t, "+38 (050) 123-45-67", phone)

	assert.Equal(t, 1, h.audit.count(models.EventAccountCreated))
	assert.Equal(t, 1, h.audit.count(models.EventLoginSuccess))

	// second login reuses the account
	h.clock.Advance(time.Minute)
	again := h.login(t)
	assert.False(t, again.IsNewAccount)
	assert.Equal(t, res.Account.ID, again.Account.ID)
}

func TestIssueRejectsInvalidPhone(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.issuer.Issue(context.Background(), IssueRequest{Phone: "12345", OriginIP: "10.0.0.1"})
	assert.ErrorIs(t, err, ErrInvalidPhone)
	assert.Empty(t, h.sender.messages)
}

func TestVerifyRejectsMalformedCode(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.verifier.Verify(context.Background(), VerifyRequest{Phone: testPhone, Code: "12a4"})
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = h.verifier.Verify(context.Background(), VerifyRequest{Phone: testPhone, Code: "123"})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestFirstNameRequiredDoesNotConsumeCode(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	code := h.issue(t)

	_, err := h.verifier.Verify(ctx, VerifyRequest{Phone: testPhone, Code: code})
	assert.ErrorIs(t, err, ErrFirstNameRequired)

	res, err := h.verifier.Verify(ctx, VerifyRequest{Phone: testPhone, Code: code, FirstName: "Taras"})
	require.NoError(t, err)
	assert.True(t, res.IsNewAccount)
}

func TestNewCodeInvalidatesPrevious(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	first := h.issue(t)
	h.clock.Advance(10 * time.Second)
	second := h.issue(t)
	if first == second {
		t.Skip("codes collided")
	}

	_, err := h.verifier.Verify(ctx, VerifyRequest{Phone: testPhone, Code: first, FirstName: "Olena"})
	assert.ErrorIs(t, err, ErrCodeNotFound)

	_, err = h.verifier.Verify(ctx, VerifyRequest{Phone: testPhone, Code: second, FirstName: "Olena"})
	assert.NoError(t, err)

	// a consumed code cannot be replayed
	_, err = h.verifier.Verify(ctx, VerifyRequest{Phone: testPhone, Code: second, FirstName: "Olena"})
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestVerifyMaxAttempts(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	code := h.issue(t)

	for i := 0; i < 3; i++ {
		_, err := h.verifier.Verify(ctx, VerifyRequest{Phone: testPhone, Code: wrongCode(code), FirstName: "Olena"})
		assert.ErrorIs(t, err, ErrCodeNotFound)
	}

	_, err := h.verifier.Verify(ctx, VerifyRequest{Phone: testPhone, Code: code, FirstName: "Olena"})
	assert.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	assert.Equal(t, 4, h.audit.count(models.EventVerifyFailed))
}

func TestVerifyExpiredCode(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	code := h.issue(t)
	h.clock.Advance(5 * time.Minute)

	_, err := h.verifier.Verify(context.Background(), VerifyRequest{Phone: testPhone, Code: code, FirstName: "Olena"})
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestVerifyWithoutIssuedCode(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.verifier.Verify(context.Background(), VerifyRequest{Phone: testPhone, Code: "1234", FirstName: "Olena"})
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestConcurrentVerifySingleWinner(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.login(t)
	h.clock.Advance(time.Minute)
	code := h.issue(t)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		notFound  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.verifier.Verify(context.Background(), VerifyRequest{Phone: testPhone, Code: code})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrCodeNotFound):
				notFound++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, notFound)
}

func TestPhoneRateLimit(t *testing.T) {
	h := newHarness(t, harnessOptions{phoneLimit: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.issue(t)
		h.clock.Advance(time.Second)
	}

	_, err := h.issuer.Issue(ctx, IssueRequest{Phone: testPhone, OriginIP: "10.0.0.1"})
	require.ErrorIs(t, err, ErrRateLimited)
	var limitErr *RateLimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, LimitPhone, limitErr.Reason)
	assert.Greater(t, limitErr.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, h.audit.count(models.EventCodeRateLimited))
}

func TestResendCooldown(t *testing.T) {
	h := newHarness(t, harnessOptions{cooldown: time.Minute})
	ctx := context.Background()

	first, err := h.issuer.Issue(ctx, IssueRequest{Phone: testPhone, OriginIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(time.Minute), first.ResendAvailableAt)

	h.clock.Advance(20 * time.Second)
	_, err = h.issuer.Issue(ctx, IssueRequest{Phone: testPhone, OriginIP: "10.0.0.1"})
	var limitErr *RateLimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, LimitCooldown, limitErr.Reason)
	assert.Equal(t, 40*time.Second, limitErr.RetryAfter)

	h.clock.Advance(40 * time.Second)
	_, err = h.issuer.Issue(ctx, IssueRequest{Phone: testPhone, OriginIP: "10.0.0.1"})
	assert.NoError(t, err)
}

func TestDeliveryFailureStillIssues(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.sender.err = sms.ErrProviderUnavailable

	res, err := h.issuer.Issue(context.Background(), IssueRequest{Phone: testPhone, OriginIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Code)
	assert.Equal(t, 1, h.audit.count(models.EventCodeDeliveryFailed))
}

func TestDeliverySurvivesClientDisconnect(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deadline bool
	h.sender.onSend = func(sendCtx context.Context) {
		// the client hangs up while the message is in flight
		cancel()
		_, deadline = sendCtx.Deadline()
	}

	res, err := h.issuer.Issue(ctx, IssueRequest{Phone: testPhone, OriginIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, deadline)
	require.Len(t, h.sender.ctxErrs, 1)
	assert.NoError(t, h.sender.ctxErrs[0])
	require.Len(t, h.sender.messages, 1)
	assert.Equal(t, "Your verification code: "+res.Code, h.sender.messages[0])
	assert.Zero(t, h.audit.count(models.EventCodeDeliveryFailed))
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	login := h.login(t)

	h.clock.Advance(time.Hour)
	next, err := h.sessions.Refresh(ctx, login.Tokens.RefreshToken, models.DeviceInfo{})
	require.NoError(t, err)
	assert.Equal(t, login.Tokens.SessionID, next.SessionID)
	assert.NotEqual(t, login.Tokens.RefreshToken, next.RefreshToken)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), next.RefreshExpiresAt)

	_, err = h.sessions.Refresh(ctx, login.Tokens.RefreshToken, models.DeviceInfo{})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.Equal(t, 1, h.audit.count(models.EventRefreshReuse))

	_, err = h.sessions.Refresh(ctx, "not-a-token", models.DeviceInfo{})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	login := h.login(t)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.sessions.Refresh(context.Background(), login.Tokens.RefreshToken, models.DeviceInfo{}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestRefreshExpiredSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	login := h.login(t)

	h.clock.Advance(25 * time.Hour)
	_, err := h.sessions.Refresh(ctx, login.Tokens.RefreshToken, models.DeviceInfo{})
	assert.ErrorIs(t, err, ErrSessionRevoked)

	session, err := h.store.GetSession(ctx, login.Tokens.SessionID)
	require.NoError(t, err)
	assert.False(t, session.IsActive)
	assert.Equal(t, models.ReasonExpired, session.DeactivationReason)
}

func TestLogoutRevokesSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	login := h.login(t)

	require.NoError(t, h.sessions.Logout(ctx, login.Tokens.RefreshToken))

	_, err := h.sessions.Validate(ctx, login.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrSessionRevoked)
	_, err = h.sessions.Refresh(ctx, login.Tokens.RefreshToken, models.DeviceInfo{})
	assert.ErrorIs(t, err, ErrSessionRevoked)

	revoked := h.events.ofType(redisrepo.SessionRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, string(models.ReasonManualLogout), revoked[0].Reason)

	// revoking again is a no-op
	require.NoError(t, h.sessions.Revoke(ctx, login.Tokens.SessionID, models.ReasonManualLogout))
	assert.Len(t, h.events.ofType(redisrepo.SessionRevoked), 1)
}

func TestValidateRejectsExpiredAccessToken(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	login := h.login(t)

	h.clock.Advance(14 * time.Minute)
	principal, err := h.sessions.Validate(context.Background(), login.Tokens.AccessToken)
	require.NoError(t, err)
	assert.True(t, principal.NeedsRefresh)

	h.clock.Advance(2 * time.Minute)
	_, err = h.sessions.Validate(context.Background(), login.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionLimitRevokesOldest(t *testing.T) {
	h := newHarness(t, harnessOptions{maxSessions: 2})
	ctx := context.Background()
	first := h.login(t)

	var last *TokenPair
	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Minute)
		pair, err := h.sessions.IssueTokens(ctx, first.Account, models.DeviceInfo{})
		require.NoError(t, err)
		last = pair
	}

	active, err := h.sessions.ListActive(ctx, first.Account.ID)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, last.SessionID, active[1].ID)

	oldest, err := h.store.GetSession(ctx, first.Tokens.SessionID)
	require.NoError(t, err)
	assert.False(t, oldest.IsActive)
	assert.Equal(t, models.ReasonSessionLimit, oldest.DeactivationReason)
}

func TestBlockRevokesSessionsAndLogin(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	login := h.login(t)

	account, err := h.admin.SetBlocked(ctx, 99, login.Account.ID, true)
	require.NoError(t, err)
	assert.True(t, account.IsBlocked)

	_, err = h.sessions.Validate(ctx, login.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	revoked := h.events.ofType(redisrepo.SessionRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, string(models.ReasonSecurityLogout), revoked[0].Reason)
	status := h.events.ofType(redisrepo.AccountStatus)
	require.Len(t, status, 1)
	assert.True(t, status[0].Blocked)
	assert.Equal(t, 1, h.audit.count(models.EventAccountBlocked))

	h.clock.Advance(time.Minute)
	code := h.issue(t)
	_, err = h.verifier.Verify(ctx, VerifyRequest{Phone: testPhone, Code: code})
	assert.ErrorIs(t, err, ErrAccountBlocked)

	_, err = h.admin.SetBlocked(ctx, 99, login.Account.ID, false)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	res := h.login(t)
	assert.False(t, res.Account.IsBlocked)
}

func TestUnblockResetsPhoneRateLimit(t *testing.T) {
	h := newHarness(t, harnessOptions{phoneLimit: 2})
	ctx := context.Background()
	login := h.login(t)

	_, err := h.admin.SetBlocked(ctx, 99, login.Account.ID, true)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	h.issue(t)
	h.clock.Advance(time.Minute)
	_, err = h.issuer.Issue(ctx, IssueRequest{Phone: testPhone, OriginIP: "10.0.0.1"})
	var limitErr *RateLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitPhone, limitErr.Reason)

	_, err = h.admin.SetBlocked(ctx, 99, login.Account.ID, false)
	require.NoError(t, err)

	res := h.login(t)
	assert.False(t, res.Account.IsBlocked)
}

func TestAdminServiceUnknownAccount(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.admin.SetBlocked(context.Background(), 1, 4242, true)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = h.admin.RevokeAllSessions(context.Background(), 1, 4242)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAdminPhoneReceivesRole(t *testing.T) {
	h := newHarness(t, harnessOptions{adminPhones: []string{"+380501234567"}})
	res := h.login(t)
	assert.Equal(t, models.RoleAdmin, res.Account.Role)
}

func TestRateLimitErrorMatchesSentinel(t *testing.T) {
	err := error(&RateLimitError{Reason: LimitIP, RetryAfter: 90 * time.Second})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, strings.Contains(err.Error(), "ip"))
}
