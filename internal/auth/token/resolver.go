package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/pysugar/antigravity-nexus/internal/auth/google"
	"github.com/pysugar/antigravity-nexus/internal/ratelimit"
	"github.com/pysugar/antigravity-nexus/internal/store"
	"github.com/pysugar/antigravity-nexus/internal/upstream"
	"github.com/pysugar/antigravity-nexus/internal/util"
)

const (
	// tokenCacheTTL bounds how long a cached access token is served without
	// re-checking.
	tokenCacheTTL = 5 * time.Minute

	// refreshLoopInterval is the proactive background refresh period.
	refreshLoopInterval = 15 * time.Minute

	// refreshAheadWindow refreshes tokens this close to expiry.
	refreshAheadWindow = 10 * time.Minute

	// defaultProjectID is the last-resort project when discovery and
	// onboarding both fail.
	defaultProjectID = "bamboo-precept-lgxtn"

	onboardPollAttempts = 10
	onboardPollInterval = 5 * time.Second
)

// RefreshError wraps a failed token refresh. Permanent means the credential
// is dead and the account has been marked invalid.
type RefreshError struct {
	Permanent bool
	Err       error
}

func (e *RefreshError) Error() string { return e.Err.Error() }
func (e *RefreshError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent credential failure.
func IsPermanent(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Permanent
}

type cachedToken struct {
	token     string
	fetchedAt time.Time
	expiresAt time.Time
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// Resolver caches access tokens and managed project IDs per account email.
// Concurrent misses for one email coalesce onto a single refresh.
type Resolver struct {
	store  *store.Store
	client *upstream.Client

	mu       sync.Mutex
	tokens   map[string]*cachedToken
	projects map[string]string
	inflight map[string]*refreshCall

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time

	// refreshFn is swapped by tests; the default goes through the Google
	// token endpoint.
	refreshFn func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewResolver builds a Resolver over the given store and upstream client.
func NewResolver(st *store.Store, client *upstream.Client) *Resolver {
	r := &Resolver{
		store:    st,
		client:   client,
		tokens:   make(map[string]*cachedToken),
		projects: make(map[string]string),
		inflight: make(map[string]*refreshCall),
		stop:     make(chan struct{}),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	r.refreshFn = r.refreshViaOAuth
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resolver) refreshViaOAuth(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	config := google.GetOAuthConfig("")
	ts := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return ts.Token()
}

// GetToken returns a valid access token for the account, refreshing when the
// cache entry is older than five minutes.
func (r *Resolver) GetToken(ctx context.Context, email string) (string, error) {
	r.mu.Lock()
	if entry, ok := r.tokens[email]; ok {
		fresh := r.now().Sub(entry.fetchedAt) <= tokenCacheTTL
		unexpired := entry.expiresAt.IsZero() || entry.expiresAt.After(r.now().Add(time.Minute))
		if fresh && unexpired {
			token := entry.token
			r.mu.Unlock()
			return token, nil
		}
	}

	if call, ok := r.inflight[email]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	r.inflight[email] = call
	r.mu.Unlock()

	token, expiry, err := r.acquire(ctx, email)
	call.token, call.err = token, err

	r.mu.Lock()
	delete(r.inflight, email)
	if err == nil {
		r.tokens[email] = &cachedToken{token: token, fetchedAt: r.now(), expiresAt: expiry}
	}
	r.mu.Unlock()
	close(call.done)

	return token, err
}

func (r *Resolver) acquire(ctx context.Context, email string) (string, time.Time, error) {
	account, ok := r.store.Get(email)
	if !ok {
		return "", time.Time{}, store.ErrAccountNotFound
	}

	switch account.Kind {
	case store.CredentialAPIKey:
		return account.Credential, time.Time{}, nil

	case store.CredentialLocalDB:
		state, err := ReadLocalAuthState(account.Credential)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("local db read for %s: %w", email, err)
		}
		if state.AccessToken != "" && state.ExpiresAt.After(r.now().Add(time.Minute)) {
			return state.AccessToken, state.ExpiresAt, nil
		}
		if state.RefreshToken == "" {
			return "", time.Time{}, fmt.Errorf("local db token for %s expired with no refresh token", email)
		}
		return r.refreshOAuth(ctx, email, state.RefreshToken, false)

	default:
		comp := ParseRefresh(account.Credential)
		return r.refreshOAuth(ctx, email, comp.RefreshToken, true)
	}
}

// refreshOAuth exchanges the refresh token. persistRotation rewrites the
// composite credential when Google rotates the refresh token.
func (r *Resolver) refreshOAuth(ctx context.Context, email, refreshToken string, persistRotation bool) (string, time.Time, error) {
	newToken, err := r.refreshFn(ctx, refreshToken)
	if err != nil {
		if isPermanentRefreshError(err) {
			logrus.WithField("account", email).WithError(err).Warn("refresh token is dead, marking account invalid")
			if serr := r.store.SetInvalid(email, err.Error()); serr != nil {
				logrus.WithError(serr).Warn("failed to mark account invalid")
			}
			return "", time.Time{}, &RefreshError{Permanent: true, Err: err}
		}
		return "", time.Time{}, &RefreshError{Err: fmt.Errorf("transient refresh failure for %s: %w", email, err)}
	}

	if persistRotation && newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		logrus.WithField("account", email).Info("rotating refresh token")
		uerr := r.store.Update(email, func(a *store.Account) {
			comp := ParseRefresh(a.Credential)
			comp.RefreshToken = newToken.RefreshToken
			a.Credential = FormatRefresh(comp)
		})
		if uerr == nil {
			if serr := r.store.Save(); serr != nil {
				logrus.WithError(serr).Warn("failed to persist rotated refresh token")
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"account": email,
		"token":   util.MaskToken(newToken.AccessToken),
		"expires": newToken.Expiry.Format(time.RFC3339),
	}).Debug("refreshed access token")
	return newToken.AccessToken, newToken.Expiry, nil
}

func isPermanentRefreshError(err error) bool {
	if ratelimit.IsPermanentAuthMessage(err.Error()) {
		return true
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		// The token endpoint answered; 4xx means the grant itself is bad.
		return re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
	}
	return false
}

// GetProject resolves the managed project ID for the account, onboarding the
// user when the backend has not provisioned one yet.
func (r *Resolver) GetProject(ctx context.Context, email, accessToken string) (string, error) {
	r.mu.Lock()
	if id, ok := r.projects[email]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	account, ok := r.store.Get(email)
	if !ok {
		return "", store.ErrAccountNotFound
	}

	comp := ParseRefresh(account.Credential)
	if account.Kind == store.CredentialOAuth && comp.ManagedProjectID != "" {
		if account.Tier == store.TierUnknown || account.Tier == "" {
			r.refreshTierBlocking(ctx, email, accessToken)
		}
		r.cacheProject(email, comp.ManagedProjectID)
		return comp.ManagedProjectID, nil
	}

	resp, err := r.client.LoadCodeAssist(ctx, accessToken)
	if err != nil {
		logrus.WithField("account", email).WithError(err).Warn("loadCodeAssist failed")
		return r.projectFallback(email, comp), nil
	}

	if tier := ExtractTier(resp); tier != store.TierUnknown {
		r.saveTier(email, tier)
	}

	if id := resp.ProjectID(); id != "" {
		r.persistManagedProject(email, id)
		r.cacheProject(email, id)
		return id, nil
	}

	// Provisioned but no project: onboard against the derived tier.
	if id := r.onboard(ctx, email, accessToken, resp, comp); id != "" {
		r.persistManagedProject(email, id)
		r.cacheProject(email, id)
		return id, nil
	}

	return r.projectFallback(email, comp), nil
}

func (r *Resolver) onboard(ctx context.Context, email, accessToken string, resp *upstream.LoadCodeAssistResponse, comp CompositeRefresh) string {
	tierID := OnboardTierID(resp)
	if tierID == "" {
		return ""
	}
	logrus.WithFields(logrus.Fields{"account": email, "tier": tierID}).Info("onboarding user")
	for attempt := 0; attempt < onboardPollAttempts; attempt++ {
		out, err := r.client.OnboardUser(ctx, accessToken, tierID, comp.ProjectID)
		if err != nil {
			logrus.WithField("account", email).WithError(err).Warn("onboardUser failed")
			return ""
		}
		if out.Done {
			if out.Response.Project.ID != "" {
				return out.Response.Project.ID
			}
			return comp.ProjectID
		}
		if err := r.sleep(ctx, onboardPollInterval); err != nil {
			return ""
		}
	}
	return ""
}

func (r *Resolver) refreshTierBlocking(ctx context.Context, email, accessToken string) {
	resp, err := r.client.LoadCodeAssist(ctx, accessToken)
	if err != nil {
		logrus.WithField("account", email).WithError(err).Debug("tier fetch failed")
		return
	}
	if tier := ExtractTier(resp); tier != store.TierUnknown {
		r.saveTier(email, tier)
	}
}

func (r *Resolver) saveTier(email string, tier store.Tier) {
	err := r.store.Update(email, func(a *store.Account) { a.Tier = tier })
	if err == nil {
		if serr := r.store.Save(); serr != nil {
			logrus.WithError(serr).Warn("failed to persist tier")
		}
	}
}

func (r *Resolver) persistManagedProject(email, projectID string) {
	err := r.store.Update(email, func(a *store.Account) {
		if a.Kind != store.CredentialOAuth {
			a.ManagedProjectID = projectID
			return
		}
		comp := ParseRefresh(a.Credential)
		comp.ManagedProjectID = projectID
		a.Credential = FormatRefresh(comp)
		a.ManagedProjectID = projectID
	})
	if err == nil {
		if serr := r.store.Save(); serr != nil {
			logrus.WithError(serr).Warn("failed to persist managed project id")
		}
	}
}

func (r *Resolver) projectFallback(email string, comp CompositeRefresh) string {
	if comp.ProjectID != "" {
		return comp.ProjectID
	}
	logrus.WithField("account", email).Debug("using default project id")
	return defaultProjectID
}

func (r *Resolver) cacheProject(email, id string) {
	r.mu.Lock()
	r.projects[email] = id
	r.mu.Unlock()
}

// ClearTokenCache drops the cached token for one email, or all when empty.
func (r *Resolver) ClearTokenCache(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email == "" {
		r.tokens = make(map[string]*cachedToken)
		return
	}
	delete(r.tokens, email)
}

// ClearProjectCache drops the cached project for one email, or all when
// empty. Called on 401s so a stale project cannot pin a bad credential.
func (r *Resolver) ClearProjectCache(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email == "" {
		r.projects = make(map[string]string)
		return
	}
	delete(r.projects, email)
}

// ForceRefresh drops the cache entry and fetches a new token.
func (r *Resolver) ForceRefresh(ctx context.Context, email string) (string, error) {
	r.ClearTokenCache(email)
	return r.GetToken(ctx, email)
}

// StartRefreshLoop proactively refreshes cached tokens nearing expiry. Call
// Stop on shutdown.
func (r *Resolver) StartRefreshLoop() {
	go func() {
		ticker := time.NewTicker(refreshLoopInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.refreshExpiring()
			case <-r.stop:
				return
			}
		}
	}()
	logrus.Infof("token refresh loop started (interval: %v)", refreshLoopInterval)
}

func (r *Resolver) refreshExpiring() {
	r.mu.Lock()
	var due []string
	threshold := r.now().Add(refreshAheadWindow)
	for email, entry := range r.tokens {
		if !entry.expiresAt.IsZero() && entry.expiresAt.Before(threshold) {
			due = append(due, email)
		}
	}
	r.mu.Unlock()

	for _, email := range due {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := r.ForceRefresh(ctx, email); err != nil {
			logrus.WithField("account", email).WithError(err).Debug("background refresh failed")
		}
		cancel()
	}
}

// Stop halts the background refresh loop.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
