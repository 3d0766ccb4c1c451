// Package dispatch runs the per-request pipeline: select an account, acquire
// credentials, translate the request, try each upstream endpoint, and absorb
// rate limits by waiting, switching accounts or falling back to a sibling
// model. Streaming and non-streaming requests share the same loop and differ
// only in how a successful response is consumed.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/pysugar/antigravity-nexus/internal/catalog"
	"github.com/pysugar/antigravity-nexus/internal/logging"
	"github.com/pysugar/antigravity-nexus/internal/pool"
	"github.com/pysugar/antigravity-nexus/internal/ratelimit"
	"github.com/pysugar/antigravity-nexus/internal/store"
	"github.com/pysugar/antigravity-nexus/internal/translator"
	"github.com/pysugar/antigravity-nexus/internal/upstream"
	"github.com/pysugar/antigravity-nexus/internal/usage"
	"github.com/pysugar/antigravity-nexus/internal/util"
)

const (
	// waitSlack pads a cooldown sleep so the retry lands after the reset
	// rather than racing it.
	waitSlack = 500 * time.Millisecond

	// shortResetCutoff: server resets under one second are absorbed on the
	// same endpoint instead of switching accounts.
	shortResetCutoff = time.Second
	shortResetSlack  = 200 * time.Millisecond

	endpointRetryDelay = time.Second

	emptyStreamMessage = "[No response after retries - please try again]"
)

// capacityBackoffTiers paces same-endpoint retries while the model itself is
// overloaded, clamped to the last tier.
var capacityBackoffTiers = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

var emptyStreamBackoffs = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
}

// Error is a dispatch failure carrying the HTTP status and Anthropic error
// type the gateway should surface.
type Error struct {
	Status  int
	Type    string
	Kind    ratelimit.Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func apiError(msg string) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Type:    "api_error",
		Kind:    ratelimit.KindServerError,
		Message: msg,
	}
}

// Credentials resolves access tokens and project ids for pool accounts.
// *token.Resolver satisfies it.
type Credentials interface {
	GetToken(ctx context.Context, email string) (string, error)
	GetProject(ctx context.Context, email, accessToken string) (string, error)
}

// Dispatcher owns the retry and failover state machine. It is safe for
// concurrent use; all per-request state lives on the stack.
type Dispatcher struct {
	pool   *pool.Manager
	creds  Credentials
	client *upstream.Client
	limits *ratelimit.Tracker
	usage  *usage.Tracker
	cfg    store.Config

	initOnce sync.Once

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Dispatcher. usage may be nil when tracking is disabled.
func New(p *pool.Manager, creds Credentials, client *upstream.Client, limits *ratelimit.Tracker, u *usage.Tracker, cfg store.Config) *Dispatcher {
	return &Dispatcher{
		pool:   p,
		creds:  creds,
		client: client,
		limits: limits,
		usage:  u,
		cfg:    cfg,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Messages dispatches a non-streaming request. Thinking models still ride
// the streaming endpoint upstream and are aggregated into one response.
func (d *Dispatcher) Messages(ctx context.Context, req *translator.MessagesRequest) (*translator.MessagesResponse, error) {
	d.ensureInit()
	return d.run(ctx, req, nil, d.cfg.FallbackEnabled)
}

// StreamMessages dispatches a streaming request, writing Anthropic SSE
// events through emit.
func (d *Dispatcher) StreamMessages(ctx context.Context, req *translator.MessagesRequest, emit translator.StreamEmitter) error {
	d.ensureInit()
	_, err := d.run(ctx, req, emit, d.cfg.FallbackEnabled)
	return err
}

// ensureInit loads the model catalog exactly once; concurrent first requests
// wait on the same initialisation.
func (d *Dispatcher) ensureInit() {
	d.initOnce.Do(func() {
		if err := catalog.Init(); err != nil {
			logrus.WithError(err).Warn("model catalog overlay not loaded")
		}
	})
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeNextEndpoint
	outcomeRetrySameEndpoint
	outcomeSwitchAccount
	outcomeFatal
)

// result is the verdict of one endpoint try.
type result struct {
	outcome   outcome
	delay     time.Duration
	reason    string
	dedup     bool
	synthetic bool
	resp      *translator.MessagesResponse
	err       error
}

type attemptState struct {
	capacityRetries int
}

func (d *Dispatcher) run(ctx context.Context, req *translator.MessagesRequest, emit translator.StreamEmitter, allowFallback bool) (*translator.MessagesResponse, error) {
	model := req.Model
	log := logrus.WithFields(logrus.Fields{
		"model":      model,
		"request_id": logging.GetRequestID(ctx),
	})

	maxAttempts := d.cfg.MaxRetries
	if n := d.pool.Len() + 1; n > maxAttempts {
		maxAttempts = n
	}
	if d.pool.IsAllRateLimited(model) {
		// Optimistic reset: a cooldown may have lapsed while the pool sat
		// idle and the marks are simply stale.
		d.pool.ResetAllRateLimits()
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		sel := d.pool.SelectAccount(model)
		if sel.Account == nil {
			if !d.pool.HasEligible() {
				return nil, apiError("no accounts available; add one with the login command")
			}
			// The strategy answered with a wait suggestion. Sticky does this
			// for a short cooldown on its preferred account even while other
			// accounts are free.
			wait := sel.Wait
			if wait <= 0 {
				wait = d.pool.GetMinWaitTime(model)
			}
			if wait > d.cfg.MaxWaitBeforeError() {
				if fb, ok := d.fallbackModel(model, allowFallback); ok {
					log.WithField("fallback", fb).Info("all accounts exhausted, switching model")
					fbReq := *req
					fbReq.Model = fb
					return d.run(ctx, &fbReq, emit, false)
				}
				return nil, exhaustedError(model, wait)
			}
			if err := d.sleep(ctx, wait+waitSlack); err != nil {
				return nil, err
			}
			if wait > 0 {
				attempt-- // waiting does not consume the retry budget
			}
			continue
		}
		if thr := sel.Wait + sel.Throttle; thr > 0 {
			if err := d.sleep(ctx, thr); err != nil {
				return nil, err
			}
		}

		acct := sel.Account
		res := d.tryAccount(ctx, acct, req, emit)
		switch res.outcome {
		case outcomeOK:
			if !res.synthetic {
				d.pool.NotifySuccess(acct.Email, model)
				if d.usage != nil {
					d.usage.Record(model)
				}
			}
			return res.resp, nil
		case outcomeFatal:
			return nil, res.err
		default:
			log.WithFields(logrus.Fields{
				"account": acct.Email,
				"reason":  res.reason,
			}).Debug("switching account")
			if res.delay > 0 {
				if err := d.sleep(ctx, res.delay); err != nil {
					return nil, err
				}
			}
			if res.dedup {
				attempt-- // a duplicate rate limit does not consume the budget
			}
		}
	}

	if fb, ok := d.fallbackModel(model, allowFallback); ok {
		log.WithField("fallback", fb).Info("retry budget exhausted, switching model")
		fbReq := *req
		fbReq.Model = fb
		return d.run(ctx, &fbReq, emit, false)
	}
	return nil, apiError(fmt.Sprintf("max retries exceeded for model %s", model))
}

func (d *Dispatcher) fallbackModel(model string, allow bool) (string, bool) {
	if !allow {
		return "", false
	}
	return catalog.FallbackFor(model)
}

func exhaustedError(model string, wait time.Duration) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Type:    "invalid_request_error",
		Kind:    ratelimit.KindQuotaExhausted,
		Message: fmt.Sprintf("all accounts are rate limited for model %s; next reset in %s", model, wait.Round(time.Second)),
	}
}

// tryAccount acquires credentials for one account and walks the endpoint
// fallback order until a verdict other than try-the-next-endpoint comes back.
func (d *Dispatcher) tryAccount(ctx context.Context, acct *store.Account, req *translator.MessagesRequest, emit translator.StreamEmitter) result {
	model := req.Model
	email := acct.Email

	accessToken, err := d.creds.GetToken(ctx, email)
	if err != nil {
		if ratelimit.IsPermanentAuthMessage(err.Error()) {
			d.pool.MarkInvalid(email, err.Error())
			return result{outcome: outcomeSwitchAccount, reason: "credentials invalid"}
		}
		return d.networkFailure(ctx, email, model, err)
	}
	project, err := d.creds.GetProject(ctx, email, accessToken)
	if err != nil {
		return d.networkFailure(ctx, email, model, err)
	}

	payload, err := translator.BuildUpstreamPayload(req, project)
	if err != nil {
		return result{outcome: outcomeFatal, err: &Error{
			Status:  http.StatusBadRequest,
			Type:    "invalid_request_error",
			Kind:    ratelimit.KindInvalidRequest,
			Message: err.Error(),
		}}
	}

	streaming := emit != nil || catalog.IsThinkingModel(model)
	endpoints := d.client.GenerateEndpoints()
	state := &attemptState{}
	for i := 0; i < len(endpoints); {
		res := d.tryEndpoint(ctx, endpoints[i], accessToken, payload, acct, model, emit, streaming, state)
		switch res.outcome {
		case outcomeNextEndpoint:
			if res.delay > 0 {
				if err := d.sleep(ctx, res.delay); err != nil {
					return result{outcome: outcomeFatal, err: err}
				}
			}
			i++
		case outcomeRetrySameEndpoint:
			if err := d.sleep(ctx, res.delay); err != nil {
				return result{outcome: outcomeFatal, err: err}
			}
		default:
			return res
		}
	}
	return result{outcome: outcomeSwitchAccount, reason: "all endpoints failed", delay: endpointRetryDelay}
}

func (d *Dispatcher) tryEndpoint(ctx context.Context, baseURL, accessToken string, payload []byte, acct *store.Account, model string, emit translator.StreamEmitter, streaming bool, state *attemptState) result {
	if streaming {
		return d.consumeStream(ctx, baseURL, accessToken, payload, acct, model, emit, state)
	}

	resp, err := d.client.GenerateContent(ctx, baseURL, accessToken, payload)
	if err != nil {
		return d.networkFailure(ctx, acct.Email, model, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return d.networkFailure(ctx, acct.Email, model, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return d.classifyFailure(acct, model, resp.StatusCode, resp.Header, body, state)
	}
	converted, err := translator.ConvertResponse(body, model)
	if err != nil {
		logrus.WithError(err).WithField("account", acct.Email).Debug("unusable upstream response body")
		return result{outcome: outcomeNextEndpoint, delay: endpointRetryDelay}
	}
	return result{outcome: outcomeOK, resp: converted}
}

// consumeStream POSTs the streaming endpoint and relays or aggregates the
// SSE body. A 200 with zero data frames is refetched with backoff; past the
// retry budget a synthetic terminal response is produced so the client never
// hangs on silence.
func (d *Dispatcher) consumeStream(ctx context.Context, baseURL, accessToken string, payload []byte, acct *store.Account, model string, emit translator.StreamEmitter, state *attemptState) result {
	for try := 0; ; try++ {
		resp, err := d.client.StreamGenerateContent(ctx, baseURL, accessToken, payload)
		if err != nil {
			return d.networkFailure(ctx, acct.Email, model, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return d.classifyFailure(acct, model, resp.StatusCode, resp.Header, body, state)
		}

		res, consumed, scanErr := d.relayStream(resp.Body, model, emit)
		resp.Body.Close()
		if scanErr != nil {
			if !consumed {
				return d.networkFailure(ctx, acct.Email, model, scanErr)
			}
			// Frames already reached the client; retrying elsewhere would
			// duplicate output, so the interruption has to surface.
			d.pool.RecordFailure(acct.Email)
			d.pool.NotifyFailure(acct.Email, model)
			return result{outcome: outcomeFatal, err: apiError("upstream stream interrupted: " + scanErr.Error())}
		}
		if consumed {
			return res
		}
		if try >= d.cfg.EmptyStreamRetries {
			logrus.WithFields(logrus.Fields{
				"account": acct.Email,
				"model":   model,
			}).Warn("empty upstream stream after retries, emitting synthetic response")
			return d.syntheticResponse(model, emit)
		}
		backoff := emptyStreamBackoffs[min(try, len(emptyStreamBackoffs)-1)]
		if err := d.sleep(ctx, backoff); err != nil {
			return result{outcome: outcomeFatal, err: err}
		}
	}
}

// relayStream drains one upstream SSE body. The second return is false when
// nothing from the stream reached the caller yet and a refetch is safe; the
// third carries a transport error that cut the stream short.
func (d *Dispatcher) relayStream(body io.Reader, model string, emit translator.StreamEmitter) (result, bool, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	if emit != nil {
		conv := translator.NewStreamConverter(model, emit)
		frames := 0
		for scanner.Scan() {
			payload, ok := translator.ParseSSELine(scanner.Bytes())
			if !ok {
				continue
			}
			frames++
			if err := conv.Feed(payload); err != nil {
				return result{outcome: outcomeFatal, err: err}, true, nil
			}
		}
		if err := scanner.Err(); err != nil {
			return result{}, frames > 0, err
		}
		if frames == 0 {
			return result{}, false, nil
		}
		if err := conv.Finish(); err != nil {
			return result{outcome: outcomeFatal, err: err}, true, nil
		}
		return result{outcome: outcomeOK}, true, nil
	}

	agg := &translator.StreamAggregator{}
	for scanner.Scan() {
		payload, ok := translator.ParseSSELine(scanner.Bytes())
		if !ok {
			continue
		}
		agg.Feed(payload)
	}
	if err := scanner.Err(); err != nil {
		// The aggregate never left this function, so the account switch can
		// retry without the client seeing the torn body.
		return result{}, false, err
	}
	if agg.Empty() {
		return result{}, false, nil
	}
	resp, err := agg.Response(model)
	if err != nil {
		return result{}, false, nil
	}
	return result{outcome: outcomeOK, resp: resp}, true, nil
}

// syntheticResponse produces a well-formed terminal stream or message whose
// only content is the no-response notice.
func (d *Dispatcher) syntheticResponse(model string, emit translator.StreamEmitter) result {
	chunk := []byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"` + emptyStreamMessage + `"}]},"finishReason":"STOP"}]}}`)
	if emit != nil {
		conv := translator.NewStreamConverter(model, emit)
		if err := conv.Feed(chunk); err != nil {
			return result{outcome: outcomeFatal, err: err}
		}
		if err := conv.Finish(); err != nil {
			return result{outcome: outcomeFatal, err: err}
		}
		return result{outcome: outcomeOK, synthetic: true}
	}
	agg := &translator.StreamAggregator{}
	agg.Feed(chunk)
	resp, err := agg.Response(model)
	if err != nil {
		return result{outcome: outcomeFatal, err: err}
	}
	return result{outcome: outcomeOK, resp: resp, synthetic: true}
}

// classifyFailure maps one failed upstream response onto the endpoint-loop
// verdict. The capacity counter in state is request-local.
func (d *Dispatcher) classifyFailure(acct *store.Account, model string, status int, header http.Header, body []byte, state *attemptState) result {
	email := acct.Email
	cls := ratelimit.Classify(status, header, body)
	log := logrus.WithFields(logrus.Fields{
		"account": email,
		"model":   model,
		"status":  status,
		"kind":    cls.Kind.String(),
	})

	switch status {
	case http.StatusBadRequest:
		return result{outcome: outcomeFatal, err: &Error{
			Status:  http.StatusBadRequest,
			Type:    "invalid_request_error",
			Kind:    ratelimit.KindInvalidRequest,
			Message: upstreamMessage(body),
		}}
	case http.StatusUnauthorized:
		if cls.Kind == ratelimit.KindPermanentAuth {
			d.pool.MarkInvalid(email, upstreamMessage(body))
			return result{outcome: outcomeSwitchAccount, reason: "credentials revoked"}
		}
		d.pool.ClearTokenCache(email)
		d.pool.ClearProjectCache(email)
		return result{outcome: outcomeNextEndpoint}
	case http.StatusForbidden, http.StatusNotFound:
		return result{outcome: outcomeNextEndpoint}
	}

	if cls.Kind == ratelimit.KindModelCapacity {
		if state.capacityRetries < d.cfg.MaxCapacityRetries {
			tier := capacityBackoffTiers[min(state.capacityRetries, len(capacityBackoffTiers)-1)]
			state.capacityRetries++
			d.pool.RecordFailure(email)
			log.WithField("delay", tier).Debug("model capacity exhausted, pacing on same endpoint")
			return result{outcome: outcomeRetrySameEndpoint, delay: tier}
		}
		d.pool.MarkRateLimited(email, ratelimit.SmartBackoff(cls, d.pool.ConsecutiveFailures(email)), model)
		d.pool.NotifyRateLimit(email, model)
		return result{outcome: outcomeSwitchAccount, reason: "capacity retries exhausted", delay: d.cfg.SwitchAccountDelay()}
	}

	if status == http.StatusTooManyRequests || cls.Kind == ratelimit.KindRateLimit || cls.Kind == ratelimit.KindQuotaExhausted {
		if cls.HasReset && cls.ResetDelay < shortResetCutoff {
			log.WithField("delay", cls.ResetDelay).Debug("short reset, absorbing on same endpoint")
			return result{outcome: outcomeRetrySameEndpoint, delay: cls.ResetDelay + shortResetSlack}
		}

		base := ratelimit.SmartBackoff(cls, d.pool.ConsecutiveFailures(email)+1)
		obs := d.limits.Observe(email, model, base)
		markDelay := obs.Delay
		if cls.HasReset && cls.ResetDelay > markDelay {
			markDelay = cls.ResetDelay
		}
		d.pool.NotifyRateLimit(email, model)

		if obs.Duplicate {
			d.pool.MarkRateLimited(email, markDelay, model)
			return result{outcome: outcomeSwitchAccount, reason: "duplicate rate limit", dedup: true}
		}
		if obs.Attempt == 1 && markDelay <= d.cfg.DefaultCooldown() {
			d.pool.MarkRateLimited(email, markDelay, model)
			log.WithField("delay", markDelay).Debug("first rate limit, absorbing on same endpoint")
			return result{outcome: outcomeRetrySameEndpoint, delay: markDelay}
		}
		d.pool.MarkRateLimited(email, markDelay, model)
		if cls.Kind == ratelimit.KindQuotaExhausted {
			// A quota-exhaustion answer is also a depleted-quota snapshot for
			// the hybrid scorer and the account-limits view.
			d.pool.MarkQuota(email, model, 0, time.Now().Add(markDelay))
		}
		return result{outcome: outcomeSwitchAccount, reason: "quota exhausted", delay: d.cfg.SwitchAccountDelay()}
	}

	// Remaining 5xx and anything unclassified: give the next endpoint a
	// chance after a short pause.
	log.Debug("upstream server error, trying next endpoint")
	return result{outcome: outcomeNextEndpoint, delay: endpointRetryDelay}
}

// networkFailure counts a transport-level error against the account; a long
// streak earns an extended cooldown so a dead account stops absorbing
// attempts.
func (d *Dispatcher) networkFailure(ctx context.Context, email, model string, err error) result {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return result{outcome: outcomeFatal, err: err}
	}
	streak := d.pool.RecordFailure(email)
	d.pool.NotifyFailure(email, model)
	if streak >= d.cfg.ConsecutiveFailureFloor {
		d.pool.ApplyCooldown(email, d.cfg.ExtendedCooldown(), model)
	}
	logrus.WithError(err).WithFields(logrus.Fields{
		"account": email,
		"streak":  streak,
	}).Debug("upstream network error")
	return result{outcome: outcomeSwitchAccount, reason: "network error", delay: endpointRetryDelay}
}

func upstreamMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	if msg := gjson.GetBytes(body, "0.error.message").String(); msg != "" {
		return msg
	}
	return util.TruncateLog(string(body), 500)
}
