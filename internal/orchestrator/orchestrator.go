package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/young1lin/searchmux/internal/events"
	"github.com/young1lin/searchmux/internal/fallback"
	"github.com/young1lin/searchmux/internal/history"
	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/internal/provider"
	"github.com/young1lin/searchmux/internal/registry"
	"github.com/young1lin/searchmux/internal/token"
	"github.com/young1lin/searchmux/internal/usage"
	"github.com/young1lin/searchmux/pkg/logger"
)

var (
	// ErrInvalidRequest means the request itself is malformed (empty query)
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoProviders means the resolved target set came up empty
	ErrNoProviders = errors.New("no providers available")
)

// budgetMultiplier caps one slot's total time (call + retries +
// fallback attempts) at this multiple of the base timeout, bounding
// worst-case batch latency.
const budgetMultiplier = 4

// authURLTimeout bounds the Authenticate call made while synthesizing
// an auth_required outcome. It runs inside the slot goroutine, so a
// slow provider only delays its own slot, never siblings.
const authURLTimeout = 2 * time.Second

// Recorder is the slice of the history store the orchestrator needs
type Recorder interface {
	Append(rec history.DispatchRecord) error
}

// Orchestrator fans one request out to many providers, contains every
// per-provider failure inside its outcome, and merges what succeeded.
type Orchestrator struct {
	registry *registry.Registry
	tokens   token.Store
	tracker  *usage.Tracker
	resolver *fallback.Resolver

	timeout          time.Duration
	maxPerProvider   int
	maxMergedResults int
	retry            RetryPolicy
	ranker           Ranker

	recorder  Recorder
	publisher events.Publisher
	targets   *targetIndex
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithTimeout sets the default per-provider timeout
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithMergeCaps sets the per-provider and global result caps
func WithMergeCaps(perProvider, merged int) Option {
	return func(o *Orchestrator) {
		o.maxPerProvider = perProvider
		o.maxMergedResults = merged
	}
}

// WithRetryPolicy sets the rate-limit backoff policy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithRanker overrides the default score-descending ranking
func WithRanker(r Ranker) Option {
	return func(o *Orchestrator) { o.ranker = r }
}

// WithRecorder installs the dispatch audit log
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithPublisher installs the event publisher
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// New creates an orchestrator over the given collaborators
func New(reg *registry.Registry, tokens token.Store, tracker *usage.Tracker, resolver *fallback.Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:         reg,
		tokens:           tokens,
		tracker:          tracker,
		resolver:         resolver,
		timeout:          10 * time.Second,
		maxPerProvider:   10,
		maxMergedResults: 100,
		retry:            DefaultRetryPolicy(),
		ranker:           ScoreRanker,
		publisher:        events.NoOpPublisher{},
		targets:          newTargetIndex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dispatch fans the request out to the resolved provider set and merges
// the results. Provider failures never escape: each becomes an outcome.
// Only request-level validation errors are returned.
func (o *Orchestrator) Dispatch(ctx context.Context, req models.DispatchRequest) (models.DispatchResult, error) {
	if req.Query == "" {
		return models.DispatchResult{}, fmt.Errorf("%w: empty query", ErrInvalidRequest)
	}

	entries := o.registry.SearchEntries(req.TargetProviders)
	if len(entries) == 0 {
		return models.DispatchResult{}, ErrNoProviders
	}

	start := time.Now()
	dispatchID := uuid.New().String()
	log := logger.FromContext(ctx).With(zap.String("dispatch_id", dispatchID))

	timeout := o.timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	maxResults := o.maxPerProvider
	if req.MaxResultsPerProvider > 0 {
		maxResults = req.MaxResultsPerProvider
	}

	// One slot per resolved provider. Slot i writes outcomes[i] only, so
	// the returned order matches the resolved order regardless of which
	// provider finishes first.
	outcomes := make([]models.ProviderOutcome, len(entries))
	var wg sync.WaitGroup

	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry *registry.Entry) {
			defer wg.Done()
			// Token lookup (and the Authenticate call behind a missing
			// token) stays inside the slot so it cannot delay siblings.
			tok, outcome := o.tokenFor(ctx, entry, req.UserID)
			if outcome != nil {
				outcomes[i] = *outcome
				return
			}
			outcomes[i] = o.runSearchSlot(ctx, entry, searchSlotParams{
				query:      req.Query,
				target:     req.Target,
				userID:     req.UserID,
				token:      tok,
				maxResults: maxResults,
				timeout:    timeout,
			})
		}(i, entry)
	}

	wg.Wait()

	merged := mergeOutcomes(outcomes, o.ranker, o.mergeLimit(maxResults, len(entries)))
	result := models.DispatchResult{
		DispatchID:     dispatchID,
		Outcomes:       outcomes,
		MergedResults:  merged,
		TotalLatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}

	o.settle(ctx, log, "search", req.UserID, req.Query, result)

	log.Info("dispatch completed",
		zap.Int("provider_count", len(entries)),
		zap.Int("merged_count", len(merged)),
		zap.Float64("total_latency_ms", result.TotalLatencyMs),
	)

	return result, nil
}

// tokenFor looks up the per-user credential for one provider. A missing
// or expired token on an auth-requiring provider short-circuits the slot
// into an auth_required outcome that keeps its position in the batch.
func (o *Orchestrator) tokenFor(ctx context.Context, entry *registry.Entry, userID string) (string, *models.ProviderOutcome) {
	if !entry.Descriptor.RequiresAuth {
		return "", nil
	}

	if t, ok := o.tokens.Get(userID, entry.Descriptor.Name); ok {
		return t.Value, nil
	}

	outcome := &models.ProviderOutcome{
		Provider: entry.Descriptor.Name,
		Status:   models.StatusAuthRequired,
		Error:    "no cached token for user",
	}
	// Attach the auth entry point when the provider hands it out cheaply.
	// Bounded so a provider doing network I/O here cannot hold the slot
	// past the budget of a normal call.
	authCtx, cancel := context.WithTimeout(ctx, authURLTimeout)
	defer cancel()
	if auth, err := entry.Provider.Authenticate(authCtx, userID); err == nil {
		outcome.AuthURL = auth.AuthURL
	}
	return "", outcome
}

type searchSlotParams struct {
	query      string
	target     string
	userID     string
	token      string
	maxResults int
	timeout    time.Duration
}

// runSearchSlot executes one provider's slot: the primary call, bounded
// rate-limit retries, and fallback alternates, all inside a 4x budget.
func (o *Orchestrator) runSearchSlot(ctx context.Context, entry *registry.Entry, p searchSlotParams) (outcome models.ProviderOutcome) {
	name := entry.Descriptor.Name
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("provider panicked",
				zap.String("provider", name),
				zap.Any("panic", r))
			outcome = models.ProviderOutcome{
				Provider: name,
				Status:   models.StatusProviderError,
				Error:    fmt.Sprintf("provider panicked: %v", r),
			}
		}
		outcome.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	budgetCtx, cancel := context.WithTimeout(ctx, budgetMultiplier*p.timeout)
	defer cancel()

	outcome = models.ProviderOutcome{Provider: name}
	attempts := 0

	for {
		attempts++
		results, err := o.searchOnce(budgetCtx, entry.Searcher, p)
		if err == nil {
			outcome.Status = models.StatusOk
			outcome.Results = results
			outcome.Cost = resultsCost(results)
			outcome.Attempts = attempts
			return outcome
		}

		switch classified := classify(err); classified.kind {
		case failAuth:
			// The cached token is dead; drop it so the next dispatch
			// surfaces auth_required before calling out.
			if entry.Descriptor.RequiresAuth {
				_ = o.tokens.Invalidate(p.userID, name)
			}
			outcome.Status = models.StatusAuthRequired
			outcome.Error = err.Error()
			outcome.Attempts = attempts
			return outcome

		case failRateLimited:
			if attempts >= o.retry.MaxAttempts {
				outcome.Status = models.StatusRateLimited
				outcome.Error = err.Error()
				outcome.Attempts = attempts
				return outcome
			}
			if sleepErr := sleep(budgetCtx, o.retry.Delay(attempts, classified.retryAfter)); sleepErr != nil {
				// Budget exhausted mid-backoff.
				outcome.Status = models.StatusRateLimited
				outcome.Error = err.Error()
				outcome.Attempts = attempts
				return outcome
			}
			continue

		case failTimeout, failUpstream:
			status := models.StatusProviderError
			if classified.kind == failTimeout {
				status = models.StatusTimedOut
			}
			if fb, ok := o.tryFallback(budgetCtx, name, p); ok {
				fb.Attempts = attempts
				return fb
			}
			outcome.Status = status
			outcome.Error = err.Error()
			outcome.Attempts = attempts
			return outcome

		default:
			outcome.Status = models.StatusProviderError
			outcome.Error = err.Error()
			outcome.Attempts = attempts
			return outcome
		}
	}
}

// searchOnce runs one attempt under its own per-attempt timeout
func (o *Orchestrator) searchOnce(ctx context.Context, s provider.Searcher, p searchSlotParams) ([]models.NormalizedResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return s.Search(callCtx, provider.SearchRequest{
		Query:      p.query,
		Token:      p.token,
		Target:     p.target,
		MaxResults: p.maxResults,
	})
}

// tryFallback walks the configured alternates for the failed slot. The
// outcome keeps the original provider's identity; ServedBy names the
// alternate that actually answered.
func (o *Orchestrator) tryFallback(ctx context.Context, failedProvider string, p searchSlotParams) (models.ProviderOutcome, bool) {
	alternates := o.resolver.AlternatesFor(failedProvider, p.target)
	log := logger.FromContext(ctx)

	for _, alt := range alternates {
		entry, ok := o.registry.Lookup(alt.Provider)
		if !ok || !entry.Descriptor.Enabled || entry.Searcher == nil {
			continue
		}

		altToken := ""
		if entry.Descriptor.RequiresAuth {
			t, found := o.tokens.Get(p.userID, alt.Provider)
			if !found {
				continue
			}
			altToken = t.Value
		}

		altParams := p
		altParams.target = alt.Target
		altParams.token = altToken
		results, err := o.searchOnce(ctx, entry.Searcher, altParams)
		if err != nil {
			log.Warn("fallback attempt failed",
				zap.String("provider", failedProvider),
				zap.String("alternate", alt.Provider),
				zap.Error(err))
			continue
		}

		log.Info("fallback served request",
			zap.String("provider", failedProvider),
			zap.String("alternate", alt.Provider),
			zap.String("alternate_target", alt.Target))

		ref := alt
		return models.ProviderOutcome{
			Provider: failedProvider,
			Status:   models.StatusFallbackUsed,
			Results:  results,
			Cost:     resultsCost(results),
			ServedBy: &ref,
		}, true
	}
	return models.ProviderOutcome{}, false
}

// Control routes one command to its owning provider. Commands are not
// idempotent, so there is no retry and no fallback; a single attempt
// under the standard timeout either lands or reports why not.
func (o *Orchestrator) Control(ctx context.Context, req models.ControlDispatch) (models.ProviderOutcome, error) {
	if req.TargetID == "" || req.Command == "" {
		return models.ProviderOutcome{}, fmt.Errorf("%w: target_id and command are required", ErrInvalidRequest)
	}

	providerName := req.Provider
	if providerName == "" {
		owner, ok := o.targets.owner(req.TargetID)
		if !ok {
			return models.ProviderOutcome{}, fmt.Errorf("%w: unknown target %s", ErrNoProviders, req.TargetID)
		}
		providerName = owner
	}

	entry, ok := o.registry.ControlEntry(providerName)
	if !ok {
		return models.ProviderOutcome{}, fmt.Errorf("%w: %s is not an enabled control provider", ErrNoProviders, providerName)
	}

	outcome := models.ProviderOutcome{Provider: providerName}
	start := time.Now()

	// Tokens are strictly (userID, provider)-keyed. There is no
	// whichever-user-authenticated-first lookup.
	tok := ""
	if entry.Descriptor.RequiresAuth {
		t, found := o.tokens.Get(req.UserID, providerName)
		if !found {
			outcome.Status = models.StatusAuthRequired
			outcome.Error = "no cached token for user"
			o.settleControl(ctx, req, &outcome, start)
			return outcome, nil
		}
		tok = t.Value
	}

	timeout := o.timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdResult, err := entry.Controller.Control(callCtx, provider.ControlRequest{
		TargetID: req.TargetID,
		Command:  req.Command,
		Token:    tok,
		Params:   req.Params,
	})

	switch {
	case err == nil && cmdResult.Success:
		outcome.Status = models.StatusOk
		outcome.Results = []models.NormalizedResult{{
			ID:       req.TargetID,
			Title:    fmt.Sprintf("%s on %s", req.Command, req.TargetID),
			Source:   providerName,
			Type:     "command",
			Metadata: map[string]interface{}{"new_state": cmdResult.NewState},
		}}
	case err == nil:
		outcome.Status = models.StatusProviderError
		outcome.Error = cmdResult.Error
	case provider.IsAuthError(err):
		if entry.Descriptor.RequiresAuth {
			_ = o.tokens.Invalidate(req.UserID, providerName)
		}
		outcome.Status = models.StatusAuthRequired
		outcome.Error = err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		outcome.Status = models.StatusTimedOut
		outcome.Error = err.Error()
	default:
		if re, ok := provider.IsRateLimitError(err); ok {
			outcome.Status = models.StatusRateLimited
			outcome.Error = re.Error()
		} else {
			outcome.Status = models.StatusProviderError
			outcome.Error = err.Error()
		}
	}

	o.settleControl(ctx, req, &outcome, start)
	return outcome, nil
}

func (o *Orchestrator) settleControl(ctx context.Context, req models.ControlDispatch, outcome *models.ProviderOutcome, start time.Time) {
	outcome.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	result := models.DispatchResult{
		DispatchID:     uuid.New().String(),
		Outcomes:       []models.ProviderOutcome{*outcome},
		TotalLatencyMs: outcome.LatencyMs,
	}
	o.settle(ctx, logger.FromContext(ctx), "control", req.UserID, req.Command, result)
}

// Discover fans out to every discover-capable provider with the same
// batch semantics as Dispatch, refreshing the target index on the way.
func (o *Orchestrator) Discover(ctx context.Context, userID string) (models.DispatchResult, error) {
	entries := o.registry.DiscoverEntries()
	if len(entries) == 0 {
		return models.DispatchResult{}, ErrNoProviders
	}

	start := time.Now()
	dispatchID := uuid.New().String()
	log := logger.FromContext(ctx).With(zap.String("dispatch_id", dispatchID))

	outcomes := make([]models.ProviderOutcome, len(entries))
	found := make([][]models.Target, len(entries))
	var wg sync.WaitGroup

	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry *registry.Entry) {
			defer wg.Done()
			tok, outcome := o.tokenFor(ctx, entry, userID)
			if outcome != nil {
				outcomes[i] = *outcome
				return
			}
			outcomes[i], found[i] = o.runDiscoverSlot(ctx, entry, userID, tok)
		}(i, entry)
	}

	wg.Wait()

	merged := make([]models.NormalizedResult, 0)
	for i := range entries {
		o.targets.upsert(found[i])
		merged = append(merged, outcomes[i].Results...)
	}

	result := models.DispatchResult{
		DispatchID:     dispatchID,
		Outcomes:       outcomes,
		MergedResults:  merged,
		TotalLatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}

	o.settle(ctx, log, "discover", userID, "", result)

	log.Info("discovery completed",
		zap.Int("provider_count", len(entries)),
		zap.Int("target_count", len(merged)),
	)

	return result, nil
}

func (o *Orchestrator) runDiscoverSlot(ctx context.Context, entry *registry.Entry, userID, tok string) (outcome models.ProviderOutcome, found []models.Target) {
	name := entry.Descriptor.Name
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			outcome = models.ProviderOutcome{
				Provider: name,
				Status:   models.StatusProviderError,
				Error:    fmt.Sprintf("provider panicked: %v", r),
			}
			found = nil
		}
		outcome.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	outcome = models.ProviderOutcome{Provider: name}
	targets, err := entry.Discoverer.Discover(callCtx, userID, tok)
	if err != nil {
		switch {
		case provider.IsAuthError(err):
			if entry.Descriptor.RequiresAuth {
				_ = o.tokens.Invalidate(userID, name)
			}
			outcome.Status = models.StatusAuthRequired
		case errors.Is(err, context.DeadlineExceeded):
			outcome.Status = models.StatusTimedOut
		default:
			outcome.Status = models.StatusProviderError
		}
		outcome.Error = err.Error()
		return outcome, nil
	}

	outcome.Status = models.StatusOk
	outcome.Results = make([]models.NormalizedResult, 0, len(targets))
	for _, t := range targets {
		outcome.Results = append(outcome.Results, models.NormalizedResult{
			ID:     t.ID,
			Title:  t.Name,
			Source: name,
			Type:   "target",
			Metadata: map[string]interface{}{
				"kind":  t.Kind,
				"state": t.State,
			},
		})
	}
	return outcome, targets
}

// Targets lists every target currently known to the index
func (o *Orchestrator) Targets() []models.Target {
	return o.targets.list()
}

// ResetUsage zeroes one provider's usage counters. Operator surface
// only; never part of a dispatch flow.
func (o *Orchestrator) ResetUsage(name string) {
	o.tracker.Reset(name)
}

// HealthSnapshot reports per-provider health, covering registered
// providers that have never been dispatched.
func (o *Orchestrator) HealthSnapshot() map[string]models.HealthState {
	return o.tracker.HealthSnapshot(o.allProviderNames()...)
}

// UsageSnapshot reports per-provider counters and derived metrics
func (o *Orchestrator) UsageSnapshot() map[string]models.UsageSnapshot {
	return o.tracker.Snapshot(o.allProviderNames()...)
}

func (o *Orchestrator) allProviderNames() []string {
	descs := o.registry.Descriptors()
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}
	return names
}

// settle runs the post-batch bookkeeping shared by every dispatch kind:
// usage accounting, audit log, metrics, event publication. History and
// event failures are logged and swallowed.
func (o *Orchestrator) settle(ctx context.Context, log *zap.Logger, kind, userID, query string, result models.DispatchResult) {
	statuses := make(map[string]models.OutcomeStatus, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		o.tracker.Record(outcome)
		statuses[outcome.Provider] = outcome.Status
	}

	usage.DispatchDuration.WithLabelValues(kind).Observe(result.TotalLatencyMs / 1000)

	if o.recorder != nil {
		rec := history.DispatchRecord{
			DispatchID:     result.DispatchID,
			Kind:           kind,
			UserID:         userID,
			Query:          query,
			Timestamp:      time.Now(),
			TotalLatencyMs: result.TotalLatencyMs,
			ProviderCount:  len(result.Outcomes),
			MergedCount:    len(result.MergedResults),
			Outcomes:       result.Outcomes,
		}
		if err := o.recorder.Append(rec); err != nil {
			log.Warn("failed to record dispatch history", zap.Error(err))
		}
	}

	o.publisher.PublishDispatchCompleted(events.DispatchCompletedEvent{
		DispatchID:     result.DispatchID,
		Kind:           kind,
		UserID:         userID,
		TotalLatencyMs: result.TotalLatencyMs,
		MergedCount:    len(result.MergedResults),
		Statuses:       statuses,
		Timestamp:      time.Now(),
	})
}

func (o *Orchestrator) mergeLimit(maxPerProvider, providerCount int) int {
	limit := maxPerProvider * providerCount
	if o.maxMergedResults > 0 && o.maxMergedResults < limit {
		limit = o.maxMergedResults
	}
	return limit
}

// ==================== failure classification ====================

type failKind int

const (
	failGeneric failKind = iota
	failAuth
	failRateLimited
	failTimeout
	failUpstream
)

type classified struct {
	kind       failKind
	retryAfter time.Duration
}

// classify maps a provider error onto the orchestrator's policy branches
func classify(err error) classified {
	switch {
	case provider.IsAuthError(err):
		return classified{kind: failAuth}
	case errors.Is(err, context.DeadlineExceeded):
		return classified{kind: failTimeout}
	case provider.IsUpstreamError(err):
		return classified{kind: failUpstream}
	}
	if re, ok := provider.IsRateLimitError(err); ok {
		return classified{kind: failRateLimited, retryAfter: re.RetryAfter}
	}
	return classified{kind: failGeneric}
}

// resultsCost sums the per-result cost metadata gateways attach
func resultsCost(results []models.NormalizedResult) float64 {
	total := 0.0
	for _, r := range results {
		if r.Metadata == nil {
			continue
		}
		if c, ok := r.Metadata["cost"].(float64); ok {
			total += c
		}
	}
	return total
}
