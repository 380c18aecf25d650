package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/review-agent/internal/models"
	"github.com/review-agent/internal/notify"
	"github.com/review-agent/internal/source"
	"github.com/review-agent/internal/storage"
	"github.com/review-agent/pkg/logger"
	"github.com/review-agent/pkg/ratelimit"
)

var (
	// ErrCycleRunning is returned when a full cycle is requested while one is in progress
	ErrCycleRunning = errors.New("ingestion cycle already running")

	// ErrOwnerInactive is returned when polling an owner that has been deactivated
	ErrOwnerInactive = errors.New("owner is inactive")
)

// settleTimeout bounds the writes and notices that follow a vendor call
const settleTimeout = 30 * time.Second

// ThrottledError is returned when an owner asks for manual polls too often
type ThrottledError struct {
	OwnerID uint
	ResetAt time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("manual poll for owner %d throttled until %s", e.OwnerID, e.ResetAt.Format(time.RFC3339))
}

// RetryAfter returns how long the caller should wait, never negative
func (e *ThrottledError) RetryAfter(now time.Time) time.Duration {
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Config holds scheduler settings
type Config struct {
	PollCron        string
	ResourceTimeout time.Duration
	CycleTimeout    time.Duration
	PollNowLimit    int
	PollNowWindow   time.Duration
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithClock replaces the scheduler's time source
func WithClock(clock ratelimit.Clock) Option {
	return func(s *Scheduler) {
		s.now = clock
	}
}

// Scheduler polls every active resource on a cron schedule and on demand
type Scheduler struct {
	repo       storage.Repository
	connectors source.Provider
	notifier   notify.Notifier
	cfg        Config
	pollNow    *ratelimit.Window
	cron       *cron.Cron
	now        func() time.Time
	log        *logger.Logger

	running atomic.Bool

	locksMu    sync.Mutex
	ownerLocks map[uint]*sync.Mutex

	lastMu    sync.RWMutex
	lastCycle *CycleResult
}

// NewScheduler creates a new ingestion scheduler
func NewScheduler(
	repo storage.Repository,
	connectors source.Provider,
	notifier notify.Notifier,
	cfg Config,
	log *logger.Logger,
	opts ...Option,
) *Scheduler {
	if cfg.ResourceTimeout <= 0 {
		cfg.ResourceTimeout = 2 * time.Minute
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Minute
	}
	if cfg.PollNowLimit <= 0 {
		cfg.PollNowLimit = 3
	}
	if cfg.PollNowWindow <= 0 {
		cfg.PollNowWindow = 10 * time.Minute
	}

	s := &Scheduler{
		repo:       repo,
		connectors: connectors,
		notifier:   notifier,
		cfg:        cfg,
		now:        time.Now,
		log:        log.WithComponent("ingest"),
		ownerLocks: make(map[uint]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.pollNow = ratelimit.NewWindowWithClock(cfg.PollNowLimit, cfg.PollNowWindow, s.now)

	cl := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Schedule adds another job to the scheduler's cron
func (s *Scheduler) Schedule(spec, name string, job func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.log.Info().Str("job", name).Msg("Running scheduled job")
		job(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s job: %w", name, err)
	}
	s.log.Info().Str("job", name).Str("cron", spec).Msg("Job scheduled")
	return nil
}

// PruneThrottles drops expired manual poll windows
func (s *Scheduler) PruneThrottles() int {
	return s.pollNow.Prune()
}

// Start registers the poll cycle and throttle pruning, then starts the cron
func (s *Scheduler) Start() error {
	err := s.Schedule("@hourly", "prune", func(ctx context.Context) {
		if n := s.PruneThrottles(); n > 0 {
			s.log.Debug().Int("removed", n).Msg("Pruned manual poll windows")
		}
	})
	if err != nil {
		return err
	}

	err = s.Schedule(s.cfg.PollCron, "poll", func(ctx context.Context) {
		result, err := s.RunCycle(ctx)
		if errors.Is(err, ErrCycleRunning) {
			s.log.Warn().Msg("Previous cycle still running, skipping tick")
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("Scheduled cycle failed")
			return
		}
		s.log.Info().
			Int("owners", len(result.Owners)).
			Int("new_reviews", result.NewReviews).
			Int("failures", result.Failures).
			Msg("Scheduled cycle completed")
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
	return nil
}

// Stop stops the cron. The returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Running reports whether a full cycle is in progress
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastCycle returns the summary of the most recent completed cycle, if any
func (s *Scheduler) LastCycle() *CycleResult {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastCycle
}

// RunCycle polls every pollable resource once and notifies owners of new reviews
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	result := &CycleResult{StartedAt: s.now()}
	s.log.Info().Msg("Starting ingestion cycle")

	resources, err := s.repo.ListPollableResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pollable resources: %w", err)
	}

	for _, group := range groupByOwner(resources) {
		if ctx.Err() != nil {
			s.log.Warn().Err(ctx.Err()).Msg("Cycle deadline reached, remaining owners deferred")
			break
		}

		owner, err := s.repo.GetOwner(ctx, group.ownerID)
		if err != nil {
			s.log.Warn().Err(err).Uint("owner_id", group.ownerID).Msg("Skipping owner")
			continue
		}
		if !owner.Active {
			continue
		}

		ownerResult := s.pollOwner(ctx, owner, group.resourceIDs)
		if ownerResult.NewReviews > 0 {
			sendCtx, cancel := settle(ctx)
			ownerResult.Notified = s.send(sendCtx, owner, notify.NewReviewsMessage(ownerResult.NewReviews))
			cancel()
		}

		result.add(ownerResult)
	}

	result.FinishedAt = s.now()

	s.lastMu.Lock()
	s.lastCycle = result
	s.lastMu.Unlock()

	s.log.Info().
		Int("resources", len(resources)).
		Int("new_reviews", result.NewReviews).
		Int("failures", result.Failures).
		Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
		Msg("Ingestion cycle completed")

	return result, nil
}

// PollOwner runs an immediate poll of one owner's resources.
// It does not send the new-review summary; the caller gets the counts.
func (s *Scheduler) PollOwner(ctx context.Context, ownerID uint) (*OwnerResult, error) {
	owner, err := s.repo.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !owner.Active {
		return nil, fmt.Errorf("owner %d: %w", ownerID, ErrOwnerInactive)
	}

	quota := s.pollNow.Consume(fmt.Sprintf("owner:%d", ownerID))
	if !quota.Allowed {
		return nil, &ThrottledError{OwnerID: ownerID, ResetAt: quota.ResetAt}
	}

	resources, err := s.repo.ListResources(ctx, storage.ResourceFilter{OwnerID: &ownerID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load resources for owner %d: %w", ownerID, err)
	}

	ids := make([]uint, 0, len(resources))
	for _, r := range resources {
		ids = append(ids, r.ID)
	}

	s.log.Info().Uint("owner_id", ownerID).Int("resources", len(ids)).Msg("Manual poll")
	return s.pollOwner(ctx, owner, ids), nil
}

// pollOwner processes one owner's resources in order under the owner lock
func (s *Scheduler) pollOwner(ctx context.Context, owner *models.Owner, resourceIDs []uint) *OwnerResult {
	lock := s.ownerLock(owner.ID)
	lock.Lock()
	defer lock.Unlock()

	result := &OwnerResult{OwnerID: owner.ID}
	for _, id := range resourceIDs {
		if ctx.Err() != nil {
			result.Resources = append(result.Resources, ResourceResult{ResourceID: id}.skip("deadline reached"))
			continue
		}
		rr := s.pollResource(ctx, owner, id)
		result.Resources = append(result.Resources, rr)
		result.NewReviews += rr.NewReviews
	}
	return result
}

func (s *Scheduler) ownerLock(ownerID uint) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.ownerLocks[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		s.ownerLocks[ownerID] = lock
	}
	return lock
}

// pollResource fetches, stores and advances the cursor for one resource.
// Both the resource and its account are re-read so a concurrent poll or
// invalidation is observed.
func (s *Scheduler) pollResource(ctx context.Context, owner *models.Owner, resourceID uint) ResourceResult {
	rr := ResourceResult{ResourceID: resourceID}

	res, err := s.repo.GetResource(ctx, resourceID)
	if err != nil {
		return rr.skip("resource not found")
	}
	rr.Vendor = res.Vendor
	rr.Name = res.DisplayName()
	if !res.Active {
		return rr.skip("resource inactive")
	}

	account, err := s.repo.GetAccount(ctx, res.AccountID)
	if err != nil {
		return rr.skip("account not found")
	}
	if !account.Valid {
		return rr.skip("credentials invalid")
	}

	log := s.log.WithOwnerID(owner.ID).WithResource(res.ID, string(res.Vendor), res.ExternalID)
	startedAt := s.now().UTC()

	reviews, kind, err := s.fetch(ctx, account, res)

	ctx, cancel := settle(ctx)
	defer cancel()

	if err != nil {
		rr.Error = err.Error()
		rr.Failure = kind.String()
		if kind == source.FailureAuth {
			log.Warn().Err(err).Msg("Vendor rejected credentials, invalidating account")
			s.invalidate(ctx, owner, account, err)
		} else {
			log.Warn().Err(err).Msg("Poll failed, will retry next cycle")
		}
	}

	for _, r := range reviews {
		err := s.repo.InsertReview(ctx, r.ToModel(res))
		if errors.Is(err, storage.ErrDuplicate) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("review_id", r.ExternalID).Msg("Failed to save review")
			continue
		}
		rr.NewReviews++
	}

	if err := s.repo.AdvanceCursor(ctx, res.ID, startedAt); err != nil {
		log.Error().Err(err).Msg("Failed to advance cursor")
	}

	log.Debug().
		Int("fetched", len(reviews)).
		Int("new", rr.NewReviews).
		Msg("Resource polled")

	return rr
}

// settle returns a context for the work after a vendor call, detached from
// the caller's cancellation but still bounded.
func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// fetch lists new reviews within the per-resource timeout and classifies any failure
func (s *Scheduler) fetch(ctx context.Context, account *models.Account, res *models.Resource) ([]source.NormalizedReview, source.FailureKind, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResourceTimeout)
	defer cancel()

	conn, err := s.connectors.ConnectorFor(ctx, account)
	if err != nil {
		kind := source.FailureTransient
		if errors.Is(err, source.ErrInvalidCredentials) {
			kind = source.FailureAuth
		}
		return nil, kind, fmt.Errorf("failed to build connector: %w", err)
	}

	reviews, err := conn.ListNewReviews(ctx, res, res.LastPollAt)
	if err != nil {
		return nil, conn.ClassifyFailure(err), err
	}
	return reviews, source.FailureTransient, nil
}

// invalidate marks the account invalid and tells the owner, once per failure
func (s *Scheduler) invalidate(ctx context.Context, owner *models.Owner, account *models.Account, cause error) {
	changed, err := s.repo.InvalidateAccount(ctx, account.ID, cause.Error())
	if err != nil {
		s.log.Error().Err(err).Uint("account_id", account.ID).Msg("Failed to invalidate account")
		return
	}
	if !changed {
		return
	}
	s.send(ctx, owner, notify.CredentialsInvalidMessage(account, cause.Error()))
}

// send delivers a notification; failures are logged and not retried
func (s *Scheduler) send(ctx context.Context, owner *models.Owner, text string) bool {
	if err := s.notifier.Send(ctx, owner.ChatID, text); err != nil {
		s.log.Warn().Err(err).Uint("owner_id", owner.ID).Msg("Failed to send notification")
		return false
	}
	return true
}

type ownerGroup struct {
	ownerID     uint
	resourceIDs []uint
}

// groupByOwner groups resources by owner, keeping first-seen order
func groupByOwner(resources []*models.Resource) []ownerGroup {
	index := make(map[uint]int)
	var groups []ownerGroup
	for _, r := range resources {
		i, ok := index[r.OwnerID]
		if !ok {
			i = len(groups)
			index[r.OwnerID] = i
			groups = append(groups, ownerGroup{ownerID: r.OwnerID})
		}
		groups[i].resourceIDs = append(groups[i].resourceIDs, r.ID)
	}
	return groups
}

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
