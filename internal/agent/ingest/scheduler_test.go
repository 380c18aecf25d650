package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/review-agent/internal/models"
	"github.com/review-agent/internal/source"
	"github.com/review-agent/internal/storage"
	"github.com/review-agent/internal/storage/sqlite"
	"github.com/review-agent/pkg/logger"
)

var errUnauthorized = &source.APIError{StatusCode: 401, Code: "NOT_AUTHORIZED", Detail: "token rejected"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// listFunc scripts a connector's response for one resource
type listFunc func(ctx context.Context, cursor *time.Time) ([]source.NormalizedReview, error)

type fakeConnector struct {
	p *fakeProvider
}

func (c *fakeConnector) Kind() models.VendorKind                { return models.VendorAppStore }
func (c *fakeConnector) Authenticate(ctx context.Context) error { return nil }

func (c *fakeConnector) ListNewReviews(ctx context.Context, res *models.Resource, cursor *time.Time) ([]source.NormalizedReview, error) {
	c.p.mu.Lock()
	fn := c.p.lists[res.ExternalID]
	var seen *time.Time
	if cursor != nil {
		t := *cursor
		seen = &t
	}
	c.p.cursors[res.ExternalID] = append(c.p.cursors[res.ExternalID], seen)
	c.p.calls[res.ExternalID]++
	c.p.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx, cursor)
}

func (c *fakeConnector) PostResponse(ctx context.Context, res *models.Resource, externalReviewID, text string) (*source.PostResult, error) {
	return &source.PostResult{Text: text}, nil
}

func (c *fakeConnector) ClassifyFailure(err error) source.FailureKind {
	var apiErr *source.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 401 {
		return source.FailureAuth
	}
	return source.FailureTransient
}

type fakeProvider struct {
	mu      sync.Mutex
	lists   map[string]listFunc
	cursors map[string][]*time.Time
	calls   map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		lists:   make(map[string]listFunc),
		cursors: make(map[string][]*time.Time),
		calls:   make(map[string]int),
	}
}

func (p *fakeProvider) ConnectorFor(ctx context.Context, account *models.Account) (source.Connector, error) {
	return &fakeConnector{p: p}, nil
}

func (p *fakeProvider) set(externalID string, fn listFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists[externalID] = fn
}

func (p *fakeProvider) callCount(externalID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[externalID]
}

func (p *fakeProvider) seenCursors(externalID string) []*time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*time.Time(nil), p.cursors[externalID]...)
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *fakeNotifier) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (n *fakeNotifier) messages(chatID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

func returning(reviews ...source.NormalizedReview) listFunc {
	return func(ctx context.Context, cursor *time.Time) ([]source.NormalizedReview, error) {
		return reviews, nil
	}
}

func failing(err error) listFunc {
	return func(ctx context.Context, cursor *time.Time) ([]source.NormalizedReview, error) {
		return nil, err
	}
}

// hanging blocks until the caller gives up, like a vendor that never answers
func hanging(started chan<- struct{}) listFunc {
	return func(ctx context.Context, cursor *time.Time) ([]source.NormalizedReview, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func reviewsFor(prefix string, n int, at time.Time) []source.NormalizedReview {
	var out []source.NormalizedReview
	for i := 0; i < n; i++ {
		out = append(out, source.NormalizedReview{
			ExternalID: fmt.Sprintf("%s-%d", prefix, i),
			Rating:     4,
			Body:       "review body",
			ReviewedAt: at.Add(-time.Duration(i) * time.Minute),
		})
	}
	return out
}

type testEnv struct {
	repo     *sqlite.Repository
	provider *fakeProvider
	notifier *fakeNotifier
	clock    *fakeClock
	sched    *Scheduler
}

func setupTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	repo, err := sqlite.New(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { repo.Close() })

	env := &testEnv{
		repo:     repo,
		provider: newFakeProvider(),
		notifier: &fakeNotifier{},
		clock:    &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	env.sched = NewScheduler(repo, env.provider, env.notifier, cfg, logger.Nop(), WithClock(env.clock.Now))
	return env
}

func (e *testEnv) addOwner(t *testing.T, chatID int64) *models.Owner {
	t.Helper()
	owner := &models.Owner{Name: fmt.Sprintf("owner-%d", chatID), ChatID: chatID}
	require.NoError(t, e.repo.CreateOwner(context.Background(), owner))
	return owner
}

func (e *testEnv) addAccount(t *testing.T, owner *models.Owner) *models.Account {
	t.Helper()
	account := &models.Account{OwnerID: owner.ID, Vendor: models.VendorAppStore, Label: "main", Credentials: []byte(`{}`)}
	require.NoError(t, e.repo.CreateAccount(context.Background(), account))
	return account
}

func (e *testEnv) addResource(t *testing.T, account *models.Account, externalID string) *models.Resource {
	t.Helper()
	res := &models.Resource{OwnerID: account.OwnerID, AccountID: account.ID, Vendor: account.Vendor, ExternalID: externalID}
	require.NoError(t, e.repo.CreateResource(context.Background(), res))
	return res
}

func (e *testEnv) cursor(t *testing.T, resourceID uint) *time.Time {
	t.Helper()
	res, err := e.repo.GetResource(context.Background(), resourceID)
	require.NoError(t, err)
	return res.LastPollAt
}

func TestRunCycleIsIdempotent(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	env.addResource(t, env.addAccount(t, owner), "app-1")

	// a vendor that ignores the cursor and repeats everything
	env.provider.set("app-1", returning(reviewsFor("r", 3, env.clock.Now())...))

	first, err := env.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.NewReviews)

	env.clock.Advance(30 * time.Minute)
	second, err := env.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.NewReviews)

	reviews, err := env.repo.ListReviews(context.Background(), storage.ReviewFilter{})
	require.NoError(t, err)
	assert.Len(t, reviews, 3)
	for _, r := range reviews {
		assert.Equal(t, models.ReviewStatusPending, r.Status)
	}

	assert.Len(t, env.notifier.messages(100), 1, "no summary for a cycle with nothing new")
}

func TestRunCycleCursorAdvancesToPollStart(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	res := env.addResource(t, env.addAccount(t, owner), "app-1")

	t1 := env.clock.Now()
	_, err := env.sched.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, env.cursor(t, res.ID))
	assert.True(t, env.cursor(t, res.ID).Equal(t1))

	env.clock.Advance(30 * time.Minute)
	t2 := env.clock.Now()
	_, err = env.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, env.cursor(t, res.ID).Equal(t2))

	cursors := env.provider.seenCursors("app-1")
	require.Len(t, cursors, 2)
	assert.Nil(t, cursors[0], "first poll has no cursor")
	require.NotNil(t, cursors[1])
	assert.True(t, cursors[1].Equal(t1), "second poll resumes from the previous poll start")
}

func TestRunCycleCursorNeverMovesBackwards(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	res := env.addResource(t, env.addAccount(t, owner), "app-1")

	future := env.clock.Now().Add(time.Hour)
	require.NoError(t, env.repo.AdvanceCursor(context.Background(), res.ID, future))

	_, err := env.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, env.cursor(t, res.ID).Equal(future))
}

func TestRunCycleAdvancesCursorOnTransientFailure(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	account := env.addAccount(t, owner)
	res := env.addResource(t, account, "app-1")

	env.provider.set("app-1", failing(&source.APIError{StatusCode: 503, Detail: "unavailable"}))

	result, err := env.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failures)
	assert.True(t, env.cursor(t, res.ID).Equal(env.clock.Now()))

	got, err := env.repo.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, got.Valid, "transient failures keep the account valid")
	assert.Empty(t, env.notifier.messages(100))
}

func TestRunCycleAggregatesPerOwner(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	account := env.addAccount(t, owner)
	env.addResource(t, account, "app-a")
	env.addResource(t, account, "app-b")
	env.addResource(t, account, "app-c")

	now := env.clock.Now()
	env.provider.set("app-a", returning(reviewsFor("a", 2, now)...))
	env.provider.set("app-b", returning())
	env.provider.set("app-c", returning(reviewsFor("c", 5, now)...))

	other := env.addOwner(t, 200)
	env.addResource(t, env.addAccount(t, other), "app-z")

	result, err := env.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, result.NewReviews)
	require.Len(t, result.Owners, 2)

	msgs := env.notifier.messages(100)
	require.Len(t, msgs, 1, "exactly one summary per owner")
	assert.Contains(t, msgs[0], "7")

	assert.Empty(t, env.notifier.messages(200), "owners with nothing new get no message")
}

func TestRunCycleAuthFailureIsolation(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	badAccount := env.addAccount(t, owner)
	goodAccount := env.addAccount(t, owner)
	bad := env.addResource(t, badAccount, "app-bad")
	env.addResource(t, goodAccount, "app-good")

	otherOwner := env.addOwner(t, 200)
	env.addResource(t, env.addAccount(t, otherOwner), "app-other")

	now := env.clock.Now()
	env.provider.set("app-bad", failing(errUnauthorized))
	env.provider.set("app-good", returning(reviewsFor("g", 2, now)...))
	env.provider.set("app-other", returning(reviewsFor("o", 1, now)...))

	result, err := env.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.NewReviews)
	assert.Equal(t, 1, result.Failures)

	got, err := env.repo.GetAccount(context.Background(), badAccount.ID)
	require.NoError(t, err)
	assert.False(t, got.Valid)
	assert.Contains(t, got.LastError, "NOT_AUTHORIZED")

	assert.True(t, env.cursor(t, bad.ID).Equal(now), "cursor advances on auth failure too")

	msgs := env.notifier.messages(100)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "credentials")
	assert.Contains(t, msgs[1], "2")
	assert.Len(t, env.notifier.messages(200), 1)
}

func TestRunCycleDeadlineStillSettlesPolledResources(t *testing.T) {
	env := setupTestEnv(t, Config{CycleTimeout: 50 * time.Millisecond})
	owner := env.addOwner(t, 100)
	account := env.addAccount(t, owner)
	fast := env.addResource(t, account, "app-fast")
	slow := env.addResource(t, account, "app-slow")
	late := env.addResource(t, account, "app-late")

	now := env.clock.Now()
	env.provider.set("app-fast", returning(reviewsFor("f", 2, now)...))
	env.provider.set("app-slow", hanging(nil))

	result, err := env.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.NewReviews)
	assert.Equal(t, 1, result.Failures)

	require.Len(t, result.Owners, 1)
	resources := result.Owners[0].Resources
	require.Len(t, resources, 3)
	assert.Equal(t, source.FailureTransient.String(), resources[1].Failure)
	assert.Contains(t, resources[1].Error, "deadline exceeded")
	assert.Equal(t, "deadline reached", resources[2].Skipped)

	require.NotNil(t, env.cursor(t, fast.ID))
	require.NotNil(t, env.cursor(t, slow.ID), "cursor advances after a fetch that hit the deadline")
	assert.True(t, env.cursor(t, slow.ID).Equal(now))
	assert.Nil(t, env.cursor(t, late.ID), "resources never attempted keep their cursor")
	assert.Zero(t, env.provider.callCount("app-late"))

	assert.True(t, result.Owners[0].Notified)
	msgs := env.notifier.messages(100)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "2 new reviews")
}

func TestPollOwnerCancelledMidFetchAdvancesCursor(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	res := env.addResource(t, env.addAccount(t, owner), "app-1")

	started := make(chan struct{})
	env.provider.set("app-1", hanging(started))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := env.sched.PollOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	assert.Contains(t, result.Resources[0].Error, "canceled")

	require.NotNil(t, env.cursor(t, res.ID))
	assert.True(t, env.cursor(t, res.ID).Equal(env.clock.Now()))
}

func TestAuthFailureSettledAfterCancel(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	account := env.addAccount(t, owner)
	env.addResource(t, account, "app-1")

	ctx, cancel := context.WithCancel(context.Background())
	env.provider.set("app-1", func(context.Context, *time.Time) ([]source.NormalizedReview, error) {
		cancel()
		return nil, errUnauthorized
	})

	_, err := env.sched.PollOwner(ctx, owner.ID)
	require.NoError(t, err)

	got, err := env.repo.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.False(t, got.Valid)
	assert.Contains(t, got.LastError, "NOT_AUTHORIZED")

	msgs := env.notifier.messages(100)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "credentials")
}

func TestRunCycleInvalidationNotifiesOnce(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	account := env.addAccount(t, owner)
	env.addResource(t, account, "app-1")
	env.addResource(t, account, "app-2")

	env.provider.set("app-1", failing(errUnauthorized))
	env.provider.set("app-2", failing(errUnauthorized))

	result, err := env.sched.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Owners, 1)
	require.Len(t, result.Owners[0].Resources, 2)
	assert.Equal(t, "credentials invalid", result.Owners[0].Resources[1].Skipped, "sibling resource sees the invalidation")
	assert.Equal(t, 0, env.provider.callCount("app-2"))

	env.clock.Advance(30 * time.Minute)
	_, err = env.sched.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, env.notifier.messages(100), 1)
	assert.Equal(t, 1, env.provider.callCount("app-1"), "invalid accounts are not polled")

	// resubmitting credentials resumes polling
	require.NoError(t, env.repo.SubmitCredentials(context.Background(), account.ID, []byte(`{"new":true}`)))
	env.provider.set("app-1", returning())
	_, err = env.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, env.provider.callCount("app-1"))
}

func TestRunCycleSkipsInactive(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	account := env.addAccount(t, owner)
	inactive := env.addResource(t, account, "app-off")
	env.addResource(t, account, "app-on")
	require.NoError(t, env.repo.SetResourceActive(context.Background(), inactive.ID, false))

	sleeping := env.addOwner(t, 200)
	env.addResource(t, env.addAccount(t, sleeping), "app-sleeping")
	require.NoError(t, env.repo.SetOwnerActive(context.Background(), sleeping.ID, false))

	_, err := env.sched.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, env.provider.callCount("app-off"))
	assert.Equal(t, 1, env.provider.callCount("app-on"))
	assert.Equal(t, 0, env.provider.callCount("app-sleeping"))
	assert.Nil(t, env.cursor(t, inactive.ID))
}

func TestRunCycleExclusive(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	env.addResource(t, env.addAccount(t, owner), "app-slow")

	entered := make(chan struct{})
	release := make(chan struct{})
	env.provider.set("app-slow", func(ctx context.Context, cursor *time.Time) ([]source.NormalizedReview, error) {
		close(entered)
		<-release
		return nil, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := env.sched.RunCycle(context.Background())
		done <- err
	}()

	<-entered
	assert.True(t, env.sched.Running())

	_, err := env.sched.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleRunning)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, env.sched.Running())
	assert.Equal(t, 1, env.provider.callCount("app-slow"))
	assert.NotNil(t, env.sched.LastCycle())
}

func TestPollOwner(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	account := env.addAccount(t, owner)
	a := env.addResource(t, account, "app-a")
	env.addResource(t, account, "app-b")

	env.provider.set("app-a", returning(reviewsFor("a", 4, env.clock.Now())...))

	result, err := env.sched.PollOwner(context.Background(), owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, result.NewReviews)
	require.Len(t, result.Resources, 2)
	assert.Equal(t, a.ID, result.Resources[0].ResourceID)
	assert.Equal(t, 4, result.Resources[0].NewReviews)
	assert.Equal(t, 0, result.Resources[1].NewReviews)

	assert.Empty(t, env.notifier.messages(100), "manual polls return counts instead of notifying")
	assert.True(t, env.cursor(t, a.ID).Equal(env.clock.Now()))
}

func TestPollOwnerThrottled(t *testing.T) {
	env := setupTestEnv(t, Config{PollNowLimit: 2, PollNowWindow: 10 * time.Minute})
	owner := env.addOwner(t, 100)
	env.addResource(t, env.addAccount(t, owner), "app-1")

	_, err := env.sched.PollOwner(context.Background(), owner.ID)
	require.NoError(t, err)
	_, err = env.sched.PollOwner(context.Background(), owner.ID)
	require.NoError(t, err)

	_, err = env.sched.PollOwner(context.Background(), owner.ID)
	var throttled *ThrottledError
	require.ErrorAs(t, err, &throttled)
	assert.Equal(t, owner.ID, throttled.OwnerID)
	assert.Equal(t, 10*time.Minute, throttled.RetryAfter(env.clock.Now()))
	assert.Equal(t, 2, env.provider.callCount("app-1"))

	env.clock.Advance(10 * time.Minute)
	_, err = env.sched.PollOwner(context.Background(), owner.ID)
	assert.NoError(t, err)
}

func TestPruneThrottles(t *testing.T) {
	env := setupTestEnv(t, Config{PollNowLimit: 1, PollNowWindow: 10 * time.Minute})
	first := env.addOwner(t, 100)
	second := env.addOwner(t, 200)

	_, err := env.sched.PollOwner(context.Background(), first.ID)
	require.NoError(t, err)
	env.clock.Advance(5 * time.Minute)
	_, err = env.sched.PollOwner(context.Background(), second.ID)
	require.NoError(t, err)

	assert.Zero(t, env.sched.PruneThrottles())

	env.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, env.sched.PruneThrottles(), "only the expired window is dropped")

	_, err = env.sched.PollOwner(context.Background(), second.ID)
	var throttled *ThrottledError
	assert.ErrorAs(t, err, &throttled, "live windows survive pruning")
}

func TestPollOwnerSerializedWithCycle(t *testing.T) {
	env := setupTestEnv(t, Config{})
	owner := env.addOwner(t, 100)
	env.addResource(t, env.addAccount(t, owner), "app-1")

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	env.provider.set("app-1", func(ctx context.Context, cursor *time.Time) ([]source.NormalizedReview, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		entered <- struct{}{}
		<-release

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := env.sched.RunCycle(context.Background())
		assert.NoError(t, err)
	}()
	<-entered

	go func() {
		defer wg.Done()
		_, err := env.sched.PollOwner(context.Background(), owner.ID)
		assert.NoError(t, err)
	}()

	// the manual poll waits on the owner lock until the cycle finishes
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.provider.callCount("app-1"))

	close(release)
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
	assert.Equal(t, 2, env.provider.callCount("app-1"))

	cursors := env.provider.seenCursors("app-1")
	require.Len(t, cursors, 2)
	assert.NotNil(t, cursors[1], "the second poll sees the cursor written by the first")
}

func TestGroupByOwner(t *testing.T) {
	groups := groupByOwner([]*models.Resource{
		{ID: 1, OwnerID: 7},
		{ID: 2, OwnerID: 3},
		{ID: 3, OwnerID: 7},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, uint(7), groups[0].ownerID)
	assert.Equal(t, []uint{1, 3}, groups[0].resourceIDs)
	assert.Equal(t, []uint{2}, groups[1].resourceIDs)
}
