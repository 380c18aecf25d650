package discovery

import (
	"context"
	"errors"
	"path/filepath"
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

type fakeConnector struct {
	kind models.VendorKind
}

func (c *fakeConnector) Kind() models.VendorKind                { return c.kind }
func (c *fakeConnector) Authenticate(ctx context.Context) error { return nil }
func (c *fakeConnector) ListNewReviews(ctx context.Context, res *models.Resource, cursor *time.Time) ([]source.NormalizedReview, error) {
	return nil, nil
}
func (c *fakeConnector) PostResponse(ctx context.Context, res *models.Resource, externalReviewID, text string) (*source.PostResult, error) {
	return nil, nil
}
func (c *fakeConnector) ClassifyFailure(err error) source.FailureKind {
	var apiErr *source.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403) {
		return source.FailureAuth
	}
	return source.FailureTransient
}

type listingConnector struct {
	fakeConnector
	apps []source.DiscoveredApp
	err  error
}

func (c *listingConnector) ListApps(ctx context.Context) ([]source.DiscoveredApp, error) {
	return c.apps, c.err
}

type fakeProvider struct {
	byAccount map[uint]source.Connector
}

func (p *fakeProvider) ConnectorFor(ctx context.Context, account *models.Account) (source.Connector, error) {
	return p.byAccount[account.ID], nil
}

type fakeNotifier struct {
	sent map[int64][]string
}

func (n *fakeNotifier) Send(ctx context.Context, chatID int64, text string) error {
	if n.sent == nil {
		n.sent = make(map[int64][]string)
	}
	n.sent[chatID] = append(n.sent[chatID], text)
	return nil
}

type testEnv struct {
	repo     *sqlite.Repository
	provider *fakeProvider
	notifier *fakeNotifier
	agent    *Agent
	owner    *models.Owner
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := sqlite.New(filepath.Join(t.TempDir(), "discovery.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { repo.Close() })

	owner := &models.Owner{Name: "owner", ChatID: 1}
	require.NoError(t, repo.CreateOwner(context.Background(), owner))

	provider := &fakeProvider{byAccount: map[uint]source.Connector{}}
	notifier := &fakeNotifier{}
	return &testEnv{
		repo:     repo,
		provider: provider,
		notifier: notifier,
		agent:    NewAgent(repo, provider, notifier, logger.Nop()),
		owner:    owner,
	}
}

func (e *testEnv) addAccount(t *testing.T, vendor models.VendorKind, conn source.Connector) *models.Account {
	t.Helper()
	account := &models.Account{OwnerID: e.owner.ID, Vendor: vendor, Credentials: []byte(`{}`)}
	require.NoError(t, e.repo.CreateAccount(context.Background(), account))
	e.provider.byAccount[account.ID] = conn
	return account
}

func TestRunRegistersNewApps(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	apple := env.addAccount(t, models.VendorAppStore, &listingConnector{
		fakeConnector: fakeConnector{kind: models.VendorAppStore},
		apps: []source.DiscoveredApp{
			{ExternalID: "111", Name: "Example"},
			{ExternalID: "222", Name: "Example Lite"},
		},
	})
	env.addAccount(t, models.VendorGooglePlay, &fakeConnector{kind: models.VendorGooglePlay})

	require.NoError(t, env.repo.CreateResource(ctx, &models.Resource{
		OwnerID: env.owner.ID, AccountID: apple.ID, Vendor: models.VendorAppStore, ExternalID: "111",
	}))

	result, err := env.agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.AccountsScanned, "vendors without app listing are skipped")
	assert.Equal(t, 2, result.AppsFound)
	assert.Equal(t, 1, result.ResourcesCreated)
	assert.Equal(t, 1, result.ResourcesSkipped)
	assert.Empty(t, result.Errors)

	resources, err := env.repo.ListResources(ctx, storage.ResourceFilter{AccountID: &apple.ID})
	require.NoError(t, err)
	require.Len(t, resources, 2)
	for _, r := range resources {
		if r.ExternalID == "222" {
			assert.True(t, r.AutoDiscovered)
			assert.True(t, r.Active)
			assert.Equal(t, "Example Lite", r.Name)
		} else {
			assert.False(t, r.AutoDiscovered)
		}
	}

	again, err := env.agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.ResourcesCreated)
	assert.Equal(t, 2, again.ResourcesSkipped)
}

func TestRunSkipsInvalidAccounts(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	account := env.addAccount(t, models.VendorAppStore, &listingConnector{
		fakeConnector: fakeConnector{kind: models.VendorAppStore},
		apps:          []source.DiscoveredApp{{ExternalID: "111"}},
	})
	_, err := env.repo.InvalidateAccount(ctx, account.ID, "revoked")
	require.NoError(t, err)

	result, err := env.agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.AccountsScanned)

	_, err = env.agent.RunForAccount(ctx, account.ID)
	assert.Error(t, err)
}

func TestRunForAccountReportsListError(t *testing.T) {
	env := setupTestEnv(t)

	account := env.addAccount(t, models.VendorAppStore, &listingConnector{
		fakeConnector: fakeConnector{kind: models.VendorAppStore},
		err:           errors.New("503 service unavailable"),
	})

	result, err := env.agent.RunForAccount(context.Background(), account.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, 1, result.AccountsScanned)
	assert.Equal(t, 0, result.ResourcesCreated)
}

func TestRunInvalidatesAccountOnAuthFailure(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	account := env.addAccount(t, models.VendorAppStore, &listingConnector{
		fakeConnector: fakeConnector{kind: models.VendorAppStore},
		err:           &source.APIError{StatusCode: 401, Code: "NOT_AUTHORIZED", Detail: "token rejected"},
	})

	result, err := env.agent.Run(ctx)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)

	got, err := env.repo.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, got.Valid)
	assert.Contains(t, got.LastError, "NOT_AUTHORIZED")

	msgs := env.notifier.sent[env.owner.ChatID]
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "credentials")

	// the invalid account is no longer scanned, so no second notice
	again, err := env.agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.AccountsScanned)
	assert.Len(t, env.notifier.sent[env.owner.ChatID], 1)
}

func TestRunKeepsAccountOnTransientFailure(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	account := env.addAccount(t, models.VendorAppStore, &listingConnector{
		fakeConnector: fakeConnector{kind: models.VendorAppStore},
		err:           &source.APIError{StatusCode: 503, Detail: "unavailable"},
	})

	_, err := env.agent.Run(ctx)
	require.NoError(t, err)

	got, err := env.repo.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.Empty(t, env.notifier.sent)
}
