package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/review-agent/internal/models"
	"github.com/review-agent/internal/notify"
	"github.com/review-agent/internal/source"
	"github.com/review-agent/internal/storage"
	"github.com/review-agent/pkg/logger"
)

// Agent registers apps found under vendor accounts as resources
type Agent struct {
	repository storage.Repository
	connectors source.Provider
	notifier   notify.Notifier
	log        *logger.Logger
}

// NewAgent creates a new discovery agent
func NewAgent(
	repository storage.Repository,
	connectors source.Provider,
	notifier notify.Notifier,
	log *logger.Logger,
) *Agent {
	return &Agent{
		repository: repository,
		connectors: connectors,
		notifier:   notifier,
		log:        log.WithComponent("discovery"),
	}
}

// DiscoveryResult contains the results of a discovery run
type DiscoveryResult struct {
	AccountsScanned  int
	AppsFound        int
	ResourcesCreated int
	ResourcesSkipped int
	Errors           []error
	Duration         time.Duration
}

// Run scans every valid account of every active owner
func (a *Agent) Run(ctx context.Context) (*DiscoveryResult, error) {
	startTime := time.Now()
	result := &DiscoveryResult{}

	owners, err := a.repository.ListOwners(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}

	for _, owner := range owners {
		accounts, err := a.repository.ListAccounts(ctx, owner.ID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("owner %d: %w", owner.ID, err))
			continue
		}
		for _, account := range accounts {
			if !account.Valid {
				continue
			}
			a.scan(ctx, account, result)
		}
	}

	result.Duration = time.Since(startTime)

	a.log.Info().
		Int("accounts", result.AccountsScanned).
		Int("apps_found", result.AppsFound).
		Int("resources_created", result.ResourcesCreated).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Discovery completed")

	return result, nil
}

// RunForAccount scans a single account
func (a *Agent) RunForAccount(ctx context.Context, accountID uint) (*DiscoveryResult, error) {
	startTime := time.Now()
	result := &DiscoveryResult{}

	account, err := a.repository.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Valid {
		return nil, fmt.Errorf("account %d has invalid credentials", accountID)
	}

	a.scan(ctx, account, result)
	result.Duration = time.Since(startTime)

	if len(result.Errors) > 0 {
		return result, result.Errors[0]
	}
	return result, nil
}

// scan lists an account's apps and registers the ones not yet known.
// Vendors without an app listing API are skipped.
func (a *Agent) scan(ctx context.Context, account *models.Account, result *DiscoveryResult) {
	log := a.log.WithAccountID(account.ID)

	conn, err := a.connectors.ConnectorFor(ctx, account)
	if err != nil {
		if errors.Is(err, source.ErrInvalidCredentials) {
			a.invalidate(ctx, account, err)
		}
		result.Errors = append(result.Errors, fmt.Errorf("account %d: %w", account.ID, err))
		return
	}
	lister, ok := conn.(source.AppLister)
	if !ok {
		log.Debug().Str("vendor", string(account.Vendor)).Msg("Vendor does not support app discovery")
		return
	}

	result.AccountsScanned++
	apps, err := lister.ListApps(ctx)
	if err != nil {
		kind := conn.ClassifyFailure(err)
		log.Warn().Err(err).Str("failure", kind.String()).Msg("Failed to list apps")
		if kind == source.FailureAuth {
			a.invalidate(ctx, account, err)
		}
		result.Errors = append(result.Errors, fmt.Errorf("account %d: %w", account.ID, err))
		return
	}
	result.AppsFound += len(apps)

	for _, app := range apps {
		res := &models.Resource{
			OwnerID:        account.OwnerID,
			AccountID:      account.ID,
			Vendor:         account.Vendor,
			ExternalID:     app.ExternalID,
			Name:           app.Name,
			AutoDiscovered: true,
		}
		err := a.repository.CreateResource(ctx, res)
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			result.ResourcesSkipped++
		case err != nil:
			log.Warn().Err(err).Str("external_id", app.ExternalID).Msg("Failed to save discovered app")
			result.Errors = append(result.Errors, err)
		default:
			result.ResourcesCreated++
			log.Info().Uint("resource_id", res.ID).Str("app", res.DisplayName()).Msg("Discovered app")
		}
	}
}

// invalidate marks the account invalid and tells its owner, once per failure
func (a *Agent) invalidate(ctx context.Context, account *models.Account, cause error) {
	log := a.log.WithAccountID(account.ID)

	changed, err := a.repository.InvalidateAccount(ctx, account.ID, cause.Error())
	if err != nil {
		log.Error().Err(err).Msg("Failed to invalidate account")
		return
	}
	if !changed {
		return
	}

	owner, err := a.repository.GetOwner(ctx, account.OwnerID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load owner for credentials notice")
		return
	}
	if err := a.notifier.Send(ctx, owner.ChatID, notify.CredentialsInvalidMessage(account, cause.Error())); err != nil {
		log.Warn().Err(err).Uint("owner_id", owner.ID).Msg("Failed to send credentials notice")
	}
}
