package ingest

import (
	"context"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/lgm-ops/movesync/internal/crm"
	"github.com/lgm-ops/movesync/internal/smartmoving"
)

// stubClient implements smartmoving.Client with swappable handlers. Nil
// handlers return a single empty last page.
type stubClient struct {
	branches        func(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.Branch], error)
	materials       func(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error)
	serviceTypes    func(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error)
	moveSizes       func(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error)
	roomTypes       func(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error)
	referralSources func(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error)
	users           func(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.User], error)
	customers       func(ctx context.Context, q smartmoving.CustomerQuery) (*smartmoving.Page[smartmoving.Customer], error)
	opportunity     func(ctx context.Context, id string, includeJobs bool) (*smartmoving.Opportunity, error)
}

func emptyPage[T any]() (*smartmoving.Page[T], error) {
	return &smartmoving.Page[T]{TotalPages: 1, LastPage: true}, nil
}

func singlePage[T any](items ...T) func(ctx context.Context, page, pageSize int) (*smartmoving.Page[T], error) {
	return func(ctx context.Context, page, pageSize int) (*smartmoving.Page[T], error) {
		return &smartmoving.Page[T]{
			PageResults:  items,
			TotalResults: len(items),
			TotalPages:   1,
			LastPage:     true,
		}, nil
	}
}

func (s *stubClient) Ping(ctx context.Context) error { return nil }

func (s *stubClient) ListBranches(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.Branch], error) {
	if s.branches != nil {
		return s.branches(ctx, page, pageSize)
	}
	return emptyPage[smartmoving.Branch]()
}

func (s *stubClient) ListMaterials(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error) {
	if s.materials != nil {
		return s.materials(ctx, page, pageSize)
	}
	return emptyPage[smartmoving.CatalogItem]()
}

func (s *stubClient) ListServiceTypes(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error) {
	if s.serviceTypes != nil {
		return s.serviceTypes(ctx, page, pageSize)
	}
	return emptyPage[smartmoving.CatalogItem]()
}

func (s *stubClient) ListMoveSizes(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error) {
	if s.moveSizes != nil {
		return s.moveSizes(ctx, page, pageSize)
	}
	return emptyPage[smartmoving.CatalogItem]()
}

func (s *stubClient) ListRoomTypes(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error) {
	if s.roomTypes != nil {
		return s.roomTypes(ctx, page, pageSize)
	}
	return emptyPage[smartmoving.CatalogItem]()
}

func (s *stubClient) ListReferralSources(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error) {
	if s.referralSources != nil {
		return s.referralSources(ctx, page, pageSize)
	}
	return emptyPage[smartmoving.CatalogItem]()
}

func (s *stubClient) ListUsers(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.User], error) {
	if s.users != nil {
		return s.users(ctx, page, pageSize)
	}
	return emptyPage[smartmoving.User]()
}

func (s *stubClient) ListCustomers(ctx context.Context, q smartmoving.CustomerQuery) (*smartmoving.Page[smartmoving.Customer], error) {
	if s.customers != nil {
		return s.customers(ctx, q)
	}
	return emptyPage[smartmoving.Customer]()
}

func (s *stubClient) GetOpportunity(ctx context.Context, id string, includeJobs bool) (*smartmoving.Opportunity, error) {
	if s.opportunity != nil {
		return s.opportunity(ctx, id, includeJobs)
	}
	return &smartmoving.Opportunity{ID: id}, nil
}

// integrationRow builds a full crm.integration result row for scans.
func integrationRow(mock pgxmock.PgxPoolIface, in crm.Integration) *pgxmock.Rows {
	now := time.Now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}
	apiClientID := &in.APIClientID
	return mock.NewRows([]string{
		"id", "client_id", "name", "api_source", "api_base_url", "api_key", "api_client_id",
		"is_active", "sync_frequency_hours", "last_sync_at", "next_sync_at", "sync_status", "settings",
		"created_at", "updated_at",
	}).AddRow(
		in.ID, in.ClientID, in.Name, in.APISource, in.APIBaseURL, in.APIKey, apiClientID,
		in.IsActive, in.SyncFrequencyHours, in.LastSyncAt, in.NextSyncAt, string(in.SyncStatus), []byte(nil),
		in.CreatedAt, in.UpdatedAt,
	)
}
