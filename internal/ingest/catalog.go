package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lgm-ops/movesync/internal/db"
	"github.com/lgm-ops/movesync/internal/smartmoving"
)

// catalogKind names one slow-changing upstream reference entity and the
// local table it lands in.
type catalogKind struct {
	name  string
	table string
}

var catalogKinds = []catalogKind{
	{"materials", "crm.catalog_material"},
	{"service_types", "crm.catalog_service_type"},
	{"move_sizes", "crm.catalog_move_size"},
	{"room_types", "crm.catalog_room_type"},
	{"referral_sources", "crm.catalog_referral_source"},
	{"users", "crm.catalog_user"},
}

// CatalogStats summarizes one catalog refresh. A kind that failed appears
// in Failed instead of Loaded; the other kinds still refresh.
type CatalogStats struct {
	Loaded      map[string]int64  `json:"loaded"`
	Deactivated map[string]int64  `json:"deactivated,omitempty"`
	Failed      map[string]string `json:"failed,omitempty"`
}

// CatalogLoader refreshes the catalog_* tables from upstream reference
// endpoints.
type CatalogLoader struct {
	pool    db.Pool
	pageCap int
}

// NewCatalogLoader creates a loader backed by the given connection pool.
func NewCatalogLoader(pool db.Pool) *CatalogLoader {
	return &CatalogLoader{pool: pool, pageCap: smartmoving.DefaultPageCap}
}

// Refresh pulls every catalog kind for the integration and upserts it keyed
// on (integration_id, external_id). Rows no longer present upstream are
// soft-deactivated. A failing kind is recorded in the stats and does not
// stop the remaining kinds; even a refresh where every kind failed is
// reported through the stats. The returned error is non-nil only when the
// context is done.
func (l *CatalogLoader) Refresh(ctx context.Context, client smartmoving.Client, integrationID string) (CatalogStats, error) {
	log := zap.L().With(
		zap.String("component", "ingest.catalog"),
		zap.String("integration_id", integrationID),
	)
	stats := CatalogStats{Loaded: make(map[string]int64)}

	for _, kind := range catalogKinds {
		if err := ctx.Err(); err != nil {
			return stats, eris.Wrap(err, "catalog: refresh cancelled")
		}

		loaded, deactivated, err := l.refreshKind(ctx, client, integrationID, kind)
		if err != nil {
			log.Warn("catalog kind refresh failed",
				zap.String("kind", kind.name), zap.Error(err))
			if stats.Failed == nil {
				stats.Failed = make(map[string]string)
			}
			stats.Failed[kind.name] = err.Error()
			continue
		}
		stats.Loaded[kind.name] = loaded
		if deactivated > 0 {
			if stats.Deactivated == nil {
				stats.Deactivated = make(map[string]int64)
			}
			stats.Deactivated[kind.name] = deactivated
		}
		log.Debug("catalog kind refreshed",
			zap.String("kind", kind.name),
			zap.Int64("loaded", loaded),
			zap.Int64("deactivated", deactivated))
	}

	return stats, nil
}

func (l *CatalogLoader) refreshKind(ctx context.Context, client smartmoving.Client, integrationID string, kind catalogKind) (loaded, deactivated int64, err error) {
	items, err := l.fetchKind(ctx, client, kind.name)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(items))
	seen := make([]string, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			return 0, 0, eris.Wrapf(err, "catalog: marshal %s item", kind.name)
		}
		rows = append(rows, []any{integrationID, item.ID, item.Name, data, true, now})
		seen = append(seen, item.ID)
	}

	loaded, err = db.BulkUpsert(ctx, l.pool, db.UpsertSpec{
		Table:        kind.table,
		Columns:      []string{"integration_id", "external_id", "name", "data", "is_active", "updated_at"},
		ConflictKeys: []string{"integration_id", "external_id"},
	}, rows)
	if err != nil {
		return 0, 0, err
	}

	// Anything upstream stopped reporting is deactivated, never deleted.
	tag, err := l.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET is_active = false, updated_at = now()
		 WHERE integration_id = $1 AND is_active AND NOT (external_id = ANY($2))`, kind.table),
		integrationID, seen,
	)
	if err != nil {
		return loaded, 0, eris.Wrapf(err, "catalog: deactivate stale %s", kind.name)
	}
	return loaded, tag.RowsAffected(), nil
}

// fetchKind drains the paginated endpoint for one kind. Users are folded
// into the common catalog item shape.
func (l *CatalogLoader) fetchKind(ctx context.Context, client smartmoving.Client, name string) ([]smartmoving.CatalogItem, error) {
	if name == "users" {
		var items []smartmoving.CatalogItem
		err := smartmoving.EachPage(ctx, l.pageCap,
			func(ctx context.Context, page int) (*smartmoving.Page[smartmoving.User], error) {
				return client.ListUsers(ctx, page, 100)
			},
			func(p *smartmoving.Page[smartmoving.User]) error {
				for _, u := range p.PageResults {
					items = append(items, smartmoving.CatalogItem{ID: u.ID, Name: u.Name})
				}
				return nil
			})
		return items, err
	}

	var fetch func(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error)
	switch name {
	case "materials":
		fetch = client.ListMaterials
	case "service_types":
		fetch = client.ListServiceTypes
	case "move_sizes":
		fetch = client.ListMoveSizes
	case "room_types":
		fetch = client.ListRoomTypes
	case "referral_sources":
		fetch = client.ListReferralSources
	default:
		return nil, eris.Errorf("catalog: unknown kind %s", name)
	}

	var items []smartmoving.CatalogItem
	err := smartmoving.EachPage(ctx, l.pageCap,
		func(ctx context.Context, page int) (*smartmoving.Page[smartmoving.CatalogItem], error) {
			return fetch(ctx, page, 100)
		},
		func(p *smartmoving.Page[smartmoving.CatalogItem]) error {
			items = append(items, p.PageResults...)
			return nil
		})
	return items, err
}
