package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lgm-ops/movesync/internal/smartmoving"
)

// JobRecord is one flattened upstream job together with the customer and
// opportunity it belongs to. This is the unit the reconciler consumes.
type JobRecord struct {
	BranchID    string
	ServiceDay  time.Time
	Customer    smartmoving.Customer
	Opportunity smartmoving.Opportunity
	Job         smartmoving.Job
}

// JobFetcher pulls the customers scheduled on a branch/day and flattens
// their opportunity trees into job records.
type JobFetcher struct {
	client  smartmoving.Client
	pageCap int
}

// NewJobFetcher creates a fetcher over the given upstream client.
func NewJobFetcher(client smartmoving.Client) *JobFetcher {
	return &JobFetcher{client: client, pageCap: smartmoving.DefaultPageCap}
}

// Fetch streams every job scheduled on the branch for the given day through
// fn. Customers without opportunities and opportunities without jobs are
// skipped. Jobs whose service date disagrees with the requested day are
// dropped; the upstream filter is date-ranged but has been seen to leak
// neighboring days across timezones. Malformed jobs are not filtered here;
// the reconciler rejects them so they count against the run.
func (f *JobFetcher) Fetch(ctx context.Context, branchID string, day time.Time, fn func(JobRecord) error) error {
	log := zap.L().With(
		zap.String("component", "ingest.fetch"),
		zap.String("branch_id", branchID),
		zap.String("day", day.Format("2006-01-02")),
	)

	want := smartmoving.NewServiceDate(day)
	firstTotal := -1

	return smartmoving.EachPage(ctx, f.pageCap,
		func(ctx context.Context, page int) (*smartmoving.Page[smartmoving.Customer], error) {
			return f.client.ListCustomers(ctx, smartmoving.CustomerQuery{
				FromServiceDate:        want,
				ToServiceDate:          want,
				BranchID:               branchID,
				IncludeOpportunityInfo: true,
				Page:                   page,
				PageSize:               100,
			})
		},
		func(p *smartmoving.Page[smartmoving.Customer]) error {
			if firstTotal < 0 {
				firstTotal = p.TotalPages
			} else if p.TotalPages < firstTotal {
				// Upstream re-counted mid-iteration; some customers may be missed.
				log.Warn("customer page count shrank during fetch",
					zap.Int("initial_pages", firstTotal),
					zap.Int("current_pages", p.TotalPages))
			}

			for _, cust := range p.PageResults {
				for _, opp := range cust.Opportunities {
					for _, job := range opp.Jobs {
						if !job.ServiceDate.IsZero() && job.ServiceDate != want {
							log.Debug("dropping job outside requested day",
								zap.String("job_id", job.ID),
								zap.String("service_date", job.ServiceDate.String()))
							continue
						}
						rec := JobRecord{
							BranchID:    branchID,
							ServiceDay:  day,
							Customer:    cust,
							Opportunity: opp,
							Job:         job,
						}
						rec.Customer.Opportunities = nil
						if err := fn(rec); err != nil {
							return err
						}
					}
				}
			}
			return nil
		})
}
