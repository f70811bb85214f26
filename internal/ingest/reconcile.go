package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lgm-ops/movesync/internal/crm"
	"github.com/lgm-ops/movesync/internal/db"
	"github.com/lgm-ops/movesync/internal/resilience"
	"github.com/lgm-ops/movesync/internal/smartmoving"
)

// Opportunity status codes observed upstream. Anything unrecognized is
// treated as not-yet-departed.
const (
	oppStatusMorningPrep = 30
	oppStatusEnRoute     = 11
	oppStatusCompleted   = 40
)

// mapJourneyStatus converts an upstream opportunity status code to the
// local journey lifecycle.
func mapJourneyStatus(code int) crm.JourneyStatus {
	switch code {
	case oppStatusEnRoute:
		return crm.JourneyEnRoute
	case oppStatusCompleted:
		return crm.JourneyCompleted
	case oppStatusMorningPrep:
		return crm.JourneyMorningPrep
	default:
		return crm.JourneyMorningPrep
	}
}

// jobTypeLabel converts an upstream job type code to a human label.
func jobTypeLabel(code int) string {
	switch code {
	case 1:
		return "Residential Move"
	case 8:
		return "Storage Delivery"
	case 9:
		return "Storage Pickup"
	case 106:
		return "Packing Service"
	default:
		return "Moving Service"
	}
}

// ReconcileOutcome reports whether a job record created a new journey row
// or updated an existing one.
type ReconcileOutcome int

const (
	OutcomeCreated ReconcileOutcome = iota
	OutcomeUpdated
)

// Reconciler converts flattened job records into local rows. Every record
// is applied in its own transaction so one bad job never poisons a batch.
type Reconciler struct {
	pool         db.Pool
	clientID     string
	systemUserID string
}

// NewReconciler creates a reconciler writing on behalf of the given client.
// systemUserID is stamped into created_by/updated_by on every synced row.
func NewReconciler(pool db.Pool, clientID, systemUserID string) *Reconciler {
	return &Reconciler{pool: pool, clientID: clientID, systemUserID: systemUserID}
}

// Reconcile applies one job record: location and customer first, then the
// journey keyed on (client_id, external_id), then the managed tags. A job
// without an upstream ID is rejected before any database work. A transient
// database failure (deadlock, dropped connection) gets one more attempt
// before the record counts against the run.
func (r *Reconciler) Reconcile(ctx context.Context, rec JobRecord) (ReconcileOutcome, error) {
	if rec.Job.ID == "" {
		return 0, eris.Errorf("reconcile: job without id on branch %s (opportunity %s)",
			rec.BranchID, rec.Opportunity.ID)
	}

	outcome, err := r.reconcileOnce(ctx, rec)
	if err != nil && resilience.IsTransientDBError(err) && ctx.Err() == nil {
		zap.L().Warn("retrying job after transient database error",
			zap.String("component", "ingest.reconcile"),
			zap.String("job_id", rec.Job.ID),
			zap.Error(err))
		outcome, err = r.reconcileOnce(ctx, rec)
	}
	return outcome, err
}

func (r *Reconciler) reconcileOnce(ctx context.Context, rec JobRecord) (ReconcileOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "reconcile: begin tx")
	}
	defer tx.Rollback(ctx)

	locationID, locationName, err := r.upsertLocation(ctx, tx, rec)
	if err != nil {
		return 0, err
	}
	if _, err := r.upsertCustomer(ctx, tx, rec.Customer); err != nil {
		return 0, err
	}

	journey, err := r.buildJourney(rec, locationID, locationName)
	if err != nil {
		return 0, err
	}

	outcome, err := r.upsertJourney(ctx, tx, journey)
	if err != nil {
		return 0, err
	}

	if err := r.replaceManagedTags(ctx, tx, journey, locationName); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "reconcile: commit job %s", rec.Job.ID)
	}
	return outcome, nil
}

// upsertLocation keeps the branch row current. Jobs without branch info
// land on a minimal row keyed by the branch ID alone.
func (r *Reconciler) upsertLocation(ctx context.Context, tx pgx.Tx, rec JobRecord) (id, name string, err error) {
	branch := rec.Opportunity.Branch
	if branch == nil {
		branch = &smartmoving.Branch{ID: rec.BranchID, Name: rec.BranchID}
	}
	address := ""
	if branch.DispatchLocation != nil {
		address = branch.DispatchLocation.FullAddress
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO crm.location (id, client_id, external_id, name, address, phone, timezone, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		 ON CONFLICT (client_id, external_id) DO UPDATE SET
		   name = EXCLUDED.name, address = EXCLUDED.address,
		   phone = EXCLUDED.phone, timezone = EXCLUDED.timezone,
		   is_active = true, updated_at = now()
		 RETURNING id, name`,
		uuid.NewString(), r.clientID, branch.ID, branch.Name, address,
		branch.PhoneNumber, branch.Timezone,
	).Scan(&id, &name)
	if err != nil {
		return "", "", eris.Wrapf(err, "reconcile: upsert location %s", branch.ID)
	}
	return id, name, nil
}

func (r *Reconciler) upsertCustomer(ctx context.Context, tx pgx.Tx, cust smartmoving.Customer) (string, error) {
	first, last := crm.SplitName(cust.Name)
	var id string
	err := tx.QueryRow(ctx,
		`INSERT INTO crm.customer (id, client_id, external_id, first_name, last_name, email, phone, address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (client_id, external_id) DO UPDATE SET
		   first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
		   email = EXCLUDED.email, phone = EXCLUDED.phone,
		   address = EXCLUDED.address, updated_at = now()
		 RETURNING id`,
		uuid.NewString(), r.clientID, cust.ID, first, last,
		cust.EmailAddress, cust.PhoneNumber, cust.Address,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "reconcile: upsert customer %s", cust.ID)
	}
	return id, nil
}

// buildJourney derives the local journey row from a job record.
func (r *Reconciler) buildJourney(rec JobRecord, locationID, locationName string) (*crm.TruckJourney, error) {
	job := rec.Job

	estimated := smartmoving.SumCharges(job.EstimatedCharges)
	if estimated == 0 {
		estimated = rec.Opportunity.EstimatedTotal.Amount
	}
	actual := smartmoving.SumCharges(job.ActualCharges)

	var origin, destination string
	if n := len(job.JobAddresses); n > 0 {
		origin = job.JobAddresses[0].FullAddress
		if n > 1 {
			destination = job.JobAddresses[n-1].FullAddress
		}
	}

	notes := strings.TrimSpace(job.Notes)
	if locationName != "" {
		if notes != "" {
			notes += "\n\n"
		}
		notes += "Branch: " + locationName
	}

	priority := "NORMAL"
	if job.Confirmed {
		priority = "HIGH"
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: marshal job %s", job.ID)
	}

	label := jobTypeLabel(job.Type)
	return &crm.TruckJourney{
		ClientID:           r.clientID,
		LocationID:         locationID,
		ExternalID:         job.ID,
		ExternalData:       raw,
		Date:               rec.ServiceDay,
		Status:             mapJourneyStatus(rec.Opportunity.Status),
		Title:              fmt.Sprintf("%s – %s", label, rec.Customer.Name),
		CustomerName:       rec.Customer.Name,
		CustomerEmail:      rec.Customer.EmailAddress,
		CustomerPhone:      rec.Customer.PhoneNumber,
		OriginAddress:      origin,
		DestinationAddress: destination,
		EstimatedCost:      estimated,
		ActualCost:         actual,
		Notes:              notes,
		Tags:               label,
		Priority:           priority,
	}, nil
}

// upsertJourney inserts or updates the journey keyed on
// (client_id, external_id). Updates never touch created_by or created_at.
// A unique violation on insert means another worker won the race; the
// update path is retried once.
func (r *Reconciler) upsertJourney(ctx context.Context, tx pgx.Tx, j *crm.TruckJourney) (ReconcileOutcome, error) {
	var existingID string
	err := tx.QueryRow(ctx,
		`SELECT id FROM crm.truck_journey WHERE client_id = $1 AND external_id = $2 FOR UPDATE`,
		j.ClientID, j.ExternalID,
	).Scan(&existingID)

	switch {
	case err == nil:
		j.ID = existingID
		if err := r.updateJourney(ctx, tx, j); err != nil {
			return 0, err
		}
		return OutcomeUpdated, nil

	case errors.Is(err, pgx.ErrNoRows):
		j.ID = uuid.NewString()
		err := r.insertJourney(ctx, tx, j)
		if isUniqueViolation(err) {
			// Lost an insert race to a concurrent worker.
			err = tx.QueryRow(ctx,
				`SELECT id FROM crm.truck_journey WHERE client_id = $1 AND external_id = $2 FOR UPDATE`,
				j.ClientID, j.ExternalID,
			).Scan(&j.ID)
			if err != nil {
				return 0, eris.Wrapf(err, "reconcile: reload journey %s after race", j.ExternalID)
			}
			if err := r.updateJourney(ctx, tx, j); err != nil {
				return 0, err
			}
			return OutcomeUpdated, nil
		}
		if err != nil {
			return 0, err
		}
		return OutcomeCreated, nil

	default:
		return 0, eris.Wrapf(err, "reconcile: lookup journey %s", j.ExternalID)
	}
}

func (r *Reconciler) insertJourney(ctx context.Context, tx pgx.Tx, j *crm.TruckJourney) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO crm.truck_journey
		 (id, client_id, location_id, external_id, external_data, date, status, title,
		  customer_name, customer_email, customer_phone, origin_address, destination_address,
		  estimated_cost, actual_cost, notes, tags, priority,
		  sync_status, last_sync_at, created_by, updated_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		         'SYNCED', now(), $19, $19)`,
		j.ID, j.ClientID, j.LocationID, j.ExternalID, j.ExternalData, j.Date,
		string(j.Status), j.Title, j.CustomerName, j.CustomerEmail, j.CustomerPhone,
		j.OriginAddress, j.DestinationAddress, j.EstimatedCost, j.ActualCost,
		j.Notes, j.Tags, j.Priority, r.systemUserID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return eris.Wrapf(err, "reconcile: insert journey %s", j.ExternalID)
	}
	return nil
}

func (r *Reconciler) updateJourney(ctx context.Context, tx pgx.Tx, j *crm.TruckJourney) error {
	_, err := tx.Exec(ctx,
		`UPDATE crm.truck_journey SET
		   location_id = $2, external_data = $3, date = $4, status = $5, title = $6,
		   customer_name = $7, customer_email = $8, customer_phone = $9,
		   origin_address = $10, destination_address = $11,
		   estimated_cost = $12, actual_cost = $13, notes = $14, tags = $15, priority = $16,
		   sync_status = 'SYNCED', last_sync_at = now(), updated_by = $17, updated_at = now()
		 WHERE id = $1`,
		j.ID, j.LocationID, j.ExternalData, j.Date, string(j.Status), j.Title,
		j.CustomerName, j.CustomerEmail, j.CustomerPhone,
		j.OriginAddress, j.DestinationAddress, j.EstimatedCost, j.ActualCost,
		j.Notes, j.Tags, j.Priority, r.systemUserID,
	)
	if err != nil {
		return eris.Wrapf(err, "reconcile: update journey %s", j.ExternalID)
	}
	return nil
}

// replaceManagedTags recomputes the derived tags. User-added tag types are
// never touched.
func (r *Reconciler) replaceManagedTags(ctx context.Context, tx pgx.Tx, j *crm.TruckJourney, locationName string) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM crm.job_tag WHERE journey_id = $1 AND tag_type = ANY($2)`,
		j.ID, crm.ManagedTagTypes,
	); err != nil {
		return eris.Wrapf(err, "reconcile: clear tags for journey %s", j.ID)
	}

	tags := []crm.JobTag{
		{JourneyID: j.ID, TagType: crm.TagLocation, TagValue: locationName},
		{JourneyID: j.ID, TagType: crm.TagDate, TagValue: j.Date.Format("2006-01-02")},
		{JourneyID: j.ID, TagType: crm.TagStatus, TagValue: string(j.Status)},
		{JourneyID: j.ID, TagType: crm.TagPriority, TagValue: j.Priority},
		{JourneyID: j.ID, TagType: crm.TagService, TagValue: j.Tags},
		{JourneyID: j.ID, TagType: crm.TagCustomer, TagValue: j.CustomerName},
	}
	for _, tag := range tags {
		if tag.TagValue == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO crm.job_tag (journey_id, tag_type, tag_value)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			tag.JourneyID, tag.TagType, tag.TagValue,
		); err != nil {
			return eris.Wrapf(err, "reconcile: insert %s tag for journey %s", tag.TagType, j.ID)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
