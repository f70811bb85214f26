// Package crm defines the local entities the ingestion core reads and writes.
package crm

import (
	"strings"
	"time"
)

// SyncStatus is the lifecycle state of an integration's current run.
// RUNNING doubles as the durable run lock: at most one run may hold it.
type SyncStatus string

const (
	SyncPending   SyncStatus = "PENDING"
	SyncRunning   SyncStatus = "RUNNING"
	SyncCompleted SyncStatus = "COMPLETED"
	SyncFailed    SyncStatus = "FAILED"
	SyncPartial   SyncStatus = "PARTIAL"
)

// SyncType identifies what triggered a run.
type SyncType string

const (
	SyncScheduled SyncType = "SCHEDULED"
	SyncManual    SyncType = "MANUAL"
	SyncBackfill  SyncType = "BACKFILL"
)

// JourneyStatus is the operational state of a truck journey.
type JourneyStatus string

const (
	JourneyMorningPrep JourneyStatus = "MORNING_PREP"
	JourneyEnRoute     JourneyStatus = "EN_ROUTE"
	JourneyCompleted   JourneyStatus = "COMPLETED"
)

// JourneySyncStatus tracks whether a journey row reflects upstream.
type JourneySyncStatus string

const (
	JourneySyncPending JourneySyncStatus = "PENDING"
	JourneySyncSynced  JourneySyncStatus = "SYNCED"
	JourneySyncFailed  JourneySyncStatus = "FAILED"
)

// Managed tag types are recomputed on every reconcile; tags with other
// types (user-added) are never touched.
const (
	TagLocation = "location"
	TagDate     = "date"
	TagStatus   = "status"
	TagPriority = "priority"
	TagService  = "service"
	TagCustomer = "customer"
)

// ManagedTagTypes lists the tag types the reconciler owns.
var ManagedTagTypes = []string{TagLocation, TagDate, TagStatus, TagPriority, TagService, TagCustomer}

// Integration is a configured upstream connection (one per api_source
// per client).
type Integration struct {
	ID                 string         `json:"id"`
	ClientID           string         `json:"client_id"`
	Name               string         `json:"name"`
	APISource          string         `json:"api_source"`
	APIBaseURL         string         `json:"api_base_url"`
	APIKey             string         `json:"-"`
	APIClientID        string         `json:"-"`
	IsActive           bool           `json:"is_active"`
	SyncFrequencyHours int            `json:"sync_frequency_hours"`
	LastSyncAt         *time.Time     `json:"last_sync_at,omitempty"`
	NextSyncAt         *time.Time     `json:"next_sync_at,omitempty"`
	SyncStatus         SyncStatus     `json:"sync_status"`
	Settings           map[string]any `json:"settings,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// SyncLog is one orchestrator invocation.
type SyncLog struct {
	ID               string         `json:"id"`
	IntegrationID    string         `json:"integration_id"`
	SyncType         SyncType       `json:"sync_type"`
	Status           SyncStatus     `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	RecordsProcessed int64          `json:"records_processed"`
	RecordsCreated   int64          `json:"records_created"`
	RecordsUpdated   int64          `json:"records_updated"`
	RecordsFailed    int64          `json:"records_failed"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Location is a local operational site, mapped 1:1 from an upstream branch.
type Location struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	Phone      string    `json:"phone,omitempty"`
	Timezone   string    `json:"timezone,omitempty"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Customer is the mover's client.
type Customer struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	ExternalID string    `json:"external_id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Address    string    `json:"address,omitempty"`
	LeadStatus string    `json:"lead_status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TruckJourney is one scheduled truck run, mapped 1:1 from an upstream job.
type TruckJourney struct {
	ID                 string            `json:"id"`
	ClientID           string            `json:"client_id"`
	LocationID         string            `json:"location_id"`
	ExternalID         string            `json:"external_id"`
	ExternalData       []byte            `json:"-"`
	Date               time.Time         `json:"date"`
	Status             JourneyStatus     `json:"status"`
	Title              string            `json:"title"`
	CustomerName       string            `json:"customer_name"`
	CustomerEmail      string            `json:"customer_email,omitempty"`
	CustomerPhone      string            `json:"customer_phone,omitempty"`
	OriginAddress      string            `json:"origin_address,omitempty"`
	DestinationAddress string            `json:"destination_address,omitempty"`
	EstimatedCost      float64           `json:"estimated_cost"`
	ActualCost         float64           `json:"actual_cost"`
	Notes              string            `json:"notes,omitempty"`
	Tags               string            `json:"tags,omitempty"`
	Priority           string            `json:"priority,omitempty"`
	SyncStatus         JourneySyncStatus `json:"sync_status"`
	LastSyncAt         *time.Time        `json:"last_sync_at,omitempty"`
	CreatedBy          string            `json:"created_by"`
	UpdatedBy          string            `json:"updated_by"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// JobTag is one derived tag on a journey.
type JobTag struct {
	JourneyID string `json:"journey_id"`
	TagType   string `json:"tag_type"`
	TagValue  string `json:"tag_value"`
}

// SplitName splits a single upstream name into first/last on the first
// space. A single token becomes first name with empty last name.
func SplitName(full string) (first, last string) {
	full = strings.TrimSpace(full)
	if f, l, ok := strings.Cut(full, " "); ok {
		return f, strings.TrimSpace(l)
	}
	return full, ""
}
