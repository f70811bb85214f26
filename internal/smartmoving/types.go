package smartmoving

import (
	"fmt"
	"time"
)

// Page is the provider's standard paged response envelope.
type Page[T any] struct {
	PageResults  []T  `json:"pageResults"`
	TotalResults int  `json:"totalResults"`
	TotalPages   int  `json:"totalPages"`
	LastPage     bool `json:"lastPage"`
}

// ServiceDate is the provider's yyyyMMdd integer date encoding.
// Zero means "no date".
type ServiceDate int

// NewServiceDate encodes a calendar day (UTC) as yyyyMMdd.
func NewServiceDate(t time.Time) ServiceDate {
	t = t.UTC()
	return ServiceDate(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// Time decodes the yyyyMMdd integer as a UTC calendar day. Invalid or
// zero values decode to the zero time.
func (d ServiceDate) Time() time.Time {
	if d < 10000101 || d > 99991231 {
		return time.Time{}
	}
	year := int(d) / 10000
	month := int(d) / 100 % 100
	day := int(d) % 100
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// IsZero reports whether the date is unset or unparseable.
func (d ServiceDate) IsZero() bool {
	return d.Time().IsZero()
}

func (d ServiceDate) String() string {
	return fmt.Sprintf("%08d", int(d))
}

// DispatchLocation is the physical dispatch site of a branch.
type DispatchLocation struct {
	FullAddress string  `json:"fullAddress"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}

// Branch is an upstream operational site.
type Branch struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	PhoneNumber      string            `json:"phoneNumber"`
	Timezone         string            `json:"timezone"`
	IsPrimary        bool              `json:"isPrimary"`
	DispatchLocation *DispatchLocation `json:"dispatchLocation"`
}

// Customer is the mover's client, optionally carrying its opportunity
// tree when IncludeOpportunityInfo is requested.
type Customer struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	EmailAddress  string        `json:"emailAddress"`
	PhoneNumber   string        `json:"phoneNumber"`
	Address       string        `json:"address"`
	Opportunities []Opportunity `json:"opportunities"`
}

// Opportunity is a quoted engagement; it may carry several jobs.
type Opportunity struct {
	ID             string      `json:"id"`
	QuoteNumber    string      `json:"quoteNumber"`
	Status         int         `json:"status"`
	ServiceDate    ServiceDate `json:"serviceDate"`
	EstimatedTotal Money       `json:"estimatedTotal"`
	Branch         *Branch     `json:"branch"`
	Jobs           []Job       `json:"jobs"`
}

// Money is a charge amount holder used by estimate/actual totals.
type Money struct {
	Amount float64 `json:"amount"`
}

// Charge is one line item of a job's estimated or actual charges.
type Charge struct {
	Name  string  `json:"name"`
	Total float64 `json:"total"`
}

// JobAddress is one stop of a job in visit order.
type JobAddress struct {
	FullAddress string `json:"fullAddress"`
}

// Job is one scheduled service date of an opportunity.
type Job struct {
	ID               string       `json:"id"`
	JobNumber        string       `json:"jobNumber"`
	ServiceDate      ServiceDate  `json:"serviceDate"`
	Type             int          `json:"type"`
	Confirmed        bool         `json:"confirmed"`
	Notes            string       `json:"notes"`
	JobAddresses     []JobAddress `json:"jobAddresses"`
	EstimatedCharges []Charge     `json:"estimatedCharges"`
	ActualCharges    []Charge     `json:"actualCharges"`
}

// CatalogItem is the common shape of the slow-changing reference
// entities (materials, service types, move sizes, room types,
// referral sources).
type CatalogItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User is an upstream staff account.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
	Title        string `json:"title"`
}

// CustomerQuery selects customers by service-date window and branch.
type CustomerQuery struct {
	FromServiceDate        ServiceDate
	ToServiceDate          ServiceDate
	BranchID               string
	IncludeOpportunityInfo bool
	Page                   int
	PageSize               int
}

// SumCharges totals a charge list.
func SumCharges(charges []Charge) float64 {
	var total float64
	for _, c := range charges {
		total += c.Total
	}
	return total
}
