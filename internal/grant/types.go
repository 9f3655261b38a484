package grant

import (
	"fmt"
	"time"
)

// SourceType classifies the organization behind a source.
type SourceType string

// Supported source types.
const (
	SourceTypeGovernment SourceType = "government"
	SourceTypeFoundation SourceType = "foundation"
	SourceTypeNGO        SourceType = "ngo"
	SourceTypeCorporate  SourceType = "corporate"
	SourceTypeAcademic   SourceType = "academic"
	SourceTypeOther      SourceType = "other"
)

// SourceTypes lists every supported source type.
var SourceTypes = []SourceType{
	SourceTypeGovernment,
	SourceTypeFoundation,
	SourceTypeNGO,
	SourceTypeCorporate,
	SourceTypeAcademic,
	SourceTypeOther,
}

// EngineKind selects the fetch/parse strategy for a source.
type EngineKind string

// Supported engines.
const (
	EngineStatic  EngineKind = "static"
	EngineBrowser EngineKind = "browser"
)

// Frequency is the polling cadence of a source.
type Frequency string

// Supported frequencies.
const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Interval returns the wall-clock period between scrapes.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// SourceStatus controls whether the scheduler may select a source.
type SourceStatus string

// Supported source statuses.
const (
	SourceActive   SourceStatus = "active"
	SourcePaused   SourceStatus = "paused"
	SourceDisabled SourceStatus = "disabled"
)

// ParseSourceStatus validates a status string.
func ParseSourceStatus(s string) (SourceStatus, error) {
	switch SourceStatus(s) {
	case SourceActive, SourcePaused, SourceDisabled:
		return SourceStatus(s), nil
	default:
		return "", fmt.Errorf("unknown source status %q", s)
	}
}

// Selectors are the extraction rules for a source. Field selectors are
// evaluated inside each Item match; "css@attr" reads an attribute instead of text.
type Selectors struct {
	Item        string `json:"item" mapstructure:"item" validate:"required"`
	Title       string `json:"title" mapstructure:"title" validate:"required"`
	Description string `json:"description,omitempty" mapstructure:"description"`
	Link        string `json:"link,omitempty" mapstructure:"link"`
	Deadline    string `json:"deadline,omitempty" mapstructure:"deadline"`
	Amount      string `json:"amount,omitempty" mapstructure:"amount"`
	Funder      string `json:"funder,omitempty" mapstructure:"funder"`
	Category    string `json:"category,omitempty" mapstructure:"category"`
	// Empty matches the marker a site renders when it has no open calls.
	Empty string `json:"empty,omitempty" mapstructure:"empty"`
	// WaitFor is the readiness selector used by the browser engine.
	WaitFor string `json:"waitFor,omitempty" mapstructure:"wait_for"`
}

// Limits are rate limit settings for one source.
type Limits struct {
	RequestsPerMinute    int           `json:"requestsPerMinute" mapstructure:"requests_per_minute"`
	DelayBetweenRequests time.Duration `json:"delayBetweenRequests" mapstructure:"delay_between_requests"`
}

// Health holds the rolling statistics of a source. Only the registry writes it.
type Health struct {
	SuccessRate   float64       `json:"successRate"`
	AvgParseTime  time.Duration `json:"avgParseTime"`
	FailCount     int           `json:"failCount"`
	LastError     string        `json:"lastError,omitempty"`
	LastScrapedAt *time.Time    `json:"lastScrapedAt,omitempty"`
	TotalRuns     int           `json:"totalRuns"`
}

// Source is a configured scrape target.
type Source struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	URL       string       `json:"url"`
	Type      SourceType   `json:"type"`
	Category  string       `json:"category,omitempty"`
	Region    string       `json:"region,omitempty"`
	Engine    EngineKind   `json:"engine"`
	Frequency Frequency    `json:"frequency"`
	Status    SourceStatus `json:"status"`
	Selectors Selectors    `json:"selectors"`
	RateLimit *Limits      `json:"rateLimit,omitempty"`
	AuthParam string       `json:"authParam,omitempty"`
	Health    Health       `json:"health"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Due reports whether the source should be scraped at now.
func (s Source) Due(now time.Time) bool {
	if s.Status != SourceActive {
		return false
	}
	if s.Health.LastScrapedAt == nil {
		return true
	}
	return !s.Health.LastScrapedAt.Add(s.Frequency.Interval()).After(now)
}

// SourceDefinition is the configuration-level view of a source used for seeding.
type SourceDefinition struct {
	ID        string    `mapstructure:"id" validate:"required,max=64"`
	Name      string    `mapstructure:"name" validate:"required"`
	URL       string    `mapstructure:"url" validate:"required,url"`
	Type      string    `mapstructure:"type" validate:"required,oneof=government foundation ngo corporate academic other"`
	Category  string    `mapstructure:"category"`
	Region    string    `mapstructure:"region"`
	Engine    string    `mapstructure:"engine" validate:"required,oneof=static browser"`
	Frequency string    `mapstructure:"frequency" validate:"required,oneof=hourly daily weekly monthly"`
	Status    string    `mapstructure:"status" validate:"omitempty,oneof=active paused disabled"`
	Selectors Selectors `mapstructure:"selectors"`
	RateLimit *Limits   `mapstructure:"rate_limit"`
	AuthParam string    `mapstructure:"auth_param"`
}

// JobStatus tracks the lifecycle of a job.
type JobStatus string

// Job lifecycle states.
const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobSuccess JobStatus = "SUCCESS"
	JobFailed  JobStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// Trigger records what started a job.
type Trigger string

// Job triggers.
const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Job is one execution of fetch, parse and ingest against a source.
type Job struct {
	ID            string        `json:"id"`
	SourceID      string        `json:"sourceId"`
	Status        JobStatus     `json:"status"`
	Trigger       Trigger       `json:"trigger"`
	CreatedAt     time.Time     `json:"createdAt"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
	Duration      time.Duration `json:"duration"`
	Attempts      int           `json:"attempts"`
	TotalFound    int           `json:"totalFound"`
	TotalInserted int           `json:"totalInserted"`
	TotalUpdated  int           `json:"totalUpdated"`
	Error         string        `json:"error,omitempty"`
}

// Funder is the organization offering a grant.
type Funder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Grant is a normalized catalog entry.
type Grant struct {
	ID            string     `json:"id"`
	Fingerprint   string     `json:"fingerprint"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	URL           string     `json:"url,omitempty"`
	FunderID      string     `json:"funderId"`
	Category      string     `json:"category,omitempty"`
	AmountMin     *float64   `json:"amountMin,omitempty"`
	AmountMax     *float64   `json:"amountMax,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	FirstSourceID string     `json:"firstSourceId"`
	FirstJobID    string     `json:"firstJobId"`
	LastSourceID  string     `json:"lastSourceId"`
	LastJobID     string     `json:"lastJobId"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// GrantUpsert is a normalized record ready to be written to the catalog.
type GrantUpsert struct {
	ID          string
	FunderID    string
	FunderName  string
	Fingerprint string
	Title       string
	Description string
	URL         string
	Category    string
	AmountMin   *float64
	AmountMax   *float64
	Currency    string
	Deadline    *time.Time
	SourceID    string
	JobID       string
	At          time.Time
}

// UpsertOutcome reports what an upsert did.
type UpsertOutcome struct {
	GrantID string
	Created bool
}

// RawRecord is a candidate listing as extracted from a page.
type RawRecord struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Funder      string `json:"funder,omitempty"`
	Category    string `json:"category,omitempty"`
}

// FetchResult is what an engine returns for one fetch.
type FetchResult struct {
	Records    []RawRecord
	Duration   time.Duration
	StatusCode int
	BodyBytes  int
	FinalURL   string
}

// IngestResult summarizes one ingestion batch.
type IngestResult struct {
	Found    int `json:"found"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Outcome is fed back into source health after a job finishes.
type Outcome struct {
	Success  bool
	Duration time.Duration
	Err      error
	At       time.Time
}
