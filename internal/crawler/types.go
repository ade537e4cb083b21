package crawler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Money is a decimal amount with an ISO 4217 currency code.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// ListingRecord is one sold listing. ItemID is the primary key.
type ListingRecord struct {
	ItemID                string           `json:"item_id"`
	ItemURL               string           `json:"item_url"`
	ImageURL              string           `json:"image_url,omitempty"`
	Title                 string           `json:"title"`
	Condition             string           `json:"condition,omitempty"`
	DateSold              *time.Time       `json:"date_sold,omitempty"`
	Price                 Money            `json:"price"`
	ShippingCost          *decimal.Decimal `json:"shipping_cost,omitempty"`
	ShippingLocation      string           `json:"shipping_location,omitempty"`
	BestOffer             bool             `json:"best_offer"`
	SellerName            string           `json:"seller_name,omitempty"`
	SellerFeedbackScore   int              `json:"seller_feedback_score"`
	SellerFeedbackPercent decimal.Decimal  `json:"seller_feedback_percent"`
}

// ListingCandidate is the partial listing reference found on a search results page.
type ListingCandidate struct {
	ItemID   string
	ItemURL  string
	Title    string
	Price    string
	DateSold string
	Seller   string
}

// SearchResult is what the extractor finds on one search results page.
type SearchResult struct {
	Items        []ListingCandidate
	Next         string
	TotalResults int
}

// TaskRole tells the orchestrator how to interpret a fetched page.
type TaskRole string

// Task roles.
const (
	RoleSearchPage TaskRole = "search-page"
	RoleDetailPage TaskRole = "detail-page"
)

// TaskState tracks a task through the crawl state machine.
type TaskState string

// Task states.
const (
	TaskPending      TaskState = "pending"
	TaskInFlight     TaskState = "in_flight"
	TaskRetryPending TaskState = "retry_pending"
	TaskSucceeded    TaskState = "succeeded"
	TaskFailed       TaskState = "failed"
)

var taskTransitions = map[TaskState][]TaskState{
	TaskPending:      {TaskInFlight},
	TaskInFlight:     {TaskSucceeded, TaskRetryPending, TaskFailed},
	TaskRetryPending: {TaskInFlight},
}

// CanTransition reports whether moving from s to next is a legal state change.
func (s TaskState) CanTransition(next TaskState) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the task's lifecycle.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// CrawlTask is one unit of work for the orchestrator.
type CrawlTask struct {
	URL         string
	Role        TaskRole
	RetriesLeft int
	Attempt     int
	PageNumber  int
	ItemID      string
	Candidate   *ListingCandidate
	State       TaskState
}

// RenderRequest asks a rendering capability to load one URL through one egress identity.
type RenderRequest struct {
	URL       string
	Proxy     string
	UserAgent string
}

// RenderedPage is the result returned by a Renderer implementation.
type RenderedPage struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Egress     string
}

// BaseURL returns the URL relative links should resolve against.
func (p RenderedPage) BaseURL() string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}

// FailureRecord is the captured context of one failed task.
type FailureRecord struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Role         TaskRole      `json:"role"`
	Timestamp    time.Time     `json:"timestamp"`
	Category     ErrorCategory `json:"category"`
	Message      string        `json:"message"`
	Attempts     int           `json:"attempts"`
	SnapshotPath string        `json:"snapshot_path,omitempty"`
	HTMLPath     string        `json:"html_path,omitempty"`
	HTMLSHA256   string        `json:"html_sha256,omitempty"`
}
