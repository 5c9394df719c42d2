// Package fetch performs single data and metadata requests against the
// provider and classifies their failures. All retry, backoff, and
// credential rotation decisions live with the scheduler; the executor
// makes exactly one network call per invocation.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/civicdata/acs-harvest/pkg/planner"
)

// Prometheus metrics for fetch operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total upstream requests by kind and status",
	}, []string{"kind", "status"})

	fetchRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "Upstream request duration in seconds by kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_fetch_errors_total",
		Help: "Total fetch errors by kind",
	}, []string{"kind"})

	fetchRowsParsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_rows_parsed_total",
		Help: "Total data rows parsed from upstream responses",
	})
)

// Cell is one variable's value within a row. Values stay strings as
// received; the transport never coerces them.
type Cell struct {
	Variable string
	Value    string
}

// Row is one geography's values for a unit's variable batch, in the
// response's column order. Immutable once written.
type Row struct {
	StateFIPS  string
	CountyFIPS string
	Cells      []Cell
}

// Config holds executor configuration.
type Config struct {
	// BaseURL is the provider root (e.g. "https://api.census.gov/data").
	BaseURL string

	// Year and Dataset address one vintage (e.g. "2023", "acs/acs5").
	Year    string
	Dataset string

	// UserAgent identifies the harvester to the provider.
	UserAgent string

	// Timeout bounds one network call.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://api.census.gov/data",
		Year:      "2023",
		Dataset:   "acs/acs5",
		UserAgent: "acs-harvest/0.1.0",
		Timeout:   30 * time.Second,
	}
}

// Executor issues single HTTP GETs and parses tabular responses.
type Executor struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates an executor.
func New(cfg Config, logger zerolog.Logger) (*Executor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Year == "" || cfg.Dataset == "" {
		return nil, fmt.Errorf("year and dataset are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Executor{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     logger.With().Str("component", "fetch").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (e *Executor) SetHTTPClient(client *http.Client) {
	e.httpClient = client
}

// datasetURL returns the data endpoint for the configured vintage.
func (e *Executor) datasetURL() string {
	return fmt.Sprintf("%s/%s/%s", e.config.BaseURL, e.config.Year, e.config.Dataset)
}

// Execute performs exactly one data request for a planned unit and
// parses the two-dimensional array response. The key is the raw
// credential value; charging it against a budget is the caller's job.
func (e *Executor) Execute(ctx context.Context, unit planner.FetchUnit, key string) ([]Row, error) {
	if len(unit.Variables) == 0 {
		return nil, ErrEmptyBatch
	}

	params := url.Values{}
	params.Set("get", strings.Join(unit.Variables, ","))
	params.Set("for", unit.Geography.ForClause())
	params.Set("in", unit.Geography.InClause())
	if key != "" {
		params.Set("key", key)
	}

	body, err := e.get(ctx, "data", e.datasetURL()+"?"+params.Encode(), unit.ID())
	if err != nil {
		return nil, err
	}

	rows, err := parseRows(body, unit)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(KindMalformed)).Inc()
		return nil, err
	}

	fetchRowsParsed.Add(float64(len(rows)))

	e.logger.Debug().
		Str("unit_id", unit.ID()).
		Int("rows", len(rows)).
		Msg("Unit fetched")

	return rows, nil
}

// Discover performs one metadata request relative to the dataset root
// (e.g. "groups", "groups/B01001") and returns the raw body.
func (e *Executor) Discover(ctx context.Context, path, key string) ([]byte, error) {
	rawURL := e.datasetURL() + "/" + strings.TrimPrefix(path, "/")
	if key != "" {
		params := url.Values{}
		params.Set("key", key)
		rawURL += "?" + params.Encode()
	}
	return e.get(ctx, "discovery", rawURL, path)
}

// get performs a single GET and classifies any failure. unitID is only
// for error context and logging.
func (e *Executor) get(ctx context.Context, kind, rawURL, unitID string) ([]byte, error) {
	start := time.Now()
	defer func() {
		fetchRequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", e.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(KindTransient)).Inc()
		fetchRequestsTotal.WithLabelValues(kind, "network_error").Inc()
		return nil, &Error{
			Kind:    KindTransient,
			UnitID:  unitID,
			Message: "request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	fetchRequestsTotal.WithLabelValues(kind, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		fetchErrorsTotal.WithLabelValues(string(KindTransient)).Inc()
		return nil, &Error{
			Kind:       KindTransient,
			StatusCode: resp.StatusCode,
			UnitID:     unitID,
			Message:    "read body",
			Err:        readErr,
		}
	}

	if fe := e.classify(resp.StatusCode, body, unitID); fe != nil {
		fetchErrorsTotal.WithLabelValues(string(fe.Kind)).Inc()
		e.logger.Warn().
			Str("unit_id", unitID).
			Int("status", fe.StatusCode).
			Str("error_kind", string(fe.Kind)).
			Msg("Upstream request error")
		return nil, fe
	}

	return body, nil
}

// classify maps a status/body pair to a fetch error, or nil on success.
// The provider has been observed to deliver its 429 envelope under
// other statuses, so the body shape is checked regardless.
func (e *Executor) classify(status int, body []byte, unitID string) *Error {
	if msg, limited := parseAPIError(body); limited {
		return &Error{
			Kind:       KindRateLimited,
			StatusCode: status,
			UnitID:     unitID,
			Message:    msg,
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			StatusCode: status,
			UnitID:     unitID,
			Message:    "rate limit exceeded",
		}
	case status >= 500:
		return &Error{
			Kind:       KindTransient,
			StatusCode: status,
			UnitID:     unitID,
			Message:    "server error",
		}
	case status >= 400:
		return &Error{
			Kind:       KindMalformed,
			StatusCode: status,
			UnitID:     unitID,
			Message:    "request rejected",
		}
	}
	return nil
}

// parseRows decodes the array-of-arrays response body: row 0 is the
// header (variable ids plus geography field names), subsequent rows are
// values zipped to the header positionally.
func parseRows(body []byte, unit planner.FetchUnit) ([]Row, error) {
	var table [][]string
	if err := json.Unmarshal(body, &table); err != nil {
		return nil, &Error{
			Kind:    KindMalformed,
			UnitID:  unit.ID(),
			Message: "response is not a two-dimensional array",
			Err:     err,
		}
	}
	if len(table) == 0 {
		return nil, &Error{
			Kind:    KindMalformed,
			UnitID:  unit.ID(),
			Message: "response has no header row",
		}
	}

	header := table[0]
	stateCol, countyCol := -1, -1
	for i, name := range header {
		switch name {
		case "state":
			stateCol = i
		case "county":
			countyCol = i
		}
	}

	rows := make([]Row, 0, len(table)-1)
	for _, raw := range table[1:] {
		if len(raw) != len(header) {
			return nil, &Error{
				Kind:   KindMalformed,
				UnitID: unit.ID(),
				Message: fmt.Sprintf("row width %d does not match header width %d",
					len(raw), len(header)),
			}
		}

		row := Row{}
		for i, value := range raw {
			switch i {
			case stateCol:
				row.StateFIPS = value
			case countyCol:
				row.CountyFIPS = value
			default:
				row.Cells = append(row.Cells, Cell{Variable: header[i], Value: value})
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
