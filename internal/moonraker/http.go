package moonraker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"printlog/internal/logging"
)

// ErrStatus wraps non-2xx responses from the controller's REST API.
var ErrStatus = errors.New("moonraker: unexpected status")

// HTTPClient calls the controller's REST endpoints used for history import.
// Calls share one circuit breaker per controller.
type HTTPClient struct {
	base    string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := strings.TrimRight(baseURL, "/")
	return &HTTPClient{
		base:   base,
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        base,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// a missing gcode file says nothing about controller health
				return err == nil || errors.Is(err, errNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().Str("controller", name).Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
	}
}

var errNotFound = fmt.Errorf("%w: 404", ErrStatus)

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, errNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
}

type historyListResponse struct {
	Result struct {
		Jobs  []HistoryJob `json:"jobs"`
		Count *int         `json:"count"`
	} `json:"result"`
}

// HistoryList fetches one page of the controller's job history, newest first.
func (c *HTTPClient) HistoryList(ctx context.Context, limit, start int) ([]HistoryJob, int, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("start", strconv.Itoa(start))
	q.Set("order", "desc")
	body, err := c.get(ctx, "/server/history/list?"+q.Encode())
	if err != nil {
		return nil, 0, fmt.Errorf("fetch history from %s: %w", c.base, err)
	}
	var res historyListResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, 0, fmt.Errorf("decode history from %s: %w", c.base, err)
	}
	count := len(res.Result.Jobs)
	if res.Result.Count != nil {
		count = *res.Result.Count
	}
	return res.Result.Jobs, count, nil
}

// FetchGcode downloads a gcode file's text. The filename is path-escaped as one segment.
func (c *HTTPClient) FetchGcode(ctx context.Context, filename string) (string, error) {
	body, err := c.get(ctx, "/server/files/gcodes/"+url.PathEscape(filename))
	if err != nil {
		return "", fmt.Errorf("fetch gcode %q: %w", filename, err)
	}
	return string(body), nil
}
