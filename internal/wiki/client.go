// Package wiki fetches short species descriptions from the MediaWiki query API.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/flower-id/internal/logging"
)

const (
	// DefaultEndpoint is the English Wikipedia query API.
	DefaultEndpoint = "https://en.wikipedia.org/w/api.php"
	// DefaultUserAgent identifies the service to the API operators.
	DefaultUserAgent = "flower-id/1.0 (species description lookup)"

	referenceBase = "https://en.wikipedia.org/wiki?curid="
	maxBodyBytes  = 1 << 20
	missingPageID = -1
)

// ErrNoPage reports that the API answered but had no article for the title.
var ErrNoPage = errors.New("no matching page")

// Outcome is the result of a lookup. PageID is set if and only if Found is true.
type Outcome struct {
	Found   bool
	PageID  string
	Summary string
}

// Config controls the HTTP behaviour of the client.
type Config struct {
	Endpoint  string
	UserAgent string
	Timeout   time.Duration
}

// Client issues read-only extract queries. It never caches or retries.
type Client struct {
	http      *http.Client
	endpoint  *url.URL
	userAgent string
	logger    *zap.Logger
}

// NewClient validates the endpoint and builds a client with a bounded timeout.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, logging.NewOperationError("wiki.new_client", "", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, logging.NewOperationError("wiki.new_client", "", fmt.Errorf("unsupported endpoint scheme %q", endpoint.Scheme))
	}

	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		endpoint:  endpoint,
		userAgent: cfg.UserAgent,
		logger:    logger.Named("wiki"),
	}, nil
}

// QueryURL builds the extract query for title. Flag parameters are sent bare
// and the parameter order is fixed.
func (c *Client) QueryURL(title string) string {
	u := *c.endpoint
	query := "format=json&action=query&prop=extracts&exintro&explaintext&titles=" +
		url.QueryEscape(title) + "&indexpageids&redirects=1"
	if u.RawQuery != "" {
		query = u.RawQuery + "&" + query
	}
	u.RawQuery = query
	return u.String()
}

// Lookup performs exactly one GET for title. Every failure yields a not-found
// Outcome together with the error that caused it.
func (c *Client) Lookup(ctx context.Context, title string) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.QueryURL(title), nil)
	if err != nil {
		return Outcome{}, logging.NewOperationError("wiki.build_request", "", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{}, logging.NewOperationError("wiki.request", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return Outcome{}, logging.NewOperationError("wiki.request", "", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var payload queryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return Outcome{}, logging.NewOperationError("wiki.decode", "", err)
	}

	outcome, err := payload.outcome()
	if err != nil {
		return Outcome{}, logging.NewOperationError("wiki.decode", "", err)
	}
	c.logger.Debug("lookup resolved", zap.String("title", title), zap.String("page_id", outcome.PageID))
	return outcome, nil
}

// ReferenceURL returns the browsable article address for a page id.
func ReferenceURL(pageID string) (string, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return "", errors.New("page id is required")
	}
	return referenceBase + url.QueryEscape(pageID), nil
}

type queryResponse struct {
	Query *struct {
		PageIDs []json.RawMessage `json:"pageids"`
		Pages   map[string]struct {
			Extract string `json:"extract"`
		} `json:"pages"`
	} `json:"query"`
}

func (r queryResponse) outcome() (Outcome, error) {
	if r.Query == nil || len(r.Query.PageIDs) == 0 {
		return Outcome{}, ErrNoPage
	}

	pageID, err := decodePageID(r.Query.PageIDs[0])
	if err != nil {
		return Outcome{}, err
	}
	// The API marks a missing article with page id -1; compare numerically so
	// "-1", -1 and "-01" are all treated alike.
	if n, err := strconv.ParseInt(pageID, 10, 64); err == nil && n == missingPageID {
		return Outcome{}, ErrNoPage
	}
	if pageID == "" {
		return Outcome{}, ErrNoPage
	}

	return Outcome{
		Found:   true,
		PageID:  pageID,
		Summary: r.Query.Pages[pageID].Extract,
	}, nil
}

func decodePageID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("page id %s is neither string nor number", string(raw))
	}
	return n.String(), nil
}
