// Package firestore is a thin REST client for Firestore documents. It
// owns no credentials: every request takes its Authorization header
// from a HeaderSource, typically a session.Manager or a
// usersession.Session. Document values are raw Firestore typed-value
// maps; mapping to domain structs and the query language are out of
// scope.
package firestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://firestore.googleapis.com/v1"

// defaultMaxElapsed bounds the total time spent retrying one request.
const defaultMaxElapsed = 30 * time.Second

const maxResponseBytes = 4 << 20

// HeaderSource supplies the Authorization header value for outbound
// requests.
type HeaderSource interface {
	AuthorizationHeader(ctx context.Context) (string, error)
}

// Document is a raw Firestore document. Fields hold Firestore
// typed-value payloads (stringValue, integerValue, mapValue, ...).
type Document struct {
	Name       string                    `json:"name,omitempty"`
	Fields     map[string]map[string]any `json:"fields,omitempty"`
	CreateTime time.Time                 `json:"createTime,omitempty"`
	UpdateTime time.Time                 `json:"updateTime,omitempty"`
}

// writeDocument is the request payload for document writes; server-set
// timestamps are never sent.
type writeDocument struct {
	Fields map[string]map[string]any `json:"fields,omitempty"`
}

// DocumentList is one page of a collection listing.
type DocumentList struct {
	Documents     []Document `json:"documents"`
	NextPageToken string     `json:"nextPageToken"`
}

// Client issues document requests for one project.
type Client struct {
	projectID  string
	auth       HeaderSource
	client     *http.Client
	logger     zerolog.Logger
	baseURL    string
	maxElapsed time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBaseURL overrides the Firestore endpoint, e.g. for the emulator.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger attaches a logger. Without it the client is silent.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMaxElapsedRetry bounds the total retry time per request.
func WithMaxElapsedRetry(maxElapsed time.Duration) Option {
	return func(c *Client) {
		c.maxElapsed = maxElapsed
	}
}

func New(projectID string, auth HeaderSource, options ...Option) *Client {
	c := &Client{
		projectID:  projectID,
		auth:       auth,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
		baseURL:    defaultBaseURL,
		maxElapsed: defaultMaxElapsed,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// documentName builds the fully qualified resource name of a document.
func (c *Client) documentName(path, documentID string) string {
	return fmt.Sprintf("projects/%s/databases/(default)/documents/%s/%s", c.projectID, path, documentID)
}

func (c *Client) collectionURL(path string) string {
	return fmt.Sprintf("%s/projects/%s/databases/(default)/documents/%s", c.baseURL, c.projectID, path)
}

// Get reads one document from a collection path.
func (c *Client) Get(ctx context.Context, path, documentID string) (*Document, error) {
	target := c.baseURL + "/" + c.documentName(path, documentID)
	var doc Document
	if err := c.do(ctx, http.MethodGet, target, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Create writes a new document with the given id. It fails if the
// document already exists.
func (c *Client) Create(ctx context.Context, path, documentID string, fields map[string]map[string]any) (*Document, error) {
	target := c.collectionURL(path) + "?documentId=" + url.QueryEscape(documentID)
	var doc Document
	if err := c.do(ctx, http.MethodPost, target, &writeDocument{Fields: fields}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Add writes a new document, letting Firestore generate the id. The
// assigned id is the last segment of the returned document's name.
func (c *Client) Add(ctx context.Context, path string, fields map[string]map[string]any) (*Document, error) {
	var doc Document
	if err := c.do(ctx, http.MethodPost, c.collectionURL(path), &writeDocument{Fields: fields}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Set overwrites a document, creating it if absent. With merge set,
// only the given fields are touched and the document must already
// exist.
func (c *Client) Set(ctx context.Context, path, documentID string, fields map[string]map[string]any, merge bool) (*Document, error) {
	target := c.baseURL + "/" + c.documentName(path, documentID)
	if merge {
		query := url.Values{}
		query.Set("currentDocument.exists", "true")
		for field := range fields {
			query.Add("updateMask.fieldPaths", field)
		}
		target += "?" + query.Encode()
	}
	var doc Document
	if err := c.do(ctx, http.MethodPatch, target, &writeDocument{Fields: fields}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete removes a document. Deleting an absent document is not an
// error, matching the REST surface.
func (c *Client) Delete(ctx context.Context, path, documentID string) error {
	target := c.baseURL + "/" + c.documentName(path, documentID)
	return c.do(ctx, http.MethodDelete, target, nil, nil)
}

// List returns one page of documents in a collection.
func (c *Client) List(ctx context.Context, path string, pageSize int, pageToken string) (*DocumentList, error) {
	query := url.Values{}
	if pageSize > 0 {
		query.Set("pageSize", strconv.Itoa(pageSize))
	}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	target := c.collectionURL(path)
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	var list DocumentList
	if err := c.do(ctx, http.MethodGet, target, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// do issues one request with retry. Retryable statuses are re-attempted
// with exponential backoff until maxElapsed; everything else is
// permanent. The bearer header is re-fetched on every attempt so a
// token refreshed mid-retry is picked up.
func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode document")
		}
	}

	operation := func() error {
		header, err := c.auth.AuthorizationHeader(ctx)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "obtain authorization header"))
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "build request"))
		}
		req.Header.Set("Authorization", header)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "firestore request"))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "read firestore response"))
		}

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			apiErr := parseAPIError(resp.StatusCode, data)
			if RetryableStatus(resp.StatusCode) {
				c.logger.Debug().
					Int("status", resp.StatusCode).
					Str("url", target).
					Msg("retrying firestore request")
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(errors.Wrap(err, "decode firestore response"))
			}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxElapsed
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// RetryableStatus reports whether an HTTP status is worth retrying with
// backoff: request timeout, conflict, rate limiting and server errors.
func RetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusConflict ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}
