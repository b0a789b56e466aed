// Package orangebeard is a report.Reporter backed by the Orangebeard listener
// API.
package orangebeard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/internal/config"
	"github.com/kamilpajak/scopebridge/internal/report"
	"golang.org/x/time/rate"
)

// APIError is a non-2xx response from the service.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Orangebeard API error: %s %s: %s - %s", e.Method, e.Path, e.Status, e.Body)
}

// Client handles Orangebeard API interactions.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps the number of requests per second. Zero or less
// disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewClient creates a client for project at endpoint, e.g.
// https://demo.orangebeard.app.
func NewClient(endpoint, project, token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(endpoint, "/") + "/listener/v1/" + url.PathEscape(project),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig creates a client from the orangebeard settings.
func FromConfig(cfg config.OrangebeardConfig) *Client {
	hc := &http.Client{Timeout: cfg.Timeout}
	return NewClient(cfg.Endpoint, cfg.Project, cfg.AccessToken,
		WithHTTPClient(hc),
		WithRateLimit(cfg.RequestsPerSecond),
	)
}

type attribute struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

func attributes(attrs []report.Attribute) []attribute {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]attribute, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, attribute{Key: a.Key, Value: a.Value})
	}
	return out
}

type startTestRun struct {
	TestSetName string      `json:"testSetName"`
	Description string      `json:"description,omitempty"`
	StartTime   time.Time   `json:"startTime"`
	Attributes  []attribute `json:"attributes,omitempty"`
}

type finishTestRun struct {
	EndTime time.Time `json:"endTime"`
}

type startTestItem struct {
	TestRunUUID    uuid.UUID   `json:"testRunUUID"`
	ParentItemUUID *uuid.UUID  `json:"parentItemUUID,omitempty"`
	Name           string      `json:"name"`
	Type           string      `json:"type"`
	Description    string      `json:"description,omitempty"`
	Attributes     []attribute `json:"attributes,omitempty"`
	StartTime      time.Time   `json:"startTime"`
}

type finishTestItem struct {
	TestRunUUID uuid.UUID `json:"testRunUUID"`
	Status      string    `json:"status"`
	EndTime     time.Time `json:"endTime"`
}

type logEntry struct {
	TestRunUUID  uuid.UUID `json:"testRunUUID"`
	TestItemUUID uuid.UUID `json:"testItemUUID"`
	Message      string    `json:"message"`
	LogLevel     string    `json:"logLevel"`
	LogFormat    string    `json:"logFormat"`
	Time         time.Time `json:"time"`
}

type attachmentMeta struct {
	File struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
	} `json:"file"`
	Log logEntry `json:"log"`
}

// StartRun starts a test run and returns its UUID.
func (c *Client) StartRun(ctx context.Context, run report.StartRun) (uuid.UUID, error) {
	var id uuid.UUID
	err := c.doRequest(ctx, http.MethodPost, "/test-run/start", startTestRun{
		TestSetName: run.Name,
		Description: run.Description,
		StartTime:   run.StartTime,
		Attributes:  attributes(run.Attributes),
	}, &id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// FinishRun finishes a test run.
func (c *Client) FinishRun(ctx context.Context, run uuid.UUID, endTime time.Time) error {
	return c.doRequest(ctx, http.MethodPut, "/test-run/finish/"+run.String(), finishTestRun{EndTime: endTime}, nil)
}

// StartItem starts a suite, test or step. A nil parent starts the item at
// the top of the run.
func (c *Client) StartItem(ctx context.Context, run, parent uuid.UUID, item report.StartItem) (uuid.UUID, error) {
	body := startTestItem{
		TestRunUUID: run,
		Name:        item.Name,
		Type:        string(item.Type),
		Description: item.Description,
		Attributes:  attributes(item.Attributes),
		StartTime:   item.StartTime,
	}
	path := "/item"
	if parent != uuid.Nil {
		body.ParentItemUUID = &parent
		path += "/" + parent.String()
	}

	var id uuid.UUID
	if err := c.doRequest(ctx, http.MethodPost, path, body, &id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// FinishItem finishes an item.
func (c *Client) FinishItem(ctx context.Context, run, item uuid.UUID, finish report.FinishItem) error {
	return c.doRequest(ctx, http.MethodPut, "/item/"+item.String(), finishTestItem{
		TestRunUUID: run,
		Status:      string(finish.Status),
		EndTime:     finish.EndTime,
	}, nil)
}

// Log sends a log entry.
func (c *Client) Log(ctx context.Context, run uuid.UUID, entry report.LogEntry) error {
	return c.doRequest(ctx, http.MethodPost, "/log", logEntry{
		TestRunUUID:  run,
		TestItemUUID: entry.Item,
		Message:      entry.Message,
		LogLevel:     string(entry.Level),
		LogFormat:    string(entry.Format),
		Time:         entry.Time,
	}, nil)
}

// SendAttachment uploads a file together with the log entry describing it.
func (c *Client) SendAttachment(ctx context.Context, run uuid.UUID, att report.Attachment) error {
	var meta attachmentMeta
	meta.File.Name = att.FileName
	meta.File.ContentType = att.MimeType
	meta.Log = logEntry{
		TestRunUUID:  run,
		TestItemUUID: att.Item,
		Message:      att.Message,
		LogLevel:     string(att.Level),
		LogFormat:    string(report.FormatFor(att.Level)),
		Time:         att.Time,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode attachment metadata: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("json", string(metaJSON)); err != nil {
		return err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, att.FileName))
	h.Set("Content-Type", att.MimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(att.Data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	return c.send(ctx, http.MethodPost, "/log/attachment", mw.FormDataContentType(), &buf, nil)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.send(ctx, method, path, "application/json", bytes.NewReader(data), result)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, result interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

var _ report.Reporter = (*Client)(nil)
