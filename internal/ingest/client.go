package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"uploadq/internal/config"
)

const userAgent = "uploadq/0.1.0"

// UploadResult is the server's answer to a successful upload.
type UploadResult struct {
	RemoteID        string `json:"remoteId"`
	MonitorEndpoint string `json:"monitorEndpoint"`
}

// StatusEvent is one status update from either monitoring channel.
type StatusEvent struct {
	Status       string   `json:"status"`
	Progress     *float64 `json:"progress,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
}

type ticketResponse struct {
	Ticket string `json:"ticket"`
}

// Client talks to the backend ingestion service.
type Client struct {
	uploadURL string
	statusURL string
	ticketURL string
	authToken string

	// httpClient bounds status and ticket calls. Uploads and subscriptions
	// use streamClient, which has no timeout: both are long-lived and are
	// bounded by their context instead.
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient builds an ingestion client from configuration.
func NewClient(cfg *config.Config) *Client {
	timeout := time.Duration(cfg.Ingest.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		uploadURL:    cfg.Ingest.UploadURL,
		statusURL:    cfg.Ingest.StatusURL,
		ticketURL:    cfg.Ingest.TicketURL,
		authToken:    cfg.Ingest.AuthToken,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// FileInfo describes the file part of an upload.
type FileInfo struct {
	Name     string
	Size     int64
	MimeType string
}

// Upload posts the file as a multipart body, reporting byte-proportional
// progress in the 0-100 range. Cancelling ctx aborts the transfer. Any
// non-2xx response is an upload failure with the body text preserved.
func (c *Client) Upload(ctx context.Context, info FileInfo, blob []byte, onProgress func(float64)) (*UploadResult, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		part, err := createFilePart(form, info)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		reader := &progressReader{
			r:     bytes.NewReader(blob),
			total: int64(len(blob)),
			on:    onProgress,
		}
		if _, err := io.Copy(part, reader); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("User-Agent", userAgent)
	c.authorize(req)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = resp.Status
		}
		return nil, fmt.Errorf("upload failed: %s", message)
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if strings.TrimSpace(result.RemoteID) == "" {
		return nil, fmt.Errorf("upload response missing remote id")
	}
	if strings.TrimSpace(result.MonitorEndpoint) == "" {
		result.MonitorEndpoint = c.MonitorEndpointFor(result.RemoteID)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return &result, nil
}

func createFilePart(form *multipart.Writer, info FileInfo) (io.Writer, error) {
	if strings.TrimSpace(info.MimeType) == "" {
		return form.CreateFormFile("file", info.Name)
	}
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{
		fmt.Sprintf(`form-data; name="file"; filename=%q`, info.Name),
	}
	header["Content-Type"] = []string{info.MimeType}
	return form.CreatePart(header)
}

// Status fetches the current processing status for a document.
func (c *Client) Status(ctx context.Context, remoteID string) (StatusEvent, error) {
	endpoint := c.statusURL + "/" + url.PathEscape(remoteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusEvent{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusEvent{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return StatusEvent{}, fmt.Errorf("status endpoint returned %s", resp.Status)
	}

	var event StatusEvent
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return StatusEvent{}, fmt.Errorf("decode status response: %w", err)
	}
	return event, nil
}

// Ticket obtains a short-lived monitor credential so the push channel never
// carries the long-lived token. An unconfigured ticket endpoint yields an
// empty ticket, which callers treat as "connect without one".
func (c *Client) Ticket(ctx context.Context) (string, error) {
	if strings.TrimSpace(c.ticketURL) == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ticketURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("ticket endpoint returned %s", resp.Status)
	}

	var payload ticketResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode ticket response: %w", err)
	}
	return payload.Ticket, nil
}

// MonitorEndpointFor derives the default push channel location when the
// upload response omits one.
func (c *Client) MonitorEndpointFor(remoteID string) string {
	return c.statusURL + "/" + url.PathEscape(remoteID) + "/events"
}

func (c *Client) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
