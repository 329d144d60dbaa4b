package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Subscribe opens the push channel at endpoint and delivers one StatusEvent
// per logical update until ctx is cancelled or the stream ends. A non-empty
// ticket is appended as a query parameter so the long-lived credential never
// travels on the stream URL.
func (c *Client) Subscribe(ctx context.Context, endpoint, ticket string, onEvent func(StatusEvent)) error {
	target := endpoint
	if strings.TrimSpace(ticket) != "" {
		separator := "?"
		if strings.Contains(endpoint, "?") {
			separator = "&"
		}
		target = endpoint + separator + "ticket=" + url.QueryEscape(ticket)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("event stream returned %s", resp.Status)
	}

	return readEventStream(resp.Body, onEvent)
}

// readEventStream parses server-sent event framing: "data:" lines accumulate
// until a blank line dispatches the payload. Unparseable payloads are
// skipped; the stream itself stays up.
func readEventStream(r io.Reader, onEvent func(StatusEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			dispatchEvent(data.String(), onEvent)
			data.Reset()
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(payload, " "))
		}
		// event:/id:/retry: fields and comments are irrelevant here.
	}
	dispatchEvent(data.String(), onEvent)

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func dispatchEvent(payload string, onEvent func(StatusEvent)) {
	payload = strings.TrimSpace(payload)
	if payload == "" || onEvent == nil {
		return
	}
	var event StatusEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return
	}
	if strings.TrimSpace(event.Status) == "" {
		return
	}
	onEvent(event)
}
