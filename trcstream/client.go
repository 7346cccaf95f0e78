package trcstream

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

	"github.com/bernerdschaefer/eventsource"
	"github.com/peterbourgon/unixtransport"
)

// HTTPClient models a concrete http.Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Client streams commands from, and sends requests to, a remote server.
type Client struct {
	// HTTPClient used for event and exit requests. Optional. The default
	// client also dials http+unix:// URIs.
	HTTPClient HTTPClient

	// URI of the remote server. Required. Unix sockets are addressed as
	// http+unix:///path/to/socket:/.
	URI string

	// SendBuffer used by the remote server. Min 0, max 100k.
	SendBuffer int

	// OnRead is called for every stream event received by the client.
	// Implementations must not block and must not modify event data.
	OnRead func(ctx context.Context, eventType string, eventData []byte)

	// OnStats is called for every stats event received by the client.
	OnStats func(ctx context.Context, stats Stats)

	// RetryInterval between reconnect attempts. Default 3s, min 1s, max 60s.
	RetryInterval time.Duration

	// StatsInterval for stream stats updates. Default 10s, min 1s, max 60s.
	StatsInterval time.Duration
}

func (c *Client) initialize() {
	if c.HTTPClient == nil {
		var transport http.Transport
		unixtransport.Register(&transport)
		c.HTTPClient = &http.Client{Transport: &transport}
	}

	if c.URI != "" && !strings.Contains(c.URI, "://") {
		c.URI = "http://" + c.URI
	}

	c.SendBuffer = min(max(c.SendBuffer, 0), 100000)

	if c.OnRead == nil {
		c.OnRead = func(context.Context, string, []byte) {}
	}

	if c.OnStats == nil {
		c.OnStats = func(context.Context, Stats) {}
	}

	c.RetryInterval = durationOrDefault(c.RetryInterval, time.Second, 3*time.Second, time.Minute)
	c.StatsInterval = durationOrDefault(c.StatsInterval, time.Second, 10*time.Second, time.Minute)
}

// durationOrDefault returns def if d is zero, and d clamped to [lo, hi]
// otherwise.
func durationOrDefault(d, lo, def, hi time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return min(max(d, lo), hi)
}

// NewClient constructs a client connecting to the provided URI.
func NewClient(uri string) *Client {
	c := &Client{
		URI: uri,
	}
	c.initialize()
	return c
}

// Stream commands matching the filter from the remote server to the provided
// channel. The stream stops when the context is canceled, or a
// non-recoverable error occurs.
func (c *Client) Stream(ctx context.Context, f Filter, ch chan<- Item) error {
	c.initialize()

	// Explicitly don't provide the context to the request, because EventSource
	// treats context cancelation as a recoverable error, in which case Read
	// can block for a single retry duration before returning.
	var req *http.Request
	{
		uri, err := url.Parse(c.URI)
		if err != nil {
			return err
		}

		query := uri.Query()
		if c.SendBuffer > 0 {
			query.Set("sendbuf", strconv.Itoa(c.SendBuffer))
		}
		if c.StatsInterval > 0 {
			query.Set("stats", c.StatsInterval.String())
		}
		f.encode(query)
		uri.RawQuery = query.Encode()

		r, err := http.NewRequest("GET", uri.String(), nil)
		if err != nil {
			return err
		}

		req = r
	}

	es := eventsource.New(req, c.RetryInterval)
	go func() {
		<-ctx.Done()
		es.Close()
	}()

	for {
		ev, err := es.Read()
		if errors.Is(err, eventsource.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read server-sent event: %w", err)
		}

		c.OnRead(ctx, ev.Type, ev.Data)

		switch ev.Type {
		case "init":
			// informational

		case "command":
			var it Item
			if err := json.Unmarshal(ev.Data, &it); err != nil {
				return fmt.Errorf("decode command event: %w", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case ch <- it:
				// OK
			}

		case "stats":
			var stats Stats
			if err := json.Unmarshal(ev.Data, &stats); err != nil {
				return fmt.Errorf("invalid stats event: %w", err)
			}
			c.OnStats(ctx, stats)
		}
	}
}

// SendEvent triggers the named event handler of the client's runtime.
func (c *Client) SendEvent(ctx context.Context, client, name string) error {
	return c.post(ctx, "event", url.Values{"client": {client}, "name": {name}})
}

// RequestExit exits the client's runtime with the given code, and waits for
// the runtime to finish.
func (c *Client) RequestExit(ctx context.Context, client string, code int) error {
	return c.post(ctx, "exit", url.Values{"client": {client}, "code": {strconv.Itoa(code)}})
}

func (c *Client) post(ctx context.Context, endpoint string, query url.Values) error {
	c.initialize()

	uri, err := url.Parse(c.URI)
	if err != nil {
		return err
	}
	uri = uri.JoinPath(endpoint)
	uri.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", uri.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var res errorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err := json.Unmarshal(body, &res); err == nil && res.Error != "" {
			return fmt.Errorf("%s: %s", endpoint, res.Error)
		}
		return fmt.Errorf("%s: %s", endpoint, resp.Status)
	}

	return nil
}
