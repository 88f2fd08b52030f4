// Package sseclient is a client-side Server-Sent-Events subscriber: it
// dials the event stream endpoint, parses the line-oriented SSE
// protocol into discrete events, and reconnects with doubling backoff
// on any non-fatal failure. Cancellation is carried on a
// context.Context rather than a custom request-context type.
package sseclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cxdb/cxdberr"
)

// Event is one parsed SSE event.
type Event struct {
	EventType string
	Data      []byte
	ID        string
}

const (
	defaultMaxEventBytes = 2 * 1024 * 1024
	defaultEventBuffer   = 128
	defaultErrorBuffer   = 8
	defaultRetryDelay    = 500 * time.Millisecond
	defaultMaxRetryDelay = 10 * time.Second
)

// Options configures Subscribe. Subscribe replaces every zero or
// negative field with the corresponding DefaultOptions value, so the
// zero value behaves like DefaultOptions.
type Options struct {
	Client        *http.Client
	Headers       map[string]string
	MaxEventBytes int
	EventBuffer   int
	ErrorBuffer   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Client:        http.DefaultClient,
		MaxEventBytes: defaultMaxEventBytes,
		EventBuffer:   defaultEventBuffer,
		ErrorBuffer:   defaultErrorBuffer,
		RetryDelay:    defaultRetryDelay,
		MaxRetryDelay: defaultMaxRetryDelay,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Client == nil {
		o.Client = d.Client
	}
	if o.MaxEventBytes <= 0 {
		o.MaxEventBytes = d.MaxEventBytes
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	if o.ErrorBuffer <= 0 {
		o.ErrorBuffer = d.ErrorBuffer
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = d.MaxRetryDelay
	}
}

// Subscribe dials url and streams events onto the returned channel
// until ctx is canceled or times out. Transient failures (dial errors,
// non-200 responses, stream resets) are reported on the error channel
// and trigger a reconnect after a doubling backoff; cancellation and
// deadline expiry close both channels without a reconnect attempt.
func Subscribe(ctx context.Context, url string, opts Options) (<-chan Event, <-chan error) {
	opts.applyDefaults()

	events := make(chan Event, opts.EventBuffer)
	errs := make(chan error, opts.ErrorBuffer)

	if strings.TrimSpace(url) == "" {
		nonBlockingSend(errs, cxdberr.InvalidInput("cxdb subscribe: url is required"))
		close(events)
		close(errs)
		return events, errs
	}

	go func() {
		defer close(events)
		defer close(errs)

		retryDelay := opts.RetryDelay
		for {
			if ctx.Err() != nil {
				return
			}

			err := subscribeOnce(ctx, url, opts, events)
			if err != nil {
				if cxdberr.Is(err, cxdberr.KindCancelled) || cxdberr.Is(err, cxdberr.KindTimeout) {
					return
				}
				nonBlockingSend(errs, err)
			}

			if ctx.Err() != nil {
				return
			}

			if !sleepWithCancel(ctx, retryDelay) {
				return
			}
			retryDelay = nextRetryDelay(retryDelay, opts.MaxRetryDelay)
		}
	}()

	return events, errs
}

func subscribeOnce(ctx context.Context, url string, opts Options, events chan<- Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cxdberr.InvalidInput(fmt.Sprintf("cxdb subscribe: bad request: %s", err))
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctxError(ctx)
		}
		return cxdberr.Io(fmt.Errorf("cxdb subscribe: request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet := readBodySnippet(resp.Body, 1024)
		return cxdberr.InvalidInput(fmt.Sprintf("cxdb subscribe: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(snippet)))
	}

	err = readEventStream(ctx, resp.Body, opts.MaxEventBytes, func(ev Event) error {
		return sendEvent(ctx, events, ev)
	})
	if err != nil {
		return err
	}
	return cxdberr.Io(io.EOF)
}

func readEventStream(ctx context.Context, r io.Reader, maxEventBytes int, emit func(Event) error) error {
	br := bufio.NewReader(r)

	var eventType string
	var dataLines []string
	var lastID string
	var dataSize int

	reset := func() {
		eventType = ""
		dataLines = nil
		lastID = ""
		dataSize = 0
	}

	flush := func() error {
		if len(dataLines) == 0 && eventType == "" && lastID == "" {
			reset()
			return nil
		}
		data := strings.Join(dataLines, "\n")
		if data == "" {
			reset()
			return nil
		}
		if eventType == "" {
			eventType = "message"
		}
		ev := Event{EventType: eventType, Data: []byte(data), ID: lastID}
		reset()
		return emit(ev)
	}

	for {
		if err := ctx.Err(); err != nil {
			return ctxError(ctx)
		}

		line, err := br.ReadString('\n')
		if len(line) == 0 && err != nil {
			if err == io.EOF {
				return cxdberr.Io(io.EOF)
			}
			return cxdberr.Io(fmt.Errorf("cxdb subscribe: read error: %w", err))
		}

		eof := !strings.HasSuffix(line, "\n")
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			if eof {
				return cxdberr.Io(io.EOF)
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			if eof {
				return cxdberr.Io(io.EOF)
			}
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if field == "" || strings.ContainsAny(field, " \t") {
			return cxdberr.InvalidInput(fmt.Sprintf("cxdb subscribe: malformed field %q", field))
		}
		if !found {
			value = ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventType = value
		case "data":
			dataLines = append(dataLines, value)
			dataSize += len(value)
			if maxEventBytes > 0 && dataSize > maxEventBytes {
				return cxdberr.InvalidInput(fmt.Sprintf("cxdb subscribe: event exceeds max size (%d bytes)", dataSize))
			}
		case "id":
			lastID = value
		case "retry":
			// advisory reconnection delay from the server; not honored.
		}

		if eof {
			if err := flush(); err != nil {
				return err
			}
			return cxdberr.Io(io.EOF)
		}
	}
}

func sendEvent(ctx context.Context, events chan<- Event, ev Event) error {
	for {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctxError(ctx)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func nonBlockingSend[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func nextRetryDelay(current, max time.Duration) time.Duration {
	if current <= 0 {
		return defaultRetryDelay
	}
	next := current * 2
	if max > 0 && next > max {
		return max
	}
	return next
}

func sleepWithCancel(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func ctxError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return cxdberr.Timeout("cxdb subscribe: context deadline exceeded")
	}
	return cxdberr.Cancelled("cxdb subscribe: context canceled")
}

func readBodySnippet(r io.Reader, limit int64) string {
	buf, _ := io.ReadAll(io.LimitReader(r, limit))
	return string(buf)
}
