package httpapi

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"cxdb/eventbus"
)

func newTestRouter(bus *eventbus.Bus) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(bus).Register(r)
	return r
}

func TestHealthz(t *testing.T) {
	bus := eventbus.New(8)
	router := newTestRouter(bus)
	s := httptest.NewServer(router)
	defer s.Close()

	resp, err := http.Get(s.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStreamSendsConnectedThenPublishedEvents(t *testing.T) {
	bus := eventbus.New(8)
	router := newTestRouter(bus)
	s := httptest.NewServer(router)
	defer s.Close()

	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequest(http.MethodGet, s.URL+"/v1/events", nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	readEventName := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\r\n")
			if strings.HasPrefix(line, "event:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}
	}

	require.Equal(t, "connected", readEventName())

	// give the subscribe goroutine inside the handler a moment to
	// register before publishing, since SubscriberCount below would
	// otherwise race the handler's bus.Subscribe() call.
	for i := 0; i < 50 && bus.SubscriberCount() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Publish(eventbus.StoreEvent{
		Type: eventbus.ContextCreated,
		ContextCreated: &eventbus.ContextCreatedPayload{
			ContextID: "7",
			SessionID: "1",
			ClientTag: "test",
		},
	})

	require.Equal(t, "context_created", readEventName())
}
