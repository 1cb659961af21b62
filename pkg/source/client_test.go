package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	c, err := NewClient(log, &Config{
		URL:          srv.URL,
		Database:     "events",
		Table:        "interactions",
		QueryTimeout: 5 * time.Second,
		KeepAlive:    time.Second,
	})
	require.NoError(t, err)

	return c
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	require.ErrorIs(t, cfg.Validate(), ErrURLRequired)

	cfg.URL = "http://localhost:8123"
	require.NoError(t, cfg.Validate())
}

func TestEvents(t *testing.T) {
	var gotQuery string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = string(body)

		fmt.Fprint(w, `{
			"data": [
				{"user_id": "7", "title_id": "100", "kind": "view", "weight": 3, "occurred_at": "2026-03-01 10:00:00", "attributes": "{\"genre\": \"drama\"}"},
				{"user_id": "7", "title_id": "101", "kind": "view", "weight": 3, "occurred_at": "2026-03-01 11:30:00", "attributes": ""}
			],
			"rows": 2
		}`)
	})

	window := Window{
		From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}

	events, err := c.Events(context.Background(), KindView, window)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, int64(7), events[0].UserID)
	assert.Equal(t, int64(100), events[0].TitleID)
	assert.Equal(t, KindView, events[0].Kind)
	assert.Equal(t, float64(3), events[0].Weight)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), events[0].OccurredAt)
	assert.Equal(t, "drama", events[0].Attributes["genre"])
	assert.Nil(t, events[1].Attributes)

	assert.Contains(t, gotQuery, "kind = 'view'")
	assert.Contains(t, gotQuery, "occurred_at >= '2026-03-01 00:00:00'")
	assert.Contains(t, gotQuery, "occurred_at < '2026-03-02 00:00:00'")
	assert.Contains(t, gotQuery, "FORMAT JSON")
}

func TestEventsOpenWindow(t *testing.T) {
	var gotQuery string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = string(body)
		fmt.Fprint(w, `{"data": [], "rows": 0}`)
	})

	events, err := c.Events(context.Background(), KindPurchase, Window{})
	require.NoError(t, err)
	assert.Empty(t, events)

	// a zero window queries the whole table, no time predicates
	assert.NotContains(t, gotQuery, "occurred_at >=")
	assert.NotContains(t, gotQuery, "occurred_at <")
}

func TestViewedTitles(t *testing.T) {
	var gotQuery string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = string(body)

		fmt.Fprint(w, `{"data": [{"title_id": "10"}, {"title_id": "20"}], "rows": 2}`)
	})

	titles, err := c.ViewedTitles(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, titles)
	assert.Contains(t, gotQuery, "user_id = 42")
	assert.Contains(t, gotQuery, "'view'")
	assert.Contains(t, gotQuery, "'bookmark'")
}

func TestQueryError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "Code: 60. DB::Exception: Table events.interactions does not exist")
	})

	_, err := c.Events(context.Background(), KindView, Window{})
	require.ErrorIs(t, err, ErrSourceResponse)
	assert.Contains(t, err.Error(), "status 500")
}

func TestStartAndStop(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "SELECT 1") {
			fmt.Fprint(w, "1\n")
			return
		}
		fmt.Fprint(w, `{"data": [], "rows": 0}`)
	})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())
}
