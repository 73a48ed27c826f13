package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"evidence-collector/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverDuckDB, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func event(id, method, path, ip string, status int, rt float64, ts time.Time) model.EvidenceEvent {
	return model.EvidenceEvent{
		Timestamp:      ts,
		RequestID:      id,
		Method:         method,
		Path:           path,
		Status:         status,
		ResponseTimeMs: rt,
		SourceIP:       ip,
		Headers:        map[string]any{"user-agent": "test"},
		ServerName:     "origin-1",
	}
}

func seed(t *testing.T, s *SQLStore, events ...model.EvidenceEvent) {
	t.Helper()
	out, err := s.InsertMany(context.Background(), events)
	require.NoError(t, err)
	for i, o := range out {
		require.Equal(t, Inserted, o, "event %d", i)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "x")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestInsertManyReportsDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed(t, s, event("r1", "GET", "/a", "1.1.1.1", 200, 10, base))

	out, err := s.InsertMany(ctx, []model.EvidenceEvent{
		event("r1", "GET", "/a", "1.1.1.1", 200, 10, base),
		event("r2", "GET", "/b", "1.1.1.1", 200, 10, base),
		event("r2", "GET", "/b", "1.1.1.1", 200, 10, base),
	})
	require.NoError(t, err)
	assert.Equal(t, []InsertOutcome{DuplicateKeyConflict, Inserted, DuplicateKeyConflict}, out)

	_, total, err := s.Find(ctx, model.Filter{}, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestInsertedEventRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ev := event("r1", "POST", "/api/login", "10.0.0.1", 401, 12.5, base)
	ev.Query = `{"next":"/"}`
	ev.SourcePort = 51234
	ev.BodyHash = "abc123"
	ev.Note = "Collected from middleware"
	seed(t, s, ev)

	got, _, err := s.Find(context.Background(), model.Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	g := got[0]
	assert.True(t, base.Equal(g.Timestamp))
	assert.Equal(t, ev.Query, g.Query)
	assert.Equal(t, 51234, g.SourcePort)
	assert.Equal(t, "abc123", g.BodyHash)
	assert.Equal(t, "Collected from middleware", g.Note)
	assert.Equal(t, "test", g.Headers["user-agent"])
	require.NotNil(t, g.CreatedAt)
}

func TestFindFiltersAndPaginates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed(t, s,
		event("g1", "GET", "/Users/list", "1.1.1.1", 200, 10, base),
		event("g2", "GET", "/orders", "2.2.2.2", 200, 10, base.Add(time.Minute)),
		event("g3", "GET", "/users/1", "1.1.1.1", 404, 10, base.Add(2*time.Minute)),
		event("p1", "POST", "/users", "1.1.1.1", 201, 10, base.Add(3*time.Minute)),
	)

	got, total, err := s.Find(ctx, model.Filter{Method: "GET"}, 100, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, got, 3)
	for _, ev := range got {
		assert.Equal(t, "GET", ev.Method)
	}
	assert.Equal(t, "g3", got[0].RequestID, "newest first")

	got, total, err = s.Find(ctx, model.Filter{Path: "USERS"}, 1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total, "total ignores the page window")
	require.Len(t, got, 1)
	assert.Equal(t, "g3", got[0].RequestID)

	from, to := base.Add(time.Minute), base.Add(2*time.Minute)
	_, total, err = s.Find(ctx, model.Filter{From: &from, To: &to}, 100, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total, "time range is inclusive")

	_, total, err = s.Find(ctx, model.Filter{IP: "1.1.1.1", Path: "%"}, 100, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total, "path is a literal substring")
}

func TestAggregateByHour(t *testing.T) {
	s := openTestStore(t)
	seed(t, s,
		event("a", "GET", "/", "1.1.1.1", 200, 10, base),
		event("b", "GET", "/", "2.2.2.2", 500, 21, base.Add(10*time.Minute)),
		event("c", "GET", "/", "1.1.1.1", 200, 5, base.Add(20*time.Minute)),
		event("d", "GET", "/", "1.1.1.1", 200, 7, base.Add(time.Hour)),
	)

	got, err := s.Aggregate(context.Background(), model.Filter{}, model.GranularityHour)
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, "2024-03-01 10:00:00", first.Bucket)
	assert.EqualValues(t, 3, first.TotalRequests)
	assert.Equal(t, 12.0, first.AvgResponseTime)
	assert.EqualValues(t, 2, first.UniqueIPCount)
	assert.Equal(t, []model.StatusCount{{Status: 200, Count: 2}, {Status: 500, Count: 1}}, first.StatusCodes)

	assert.Equal(t, "2024-03-01 11:00:00", got[1].Bucket)
}

func TestAggregateByDayRoundsAverage(t *testing.T) {
	s := openTestStore(t)
	seed(t, s,
		event("a", "GET", "/", "1.1.1.1", 200, 1, base),
		event("b", "GET", "/", "1.1.1.1", 200, 1, base),
		event("c", "GET", "/", "1.1.1.1", 200, 2, base),
	)

	got, err := s.Aggregate(context.Background(), model.Filter{}, model.GranularityDay)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-03-01", got[0].Bucket)
	assert.Equal(t, 1.33, got[0].AvgResponseTime)
}

func TestAggregateRejectsUnknownGranularity(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Aggregate(context.Background(), model.Filter{}, "week")
	assert.ErrorIs(t, err, ErrInvalidGranularity)
}

func TestTopIPsSortedByCount(t *testing.T) {
	s := openTestStore(t)
	seed(t, s,
		event("a1", "GET", "/", "A", 200, 10, base),
		event("a2", "GET", "/", "A", 500, 20, base.Add(time.Minute)),
		event("b1", "GET", "/", "B", 200, 10, base),
	)

	got, err := s.TopIPs(context.Background(), model.Filter{}, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "A", got[0].IP)
	assert.EqualValues(t, 2, got[0].RequestCount)
	assert.Equal(t, 15.0, got[0].AvgResponseTime)
	assert.Equal(t, 50.0, got[0].ErrorRate)
	assert.True(t, base.Add(time.Minute).Equal(got[0].LastSeen))

	assert.Equal(t, "B", got[1].IP)
	assert.EqualValues(t, 1, got[1].RequestCount)
	assert.Zero(t, got[1].ErrorRate)
}

func TestTopIPsErrorRateIsNotRounded(t *testing.T) {
	s := openTestStore(t)
	seed(t, s,
		event("c1", "GET", "/", "C", 404, 10, base),
		event("c2", "GET", "/", "C", 200, 10, base),
		event("c3", "GET", "/", "C", 200, 10, base),
	)

	got, err := s.TopIPs(context.Background(), model.Filter{}, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 100*1.0/3.0, got[0].ErrorRate)
}

func TestTopIPsLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		seed(t, s, event(fmt.Sprintf("r%d", i), "GET", "/", fmt.Sprintf("10.0.0.%d", i), 200, 1, base))
	}
	got, err := s.TopIPs(context.Background(), model.Filter{}, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestStreamCursor(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		seed(t, s, event(fmt.Sprintf("r%d", i), "GET", "/", "1.1.1.1", 200, 1, base.Add(time.Duration(i)*time.Second)))
	}

	cur, err := s.Stream(context.Background(), model.Filter{}, 3)
	require.NoError(t, err)
	defer cur.Close()

	var ids []string
	for cur.Next() {
		ids = append(ids, cur.Event().RequestID)
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []string{"r4", "r3", "r2"}, ids)
}
