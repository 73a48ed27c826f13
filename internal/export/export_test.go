package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"evidence-collector/internal/metrics"
	"evidence-collector/internal/model"
	"evidence-collector/internal/store"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T, n int, mutate func(i int, ev *model.EvidenceEvent)) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.DriverDuckDB, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	events := make([]model.EvidenceEvent, n)
	for i := range events {
		events[i] = model.EvidenceEvent{
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			RequestID:      fmt.Sprintf("req-%03d", i),
			Method:         "GET",
			Path:           "/export",
			Status:         200,
			ResponseTimeMs: 1.5,
			SourceIP:       "10.0.0.1",
			ServerName:     "origin-1",
		}
		if mutate != nil {
			mutate(i, &events[i])
		}
	}
	_, err = s.InsertMany(ctx, events)
	require.NoError(t, err)
	return s
}

func TestEscapeCSVRoundTrip(t *testing.T) {
	values := []string{
		`a,"b"` + "\nc",
		"plain",
		"",
		`only "quotes"`,
		"carriage\rreturn",
	}
	for _, v := range values {
		line := EscapeCSV(v) + "," + EscapeCSV("tail") + "\n"
		rec, err := csv.NewReader(strings.NewReader(line)).Read()
		require.NoError(t, err, v)
		assert.Equal(t, []string{v, "tail"}, rec)
	}

	assert.Equal(t, "plain", EscapeCSV("plain"))
	assert.Equal(t, `"say ""hi"""`, EscapeCSV(`say "hi"`))
}

func TestEffectiveLimit(t *testing.T) {
	e := New(nil, Options{MaxRows: 10000}, nil)
	assert.Equal(t, 1000, e.EffectiveLimit(0))
	assert.Equal(t, 5000, e.EffectiveLimit(5000))
	assert.Equal(t, 10000, e.EffectiveLimit(50000))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestExportCSVHonoursMatchingRowCount(t *testing.T) {
	s := seededStore(t, 3, nil)
	m := metrics.New()
	e := New(s, Options{MaxRows: 10000}, m)

	rec := httptest.NewRecorder()
	rows, wrote, err := e.Export(context.Background(), rec, model.Filter{}, FormatCSV, 5000)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, 3, rows)

	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, Columns, records[0])
	assert.Equal(t, "req-002", records[1][1], "newest first")
	assert.EqualValues(t, 3, m.ExportRowsTotal)
}

func TestExportCSVCapsAtServerMaximum(t *testing.T) {
	s := seededStore(t, 10, nil)
	e := New(s, Options{MaxRows: 4}, nil)

	rec := httptest.NewRecorder()
	rows, _, err := e.Export(context.Background(), rec, model.Filter{}, FormatCSV, 5000)
	require.NoError(t, err)
	assert.Equal(t, 4, rows)
}

func TestExportCSVEscapesStoredValues(t *testing.T) {
	tricky := `a,"b"` + "\nc"
	s := seededStore(t, 1, func(_ int, ev *model.EvidenceEvent) {
		ev.Path = tricky
		ev.Note = "note"
	})
	e := New(s, Options{}, nil)

	rec := httptest.NewRecorder()
	_, _, err := e.Export(context.Background(), rec, model.Filter{}, FormatCSV, 0)
	require.NoError(t, err)

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, tricky, records[1][3])
}

func TestExportJSONStreamsArray(t *testing.T) {
	s := seededStore(t, 3, func(i int, ev *model.EvidenceEvent) {
		if i == 1 {
			ev.Method = "POST"
		}
	})
	e := New(s, Options{}, nil)

	rec := httptest.NewRecorder()
	rows, _, err := e.Export(context.Background(), rec, model.Filter{Method: "GET"}, FormatJSON, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []model.EvidenceEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, "GET", ev.Method)
	}
}

func TestExportJSONEmptyResult(t *testing.T) {
	s := seededStore(t, 1, nil)
	e := New(s, Options{}, nil)

	rec := httptest.NewRecorder()
	rows, _, err := e.Export(context.Background(), rec, model.Filter{IP: "nobody"}, FormatJSON, 0)
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.Equal(t, "[]", rec.Body.String())
}

type countingWriter struct {
	bytes.Buffer
	writes int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	return c.Buffer.Write(p)
}

func TestChunkWriterDrainsAtHighWater(t *testing.T) {
	out := &countingWriter{}
	cw := newChunkWriter(out, 10, 0)
	defer cw.release()

	for i := 0; i < 5; i++ {
		_, err := cw.WriteString("12345")
		require.NoError(t, err)
	}
	// 10 바이트마다 한 번씩 내보낸다: 두 번 drain, 5 바이트 남음
	assert.Equal(t, 2, out.writes)
	assert.Equal(t, 20, out.Len())

	require.NoError(t, cw.Close())
	assert.Equal(t, 3, out.writes)
	assert.Equal(t, strings.Repeat("12345", 5), out.String())
}

func TestChunkWriterFlushesResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := newChunkWriter(rec, 4, time.Second)
	defer cw.release()

	_, err := cw.WriteString("abcd")
	require.NoError(t, err)
	assert.True(t, rec.Flushed)
	assert.Equal(t, http.StatusOK, rec.Code)
}
