package progress

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-crawler/internal/clock"
	"github.com/JakeFAU/news-crawler/internal/crawler"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureEmitter) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func TestRecorderStampsEvents(t *testing.T) {
	t.Parallel()

	runID := UUIDToBytes(uuid.MustParse("0190b6a4-0000-7000-8000-000000000001"))
	clk := clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	em := &captureEmitter{}
	rec := NewRecorder(em, runID, clk)

	target := crawler.Target{URL: "https://news.example.com/a", Domain: "example.com", Category: "world"}
	rec.RunStarted()
	rec.FetchStarted(target)
	rec.FetchDone(target, &crawler.Page{StatusCode: 404, Body: []byte("gone"), Duration: time.Second})
	rec.FetchFailed(target, 2*time.Second, crawler.NewError(crawler.KindTimeout, target.URL, errors.New("slow")))
	rec.Duplicate(target, "https://news.example.com/b")
	rec.Discovered(target, 7)
	rec.RunFinished(time.Minute, errors.New("boom"))

	require.Len(t, em.events, 7)
	for _, evt := range em.events {
		require.Equal(t, runID, evt.RunID)
		require.Equal(t, clk.Now(), evt.TS)
		require.NoError(t, evt.Validate(), evt.Stage)
	}
	assert.Equal(t, Status4xx, em.events[2].StatusClass)
	assert.Equal(t, int64(4), em.events[2].Bytes)
	assert.Equal(t, "timeout", em.events[3].Note)
	assert.Equal(t, "https://news.example.com/b", em.events[4].Note)
	assert.Equal(t, int64(7), em.events[5].Count)
	assert.Equal(t, StageRunError, em.events[6].Stage)
	assert.Equal(t, "boom", em.events[6].Note)
}

func TestRecorderNilIsSafe(t *testing.T) {
	t.Parallel()

	var rec *Recorder
	rec.RunStarted()
	NewRecorder(nil, [16]byte{1}, nil).RunFinished(0, nil)
}

func TestParseRunID(t *testing.T) {
	t.Parallel()

	id, err := ParseRunID("0190b6a4-0000-7000-8000-000000000001")
	require.NoError(t, err)
	require.Equal(t, "0190b6a4-0000-7000-8000-000000000001", Event{RunID: id}.RunUUID().String())

	_, err = ParseRunID("nope")
	require.Error(t, err)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]StatusClass{
		200: Status2xx,
		301: Status3xx,
		404: Status4xx,
		503: Status5xx,
		0:   StatusOther,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyStatus(code), code)
	}
}
