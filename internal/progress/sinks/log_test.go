package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/news-crawler/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageFetchStart, Domain: "example.com"},
		{RunID: runID, TS: time.Now(), Stage: progress.StageFetchDone, Domain: "example.com", StatusClass: progress.Status2xx, Bytes: 10},
		{RunID: runID, TS: time.Now(), Stage: progress.StageFetchError, Domain: "example.com", Note: "timeout"},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "FETCH_DONE", entries[0].ContextMap()["stage"])
	require.Equal(t, int64(10), entries[0].ContextMap()["bytes"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "timeout", entries[1].ContextMap()["note"])
}
