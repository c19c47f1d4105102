package sinks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tavolo/logging"
)

func TestJSONSinkWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewJSONSink(logging.JSONConfig{FilePath: path, MaxBatch: 32})
	require.NoError(t, err)

	require.NoError(t, sink.Write(logging.Event{Type: "session.joined", Room: "alpha"}))
	require.NoError(t, sink.Write(logging.Event{Type: "session.left", Room: "alpha"}))
	require.NoError(t, sink.Close(context.Background()))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var types []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event logging.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		types = append(types, string(event.Type))
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"session.joined", "session.left"}, types)
}

func TestJSONSinkFlushesAtBatchSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewJSONSink(logging.JSONConfig{FilePath: path, MaxBatch: 2})
	require.NoError(t, err)
	defer sink.Close(context.Background())

	require.NoError(t, sink.Write(logging.Event{Type: "one"}))
	require.NoError(t, sink.Write(logging.Event{Type: "two"}))

	// The batch threshold was hit, so both lines are on disk before Close.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, bytes.Count(data, []byte("\n")))
}

func TestJSONSinkRejectsWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewJSONSink(logging.JSONConfig{FilePath: path})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))

	require.Error(t, sink.Write(logging.Event{Type: "late"}))
	require.NoError(t, sink.Close(context.Background()))
}

func TestJSONSinkRequiresPath(t *testing.T) {
	_, err := NewJSONSink(logging.JSONConfig{})
	require.Error(t, err)
}

func TestConsoleSinkFormatsEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, logging.ConsoleConfig{})

	err := sink.Write(logging.Event{
		Type:     "presence.evicted",
		Room:     "alpha",
		Actor:    logging.EntityRef{ID: "u1", Kind: logging.EntityKindUser},
		Targets:  []logging.EntityRef{{ID: "ghost", Kind: logging.EntityKindUser}},
		Severity: logging.SeverityWarn,
		Payload:  map[string]any{"staleMillis": 360000},
	})
	require.NoError(t, err)

	line := buf.String()
	require.Contains(t, line, "[presence.evicted]")
	require.Contains(t, line, "room=alpha")
	require.Contains(t, line, "actor=user:u1")
	require.Contains(t, line, "severity=warn")
	require.Contains(t, line, "targets=user:ghost")
	require.Contains(t, line, `"staleMillis":360000`)
}
