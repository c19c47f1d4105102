package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"tavolo/logging"
)

// JSONSink appends events to a file as JSON lines, flushing in batches.
type JSONSink struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	pending  int
	maxBatch int
}

func NewJSONSink(cfg logging.JSONConfig) (*JSONSink, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("json sink requires a file path")
	}
	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open json sink file: %w", err)
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 32
	}
	return &JSONSink{
		file:     file,
		writer:   bufio.NewWriter(file),
		maxBatch: maxBatch,
	}, nil
}

func (s *JSONSink) Write(event logging.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return fmt.Errorf("json sink closed")
	}
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	s.pending++
	if s.pending >= s.maxBatch {
		s.pending = 0
		return s.writer.Flush()
	}
	return nil
}

func (s *JSONSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	s.writer = nil
	s.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
