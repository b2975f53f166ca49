package eventstore

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nathanyu/margin-trading/internal/domain"
)

// Journal is an append-only JSONL log of outbound events.
type Journal struct {
	filePath string
	file     *os.File
	mu       sync.Mutex
	logger   *slog.Logger
}

// Open opens the journal file for appending, creating it and its directory if needed.
func Open(filePath string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		filePath: filePath,
		file:     file,
		logger:   logger.With("component", "journal"),
	}, nil
}

// Append writes events as one line each and syncs once.
func (j *Journal) Append(events ...domain.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.filePath)
	}

	w := bufio.NewWriter(j.file)
	for _, event := range events {
		data, err := domain.SerializeEvent(event)
		if err != nil {
			return fmt.Errorf("failed to serialize %s: %w", event.GetType(), err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return j.file.Sync()
}

// Handle journals one event from the bus. Failures are logged, never returned to the engine.
func (j *Journal) Handle(ctx context.Context, event domain.Event) {
	if err := j.Append(event); err != nil {
		j.logger.ErrorContext(ctx, "failed to journal event", "type", event.GetType(), "key", event.GetKey(), "error", err)
	}
}

// Replay reads every journaled event in order and hands it to fn.
// A missing file replays nothing.
func (j *Journal) Replay(fn func(domain.Event) error) error {
	file, err := os.Open(j.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal for reading: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := domain.DeserializeEvent(line)
		if err != nil {
			return fmt.Errorf("failed to deserialize event at line %d: %w", lineNum, err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading journal: %w", err)
	}
	return nil
}

// LoadAll returns every journaled event.
func (j *Journal) LoadAll() ([]domain.Event, error) {
	var events []domain.Event
	err := j.Replay(func(e domain.Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
