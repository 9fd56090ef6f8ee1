package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/leejennwah/workqueue/internal/queue"
	"github.com/leejennwah/workqueue/internal/work"
)

const maxDrainLine = 4 << 20

// persistDrained appends drained work to path, one JSON document per line.
// Items that cannot be written go back to fallback.
func persistDrained(ctx context.Context, path string, drained []*work.Work, fallback queue.Backend, logger *zap.Logger) error {
	if len(drained) == 0 {
		return nil
	}

	written, writeErr := appendDrained(path, drained)
	if writeErr == nil {
		logger.Info("drained work persisted", zap.String("path", path), zap.Int("count", written))
		return nil
	}
	logger.Error("failed to persist drained work, returning it to the queue",
		zap.String("path", path),
		zap.Int("written", written),
		zap.Error(writeErr),
	)

	var errs []error
	for _, w := range drained[written:] {
		if err := fallback.Insert(context.WithoutCancel(ctx), w); err != nil {
			logger.Error("drained work lost", zap.String("work_id", w.ID.String()), zap.Error(err))
			errs = append(errs, fmt.Errorf("requeue %s: %w", w.ID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{writeErr}, errs...)...)
	}
	return nil
}

// appendDrained returns how many items reached the file.
func appendDrained(path string, drained []*work.Work) (int, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open drain file: %w", err)
	}

	enc := json.NewEncoder(f)
	for i, w := range drained {
		if err := enc.Encode(w); err != nil {
			_ = f.Close()
			return i, fmt.Errorf("write drained work %s: %w", w.ID, err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("sync drain file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close drain file: %w", err)
	}
	return len(drained), nil
}

// restoreDrained inserts work left in path by an earlier drain into dst and
// removes the file. A missing file restores nothing.
func restoreDrained(ctx context.Context, path string, dst queue.Backend, logger *zap.Logger) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open drain file: %w", err)
	}
	defer f.Close()

	restored := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxDrainLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var w work.Work
		if err := json.Unmarshal(line, &w); err != nil {
			return restored, fmt.Errorf("decode drained work at entry %d: %w", restored+1, err)
		}
		if err := dst.Insert(ctx, &w); err != nil {
			return restored, fmt.Errorf("restore drained work %s: %w", w.ID, err)
		}
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, fmt.Errorf("read drain file: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return restored, fmt.Errorf("remove drain file: %w", err)
	}
	if restored > 0 {
		logger.Info("restored drained work", zap.String("path", path), zap.Int("count", restored))
	}
	return restored, nil
}
