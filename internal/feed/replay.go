package feed

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// maxLine bounds a single JSONL line.
const maxLine = 4 << 20

// Replay dispatches every envelope in r, one JSON object per line. Blank
// lines are skipped. When interval is positive Replay waits that long between
// envelopes, which is how recorded sessions are played back at a watchable
// pace.
func Replay(ctx context.Context, r io.Reader, d Dispatcher, interval time.Duration, log *zap.Logger) (Stats, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var stats Stats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		if stats.Read > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(interval):
			}
		} else if err := ctx.Err(); err != nil {
			return stats, err
		}

		if err := dispatch(d, data, &stats, log.With(zap.Int("line", line))); err != nil {
			return stats, err
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("line %d: %w", line+1, err)
	}
	return stats, nil
}

// ReplayFile opens path and replays it.
func ReplayFile(ctx context.Context, path string, d Dispatcher, interval time.Duration, log *zap.Logger) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer f.Close()

	stats, err := Replay(ctx, f, d, interval, log)
	if err != nil {
		return stats, fmt.Errorf("replay %s: %w", path, err)
	}
	return stats, nil
}
