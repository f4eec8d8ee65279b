package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"parkwatch/internal/config"
)

// StartFileTail follows log files and character devices. A serial reader
// attached as /dev/ttyUSB0 is read the same way as a growing file.
func StartFileTail(ctx context.Context, cfg *config.Manager, sink *Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go tailFile(ctx, path, current.StartAtEnd, sink, logger)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, sink *Sink, logger *slog.Logger) {
	var file *os.File
	var offset int64
	var regular bool
	parser := NewParser()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			regular = false
			if info, err := f.Stat(); err == nil {
				regular = info.Mode().IsRegular()
			}
			if startAtEnd && regular {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					if regular {
						info, statErr := os.Stat(path)
						if statErr == nil && info.Size() < offset {
							// truncated or rotated
							_ = file.Close()
							file = nil
							break
						}
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(line))
			sink.EmitLine(ctx, parser, line, "file_tail")
		}
	}
}
