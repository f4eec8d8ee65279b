package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"parkwatch/internal/config"
)

// StartTCPStream accepts newline framed reads, typically from a serial to TCP
// bridge next to the reader.
func StartTCPStream(ctx context.Context, cfg *config.Manager, sink *Sink, logger *slog.Logger) net.Listener {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, sink, logger)
		}
	}()
	return ln
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, sink *Sink, logger *slog.Logger) {
	defer conn.Close()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		sink.EmitLine(ctx, parser, scanner.Text(), "tcp_stream")
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
