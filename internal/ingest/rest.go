package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"parkwatch/internal/config"
)

type RESTServer struct {
	sink   *Sink
	logger *slog.Logger
}

func StartREST(ctx context.Context, cfg *config.Manager, sink *Sink, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTHandler(sink, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

// NewRESTHandler accepts POST /events with a JSON object, a JSON array of
// objects, or plain text with one read per line.
func NewRESTHandler(sink *Sink, logger *slog.Logger) http.Handler {
	s := &RESTServer{sink: sink, logger: logger}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Post("/events", s.handleEvents)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	accepted := 0
	failed := 0
	switch trim[0] {
	case '[':
		var list []map[string]interface{}
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, obj := range list {
			if s.sink.Emit(ctx, ParseJSONMap(obj), "rest") {
				accepted++
			} else {
				failed++
			}
		}
	case '{':
		var obj map[string]interface{}
		if err := json.Unmarshal(trim, &obj); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if s.sink.Emit(ctx, ParseJSONMap(obj), "rest") {
			accepted++
		} else {
			failed++
		}
	default:
		parser := NewParser()
		scanner := bufio.NewScanner(bytes.NewReader(trim))
		for scanner.Scan() {
			if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
				continue
			}
			if s.sink.EmitLine(ctx, parser, scanner.Text(), "rest") {
				accepted++
			} else {
				failed++
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if accepted == 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
	} else {
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": accepted,
		"failed":   failed,
	})
}
