package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/John-Robertt/boxdroll/internal/domain"
	"github.com/John-Robertt/boxdroll/internal/loader"
	"github.com/John-Robertt/boxdroll/internal/scrape"
)

const (
	DefaultHeartbeat = 15 * time.Second

	maxRequestBytes = 64 << 10
)

// Options 描述 API 层的可调项。
type Options struct {
	// Origin 用于终态错误里的上游链接；为空时不附带链接。
	Origin string

	// Loader 是 SSE 流里服务端 loader 的重试/节流策略（Observer 与 Logger 字段会被覆盖）。
	Loader loader.Options

	// Heartbeat 是 SSE 心跳间隔；0 使用默认 15s。
	Heartbeat time.Duration

	Logger *slog.Logger
}

// Server 暴露单页接口与渐进加载事件流。
type Server struct {
	mux    *http.ServeMux
	src    loader.PageSource
	opts   Options
	logger *slog.Logger
}

func NewServer(src loader.PageSource, opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:    http.NewServeMux(),
		src:    src,
		opts:   opts,
		logger: logger,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/scrape-watchlist", s.handleScrape)
	s.mux.HandleFunc("/api/watchlist/", s.handleWatchlist)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req ScrapeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, domain.Errorf(domain.KindInvalidRequest, err, "Invalid JSON body"))
		return
	}

	started := time.Now()
	res, err := s.src.FetchPage(r.Context(), req.Username, req.Page)
	if err != nil {
		s.logger.Info("scrape request failed",
			"username", req.Username,
			"page", req.Page,
			"kind", domain.KindOf(err),
			"error", err,
			"dur", time.Since(started).Round(time.Millisecond).String(),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleWatchlist 路由 /api/watchlist/{username}/events。
func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/watchlist/"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
		http.NotFound(w, r)
		return
	}
	username, err := url.PathUnescape(parts[0])
	if err != nil {
		writeError(w, domain.Errorf(domain.KindInvalidRequest, err, "Invalid username"))
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	s.streamWatchlist(w, r, username)
}

// streamWatchlist 在服务端驱动一个 loader，把进度以 SSE 推给客户端。客户端断开即取消加载。
func (s *Server) streamWatchlist(w http.ResponseWriter, r *http.Request, username string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan Event, 16)
	obs := &streamObserver{ctx: ctx, events: events, origin: s.opts.Origin}

	lopts := s.opts.Loader
	lopts.Observer = obs
	lopts.Logger = s.logger
	l := loader.New(s.src, username, lopts)
	go func() {
		defer close(events)
		if err := l.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Info("watchlist stream ended with error", "username", username, "kind", domain.KindOf(err))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, "event: %s\ndata: {}\n\n", EventHeartbeat)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// streamObserver 把 loader 事件转换为 SSE 事件。回调都在 loader goroutine 上执行。
type streamObserver struct {
	ctx    context.Context
	events chan<- Event
	origin string
}

func (o *streamObserver) send(typ string, data any) {
	select {
	case o.events <- Event{Type: typ, Data: data}:
	case <-o.ctx.Done():
	}
}

func (o *streamObserver) OnPageStart(string, int, int) {}

func (o *streamObserver) OnPageLoaded(_ string, page, totalPages int, added, updated []domain.Film, loaded int) {
	if added == nil {
		added = []domain.Film{}
	}
	progress := 100
	if totalPages > 0 {
		progress = min(page*100/totalPages, 100)
	}
	o.send(EventPage, PageEvent{
		Page:       page,
		TotalPages: totalPages,
		Films:      added,
		Updated:    updated,
		Loaded:     loaded,
		Progress:   progress,
	})
}

func (o *streamObserver) OnRetry(_ string, page, attempt, maxRetries int, delay time.Duration, err error) {
	o.send(EventRetry, RetryEvent{
		Page:       page,
		Attempt:    attempt,
		MaxRetries: maxRetries,
		DelayMs:    delay.Milliseconds(),
		Error:      domain.KindOf(err),
		Message:    domain.MessageOf(err),
	})
}

func (o *streamObserver) OnDone(st loader.State) {
	if st.Err != nil {
		evt := ErrorEvent{Error: domain.KindOf(st.Err), Message: domain.MessageOf(st.Err)}
		if o.origin != "" && loader.IsTerminal(evt.Error) && evt.Error != domain.KindInvalidRequest {
			evt.ProfileURL = scrape.ProfileURL(o.origin, st.Username)
		}
		o.send(EventError, evt)
		return
	}
	o.send(EventDone, DoneEvent{Films: len(st.Films), TotalPages: st.TotalPages, Empty: len(st.Films) == 0})
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		// 客户端已断开：写什么都没人读。
		return
	}
	writeJSON(w, domain.HTTPStatus(domain.KindOf(err)), domain.BodyOf(err))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, domain.ErrorBody{Error: domain.KindInvalidRequest, Message: "Method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
