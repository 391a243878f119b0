package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/monitor"
	"confluence-trader/internal/position"
	"confluence-trader/internal/risk"
)

type eventLister interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, limit int) ([]monitor.Event, error)
	TradeEvents(ctx context.Context, tradeID string) ([]monitor.Event, error)
}

type dailyStatus interface {
	Status(ctx context.Context, ts time.Time) (risk.DailyStatus, error)
}

type monitorDeps struct {
	events   eventLister
	snapshot func() position.Position
	daily    dailyStatus
	metrics  http.Handler
	logger   *zap.Logger
}

func newMonitorHandler(deps monitorDeps) http.Handler {
	logger := deps.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Warn("写入监控响应失败", zap.Error(err))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := deps.events.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events)
	})

	mux.HandleFunc("/trades/", func(w http.ResponseWriter, r *http.Request) {
		tradeID := strings.TrimPrefix(r.URL.Path, "/trades/")
		if tradeID == "" {
			http.Error(w, "缺少 trade id", http.StatusBadRequest)
			return
		}
		events, err := deps.events.TradeEvents(r.Context(), tradeID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(events) == 0 {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, events)
	})

	mux.HandleFunc("/position", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.snapshot())
	})

	if deps.daily != nil {
		mux.HandleFunc("/daily", func(w http.ResponseWriter, r *http.Request) {
			status, err := deps.daily.Status(r.Context(), time.Now())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, status)
		})
	}

	if deps.metrics != nil {
		mux.Handle("/metrics", deps.metrics)
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

// serveMonitor 阻塞运行监控接口，ctx 结束后优雅关闭。
func serveMonitor(ctx context.Context, handler http.Handler, port int, logger *zap.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("监控服务异常: %w", err)
	}
	return nil
}
