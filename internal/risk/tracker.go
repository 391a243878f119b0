package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/config"
)

// DailyStatus 表示当日已平仓交易的统计。
type DailyStatus struct {
	TradingDate    string  `json:"trading_date"`
	Trades         int     `json:"trades"`
	RealizedPoints float64 `json:"realized_points"`
	Halted         bool    `json:"halted"`
}

// DailyTracker 按交易日累计已实现点数，超过亏损上限后停止开仓。
type DailyTracker struct {
	db       *sql.DB
	maxLoss  float64
	location *time.Location
	logger   *zap.Logger
}

// NewDailyTracker 创建日度统计并初始化表结构。
func NewDailyTracker(db *sql.DB, cfg config.RiskConfig, loc *time.Location, logger *zap.Logger) (*DailyTracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}

	tracker := &DailyTracker{
		db:       db,
		maxLoss:  cfg.MaxDailyLossPoints,
		location: loc,
		logger:   logger,
	}
	if err := tracker.initSchema(); err != nil {
		return nil, err
	}
	return tracker, nil
}

func (t *DailyTracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_trades (
			trading_date TEXT PRIMARY KEY,
			trades INTEGER NOT NULL DEFAULT 0,
			realized_points REAL NOT NULL DEFAULT 0,
			halted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// RecordTrade 累计一笔平仓交易的点数，返回最新状态。
func (t *DailyTracker) RecordTrade(ctx context.Context, ts time.Time, points float64) (DailyStatus, error) {
	tradingDate := t.tradingDay(ts)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return DailyStatus{}, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO risk_daily_trades (trading_date, trades, realized_points, halted, updated_at)
		 VALUES (?, 1, ?, 0, ?)
		 ON CONFLICT(trading_date) DO UPDATE SET
			trades = trades + 1,
			realized_points = realized_points + excluded.realized_points,
			updated_at = excluded.updated_at`,
		tradingDate, points, now,
	); err != nil {
		err = fmt.Errorf("risk: 更新日度统计失败: %w", err)
		return DailyStatus{}, err
	}

	var status DailyStatus
	status, err = scanStatus(tx.QueryRowContext(ctx,
		`SELECT trading_date, trades, realized_points, halted FROM risk_daily_trades WHERE trading_date = ?`, tradingDate))
	if err != nil {
		return DailyStatus{}, err
	}

	if !status.Halted && t.maxLoss > 0 && status.RealizedPoints <= -t.maxLoss {
		if _, err = tx.ExecContext(ctx,
			`UPDATE risk_daily_trades SET halted = 1, updated_at = ? WHERE trading_date = ?`, now, tradingDate,
		); err != nil {
			err = fmt.Errorf("risk: 更新停止开仓状态失败: %w", err)
			return DailyStatus{}, err
		}
		status.Halted = true
		t.logger.Warn("当日亏损点数超过上限，停止开仓",
			zap.String("trading_date", tradingDate),
			zap.Float64("realized_points", status.RealizedPoints),
			zap.Float64("max_loss_points", t.maxLoss),
		)
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("risk: 提交事务失败: %w", err)
		return DailyStatus{}, err
	}
	return status, nil
}

// Status 返回 ts 所在交易日的统计，无记录时为零值。
func (t *DailyTracker) Status(ctx context.Context, ts time.Time) (DailyStatus, error) {
	tradingDate := t.tradingDay(ts)
	status, err := scanStatus(t.db.QueryRowContext(ctx,
		`SELECT trading_date, trades, realized_points, halted FROM risk_daily_trades WHERE trading_date = ?`, tradingDate))
	if errors.Is(err, sql.ErrNoRows) {
		return DailyStatus{TradingDate: tradingDate}, nil
	}
	return status, err
}

func scanStatus(row *sql.Row) (DailyStatus, error) {
	var (
		status    DailyStatus
		haltedInt int
	)
	if err := row.Scan(&status.TradingDate, &status.Trades, &status.RealizedPoints, &haltedInt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DailyStatus{}, err
		}
		return DailyStatus{}, fmt.Errorf("risk: 查询日度统计失败: %w", err)
	}
	status.Halted = haltedInt == 1
	return status, nil
}

func (t *DailyTracker) tradingDay(ts time.Time) string {
	return ts.In(t.location).Format("2006-01-02")
}
