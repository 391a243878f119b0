// Package session 提供交易时段过滤与分钟对齐。
package session

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"confluence-trader/internal/config"
)

// Window 为 [Start, End) 的日内时段，单位为当日分钟数。
type Window struct {
	Start int
	End   int
}

// Calendar 描述允许开仓的时段与收盘平仓时间。
type Calendar struct {
	location  *time.Location
	windows   []Window
	squareOff int
}

// NewCalendar 从配置解析交易时段。
func NewCalendar(cfg config.SessionConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("session: 加载时区 %q 失败: %w", cfg.Timezone, err)
	}

	windows := make([]Window, 0, len(cfg.Windows))
	for i, w := range cfg.Windows {
		start, err := parseClock(w.Start)
		if err != nil {
			return nil, fmt.Errorf("session: windows[%d].start: %w", i, err)
		}
		end, err := parseClock(w.End)
		if err != nil {
			return nil, fmt.Errorf("session: windows[%d].end: %w", i, err)
		}
		if end <= start {
			return nil, fmt.Errorf("session: windows[%d] 结束时间必须晚于开始时间", i)
		}
		windows = append(windows, Window{Start: start, End: end})
	}

	squareOff := -1
	if s := strings.TrimSpace(cfg.SquareOff); s != "" {
		if squareOff, err = parseClock(s); err != nil {
			return nil, fmt.Errorf("session: square_off: %w", err)
		}
	}

	return &Calendar{location: loc, windows: windows, squareOff: squareOff}, nil
}

// Location 返回交易所时区。
func (c *Calendar) Location() *time.Location {
	return c.location
}

// Allowed 判断 t 是否处于任一开仓时段内。
func (c *Calendar) Allowed(t time.Time) bool {
	m := c.minuteOfDay(t)
	for _, w := range c.windows {
		if m >= w.Start && m < w.End {
			return true
		}
	}
	return false
}

// PastSquareOff 判断是否已到收盘平仓时间，未配置时恒为 false。
func (c *Calendar) PastSquareOff(t time.Time) bool {
	if c.squareOff < 0 {
		return false
	}
	return c.minuteOfDay(t) >= c.squareOff
}

func (c *Calendar) minuteOfDay(t time.Time) int {
	local := t.In(c.location)
	return local.Hour()*60 + local.Minute()
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("时间 %q 格式应为 HH:MM: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// NextMinute 返回 t 之后下一个整分钟再加 offset 的时刻。
func NextMinute(t time.Time, offset time.Duration) time.Time {
	return t.Truncate(time.Minute).Add(time.Minute + offset)
}
