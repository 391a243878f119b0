// Package symbol 负责期货合约解析与期权代码构造。
package symbol

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"confluence-trader/internal/broker"
)

var (
	// ErrSymbolResolution 表示搜索结果中没有匹配的当月期货。
	ErrSymbolResolution = errors.New("symbol: resolution failed")
	// ErrMalformedSymbol 表示输入代码不符合固定格式。
	ErrMalformedSymbol = errors.New("symbol: malformed symbol")
)

const futureSuffix = "FUT"

// OptionType 期权类型。
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

var (
	futurePattern = regexp.MustCompile(`^([A-Z]+)(\d{2})([A-Z]{3})(\d{2})FUT$`)
	optionPattern = regexp.MustCompile(`^([A-Z]+\d{2}[A-Z]{3}\d{2})(\d+)(CE|PE)$`)
)

type searcher interface {
	SearchInstruments(ctx context.Context, query, exchange string) ([]broker.Instrument, error)
}

// Resolver 通过合约搜索确定某月的期货代码。
type Resolver struct {
	search   searcher
	exchange string
	exclude  []string
	logger   *zap.Logger
}

// NewResolver 创建解析器，exclude 中的片段用于剔除相近根名。
func NewResolver(search searcher, exchange string, exclude []string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	upper := make([]string, 0, len(exclude))
	for _, e := range exclude {
		if e = strings.ToUpper(strings.TrimSpace(e)); e != "" {
			upper = append(upper, e)
		}
	}
	return &Resolver{search: search, exchange: exchange, exclude: upper, logger: logger}
}

// ResolveFuture 返回 root 在 year/month 的月度期货代码，多个候选时取搜索顺序的第一个。
func (r *Resolver) ResolveFuture(ctx context.Context, root string, year int, month time.Month) (string, error) {
	root = strings.ToUpper(root)
	mmm := strings.ToUpper(month.String()[:3])
	yy := fmt.Sprintf("%02d", year%100)
	query := fmt.Sprintf("%s %s %s", root, mmm, yy)

	results, err := r.search.SearchInstruments(ctx, query, r.exchange)
	if err != nil {
		return "", fmt.Errorf("symbol: 搜索 %q: %w: %v", query, ErrSymbolResolution, err)
	}

	suffix := mmm + yy + futureSuffix
	candidates := make([]string, 0, 1)
	for _, inst := range results {
		sym := strings.ToUpper(inst.Symbol)
		if !strings.HasPrefix(sym, root) || !strings.HasSuffix(sym, suffix) {
			continue
		}
		if r.excluded(sym, root) {
			continue
		}
		if !digitsAt(sym, len(root), 2) {
			continue
		}
		candidates = append(candidates, inst.Symbol)
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("symbol: %q 无匹配期货: %w", query, ErrSymbolResolution)
	}
	if len(candidates) > 1 {
		r.logger.Warn("多个期货候选，取搜索结果中的第一个",
			zap.String("query", query),
			zap.Strings("candidates", candidates),
		)
	}
	r.logger.Info("已解析期货合约", zap.String("symbol", candidates[0]), zap.Int("candidates", len(candidates)))
	return candidates[0], nil
}

func (r *Resolver) excluded(sym, root string) bool {
	for _, e := range r.exclude {
		if strings.Contains(root, e) {
			continue
		}
		if strings.Contains(sym, e) {
			return true
		}
	}
	return false
}

func digitsAt(s string, offset, n int) bool {
	if len(s) < offset+n {
		return false
	}
	for _, ch := range s[offset : offset+n] {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// RoundStrike 将价格四舍六入五成双到最近的行权价档位。
func RoundStrike(price, step float64) int64 {
	if step <= 0 {
		step = 50
	}
	steps := decimal.NewFromFloat(price).Div(decimal.NewFromFloat(step)).RoundBank(0)
	return steps.Mul(decimal.NewFromFloat(step)).IntPart()
}

// Builder 构造期权代码。
type Builder struct {
	step float64
}

// NewBuilder 创建期权代码构造器。
func NewBuilder(step float64) Builder {
	return Builder{step: step}
}

// OptionTypeFor BUY 信号买入看涨，SELL 信号买入看跌。
func OptionTypeFor(side broker.Side) OptionType {
	if side == broker.SideSell {
		return Put
	}
	return Call
}

// BuildOptionSymbol 根据期货代码与标的价格生成期权代码。offset>0 时向虚值方向平移。
func (b Builder) BuildOptionSymbol(future string, price float64, side broker.Side, offset float64) (string, error) {
	if !futurePattern.MatchString(future) {
		return "", fmt.Errorf("symbol: %q: %w", future, ErrMalformedSymbol)
	}
	if price <= 0 {
		return "", fmt.Errorf("symbol: 标的价格无效 %v: %w", price, ErrMalformedSymbol)
	}

	base := strings.TrimSuffix(future, futureSuffix)
	strike := RoundStrike(price, b.step)
	kind := OptionTypeFor(side)

	shift := decimal.NewFromFloat(offset).IntPart()
	if kind == Call {
		strike += shift
	} else {
		strike -= shift
	}
	if strike <= 0 {
		return "", fmt.Errorf("symbol: 行权价无效 %d: %w", strike, ErrMalformedSymbol)
	}

	return fmt.Sprintf("%s%d%s", base, strike, kind), nil
}

// StripOptionSuffix 去掉期权代码的行权价与类型，返回期货基础部分。
func StripOptionSuffix(option string) (base string, strike int64, kind OptionType, err error) {
	m := optionPattern.FindStringSubmatch(option)
	if m == nil {
		return "", 0, "", fmt.Errorf("symbol: %q: %w", option, ErrMalformedSymbol)
	}
	if _, scanErr := fmt.Sscan(m[2], &strike); scanErr != nil {
		return "", 0, "", fmt.Errorf("symbol: %q: %w", option, ErrMalformedSymbol)
	}
	return m[1], strike, OptionType(m[3]), nil
}

// FutureBase 返回期货代码去掉 FUT 后的部分。
func FutureBase(future string) (string, error) {
	if !futurePattern.MatchString(future) {
		return "", fmt.Errorf("symbol: %q: %w", future, ErrMalformedSymbol)
	}
	return strings.TrimSuffix(future, futureSuffix), nil
}
