// Package anchor 周期性计算网格锚定价（收盘价 SMA）并请求引擎重建网格。
package anchor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	talib "github.com/markcheno/go-talib"

	"okx-grid-go/gateway"
)

var ErrNotEnoughCandles = errors.New("not enough candles for sma")

// SMA 计算最近 length 根 K 线收盘价的简单均线。candles 按交易所顺序（最新在前）。
func SMA(candles []gateway.Candle, length int) (float64, error) {
	if length <= 0 {
		return 0, fmt.Errorf("sma length must be > 0, got %d", length)
	}
	if len(candles) < length {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughCandles, len(candles), length)
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[len(candles)-1-i] = c.Close
	}
	out := talib.Sma(closes, length)
	return out[len(out)-1], nil
}

// hkOffset 6H 及以上周期未带 utc 后缀时，OKX 按 UTC+8 切分 K 线。
const hkOffset = 8 * time.Hour

// Bar K 线周期；Offset 为切分时区相对 UTC 的偏移。
type Bar struct {
	Period time.Duration
	Offset time.Duration
}

// ParseBar 解析 OKX K 线周期，如 "1m"、"15m"、"1H"、"1D"、"6Hutc"。
func ParseBar(bar string) (Bar, error) {
	s := strings.TrimSuffix(bar, "utc")
	utc := s != bar
	if len(s) < 2 {
		return Bar{}, fmt.Errorf("invalid bar %q", bar)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Bar{}, fmt.Errorf("invalid bar %q", bar)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'H':
		unit = time.Hour
	case 'D':
		unit = 24 * time.Hour
	case 'W':
		unit = 7 * 24 * time.Hour
	default:
		return Bar{}, fmt.Errorf("invalid bar unit %q", bar)
	}
	b := Bar{Period: time.Duration(n) * unit}
	if !utc && b.Period >= 6*time.Hour {
		b.Offset = hkOffset
	}
	return b, nil
}

// NextBoundary 返回 now 之后下一根 K 线的开始时间。
func NextBoundary(now time.Time, bar Bar) time.Time {
	local := now.Add(bar.Offset)
	return local.Truncate(bar.Period).Add(bar.Period).Add(-bar.Offset)
}
