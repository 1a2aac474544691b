package order

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Instrument 描述合约的价格/数量步长与面值（OKX lotSz/tickSz/minSz/ctVal）。
type Instrument struct {
	InstID        string
	TickSize      float64
	LotSize       float64
	MinSize       float64
	ContractValue float64
}

// Precision 返回步长对应的小数位数：步长 >= 1 时为 0，否则为步长的有效小数位数。
func Precision(step float64) int32 {
	if step <= 0 || step >= 1 {
		return 0
	}
	s := strconv.FormatFloat(step, 'f', -1, 64)
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(s[idx+1:], "0")))
}

// RoundToStep 按步长精度四舍五入（half-up，远离零）。
func RoundToStep(value, step float64) float64 {
	return RoundPlaces(value, Precision(step))
}

// RoundPlaces 四舍五入到指定小数位。
func RoundPlaces(value float64, places int32) float64 {
	return decimal.NewFromFloat(value).Round(places).InexactFloat64()
}

// RoundPrice 价格按 tick 精度取整。
func (i Instrument) RoundPrice(price float64) float64 {
	return RoundToStep(price, i.TickSize)
}

// RoundSize 数量按 lot 精度取整。
func (i Instrument) RoundSize(size float64) float64 {
	return RoundToStep(size, i.LotSize)
}

// LotPrecision 下单数量的小数位数。
func (i Instrument) LotPrecision() int32 {
	return Precision(i.LotSize)
}

// FormatSize 以 lot 精度格式化下单数量（sz 字段）。
func (i Instrument) FormatSize(size float64) string {
	return decimal.NewFromFloat(size).StringFixed(i.LotPrecision())
}

// Validate 检查合约参数是否可用于下单与网格计算。
func (i Instrument) Validate() error {
	if i.InstID == "" {
		return fmt.Errorf("instId is required")
	}
	if i.TickSize <= 0 {
		return fmt.Errorf("tickSize must be > 0, got %v", i.TickSize)
	}
	if i.LotSize <= 0 {
		return fmt.Errorf("lotSize must be > 0, got %v", i.LotSize)
	}
	if i.MinSize < 0 {
		return fmt.Errorf("minSize must be >= 0, got %v", i.MinSize)
	}
	if i.ContractValue <= 0 {
		return fmt.Errorf("ctVal must be > 0, got %v", i.ContractValue)
	}
	return nil
}

// CheckOrder 检查价格/数量是否与步长对齐且不小于最小下单量。
func (i Instrument) CheckOrder(price, size float64) error {
	if i.TickSize > 0 && !isMultiple(price, i.TickSize) {
		return fmt.Errorf("price %.8f not aligned to tickSize %.8f", price, i.TickSize)
	}
	if i.LotSize > 0 && !isMultiple(size, i.LotSize) {
		return fmt.Errorf("size %.8f not aligned to lotSize %.8f", size, i.LotSize)
	}
	if i.MinSize > 0 && size < i.MinSize {
		return fmt.Errorf("size %.8f < minSize %.8f", size, i.MinSize)
	}
	return nil
}

func isMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) <= 1e-8
}
