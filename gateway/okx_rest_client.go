package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cast"

	"okx-grid-go/infrastructure/monitor"
)

const DefaultRESTURL = "https://www.okx.com"

// APIError OKX 返回的业务错误（code != "0" 或 sCode != "0"）。
type APIError struct {
	Code  string
	Msg   string
	SCode string
	SMsg  string
}

func (e *APIError) Error() string {
	if e.SCode != "" {
		return fmt.Sprintf("okx code=%s msg=%s sCode=%s sMsg=%s", e.Code, e.Msg, e.SCode, e.SMsg)
	}
	return fmt.Sprintf("okx code=%s msg=%s", e.Code, e.Msg)
}

// OKXRESTClient 可签名的 OKX v5 REST 客户端，HTTPClient 可注入 httptest。
type OKXRESTClient struct {
	BaseURL     string
	Credentials Credentials
	// Simulated 为 true 时附加 x-simulated-trading: 1（模拟盘）
	Simulated  bool
	HTTPClient *http.Client
	Limiter    RateLimiter
	Monitor    *monitor.Monitor

	now func() time.Time
}

func NewOKXRESTClient(baseURL string, creds Credentials, simulated bool) *OKXRESTClient {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	return &OKXRESTClient{
		BaseURL:     baseURL,
		Credentials: creds,
		Simulated:   simulated,
		HTTPClient:  NewDefaultHTTPClient(),
		now:         time.Now,
	}
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

type restResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// OrderRequest POST /api/v5/trade/order 请求体。
type OrderRequest struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	Side       string `json:"side"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
	ClOrdID    string `json:"clOrdId,omitempty"`
}

// OrderAck 下单结果。
type OrderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	Sz      string `json:"sz"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// PlaceOrder 下单；返回 *APIError 表示交易所拒单。
func (c *OKXRESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return OrderAck{}, err
	}
	var acks []OrderAck
	if err := c.call(ctx, "place_order", http.MethodPost, "/api/v5/trade/order", nil, body, true, &acks); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(acks) > 0 {
			apiErr.SCode, apiErr.SMsg = acks[0].SCode, acks[0].SMsg
		}
		return OrderAck{}, err
	}
	if len(acks) == 0 {
		return OrderAck{}, fmt.Errorf("place order: empty data")
	}
	ack := acks[0]
	if ack.SCode != "" && ack.SCode != "0" {
		return OrderAck{}, &APIError{Code: "0", SCode: ack.SCode, SMsg: ack.SMsg}
	}
	return ack, nil
}

// InstrumentInfo 合约基础信息。
type InstrumentInfo struct {
	InstID string
	TickSz float64
	LotSz  float64
	MinSz  float64
	CtVal  float64
}

type rawInstrument struct {
	InstID string `json:"instId"`
	TickSz string `json:"tickSz"`
	LotSz  string `json:"lotSz"`
	MinSz  string `json:"minSz"`
	CtVal  string `json:"ctVal"`
}

// Instrument 查询 /api/v5/public/instruments。
func (c *OKXRESTClient) Instrument(ctx context.Context, instType, instID string) (InstrumentInfo, error) {
	q := url.Values{}
	q.Set("instType", instType)
	q.Set("instId", instID)
	var rows []rawInstrument
	if err := c.call(ctx, "instrument", http.MethodGet, "/api/v5/public/instruments", q, nil, false, &rows); err != nil {
		return InstrumentInfo{}, err
	}
	if len(rows) == 0 {
		return InstrumentInfo{}, fmt.Errorf("instrument %s not found", instID)
	}
	r := rows[0]
	info := InstrumentInfo{InstID: r.InstID}
	var err error
	if info.TickSz, err = cast.ToFloat64E(r.TickSz); err != nil {
		return InstrumentInfo{}, fmt.Errorf("tickSz %q: %w", r.TickSz, err)
	}
	if info.LotSz, err = cast.ToFloat64E(r.LotSz); err != nil {
		return InstrumentInfo{}, fmt.Errorf("lotSz %q: %w", r.LotSz, err)
	}
	if info.MinSz, err = cast.ToFloat64E(r.MinSz); err != nil {
		return InstrumentInfo{}, fmt.Errorf("minSz %q: %w", r.MinSz, err)
	}
	if info.CtVal, err = cast.ToFloat64E(r.CtVal); err != nil {
		return InstrumentInfo{}, fmt.Errorf("ctVal %q: %w", r.CtVal, err)
	}
	return info, nil
}

// Candle K 线。
type Candle struct {
	Ts        time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Confirmed bool
}

// Candles 查询 /api/v5/market/candles，按交易所顺序返回（最新在前）。
func (c *OKXRESTClient) Candles(ctx context.Context, instID, bar string, limit int) ([]Candle, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("bar", bar)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var rows [][]string
	if err := c.call(ctx, "candles", http.MethodGet, "/api/v5/market/candles", q, nil, false, &rows); err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(rows))
	for _, row := range rows {
		cd, err := parseCandle(row)
		if err != nil {
			return nil, err
		}
		out = append(out, cd)
	}
	return out, nil
}

// parseCandle 行格式 [ts,o,h,l,c,vol,volCcy,volCcyQuote,confirm]。
func parseCandle(row []string) (Candle, error) {
	if len(row) < 5 {
		return Candle{}, fmt.Errorf("candle row too short: %v", row)
	}
	ms, err := cast.ToInt64E(row[0])
	if err != nil {
		return Candle{}, fmt.Errorf("candle ts %q: %w", row[0], err)
	}
	vals := make([]float64, 4)
	for i := range vals {
		if vals[i], err = cast.ToFloat64E(row[i+1]); err != nil {
			return Candle{}, fmt.Errorf("candle field %d %q: %w", i+1, row[i+1], err)
		}
	}
	cd := Candle{
		Ts:        time.UnixMilli(ms),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Confirmed: true,
	}
	if len(row) > 5 {
		cd.Volume = cast.ToFloat64(row[5])
	}
	if len(row) > 8 {
		cd.Confirmed = row[8] == "1"
	}
	return cd, nil
}

// call 发送请求并把 data 解码到 out；signed 为 true 时附加签名头。
func (c *OKXRESTClient) call(ctx context.Context, action, method, path string, query url.Values, body []byte, signed bool, out interface{}) (err error) {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	start := time.Now()
	c.Monitor.RecordRESTRequest(action)
	defer func() {
		c.Monitor.RecordRESTLatency(action, time.Since(start).Seconds())
		if err != nil {
			c.Monitor.RecordRESTError(action)
		}
	}()

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+requestPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		now := time.Now
		if c.now != nil {
			now = c.now
		}
		ts := RESTTimestamp(now())
		req.Header.Set("OK-ACCESS-KEY", c.Credentials.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", SignREST(c.Credentials.Secret, ts, method, requestPath, string(body)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.Credentials.Passphrase)
	}
	if c.Simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rr restResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("%s status %d: %w", action, resp.StatusCode, err)
	}
	if len(rr.Data) > 0 && out != nil {
		if derr := json.Unmarshal(rr.Data, out); derr != nil && rr.Code == "0" {
			return fmt.Errorf("%s decode data: %w", action, derr)
		}
	}
	if rr.Code != "0" {
		return &APIError{Code: rr.Code, Msg: rr.Msg}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s status %d", action, resp.StatusCode)
	}
	return nil
}
