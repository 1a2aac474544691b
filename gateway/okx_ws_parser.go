package gateway

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cast"
)

// 频道名称
const (
	ChannelTickers = "tickers"
	ChannelOrders  = "orders"
)

var ErrNoPrice = errors.New("ticker has no last price")

// Arg 订阅参数，同时出现在推送的 arg 字段中。
type Arg struct {
	Channel  string `json:"channel"`
	InstType string `json:"instType,omitempty"`
	InstID   string `json:"instId,omitempty"`
}

// Envelope OKX websocket 消息外层。事件消息（login/subscribe/error）带 event，数据推送带 arg+data。
type Envelope struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	ConnID string          `json:"connId"`
	Arg    Arg             `json:"arg"`
	Data   json.RawMessage `json:"data"`
}

// IsEvent 是否为事件类消息。
func (e Envelope) IsEvent() bool {
	return e.Event != ""
}

// ParseEnvelope 解析外层结构。
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Ticker tickers 频道的单条数据（只取需要的字段）。
type Ticker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	Ts     string `json:"ts"`
}

// ParseTickerLast 从 tickers 推送中取最新成交价；一次推送多条时以最后一条为准。
func ParseTickerLast(env Envelope) (float64, error) {
	var tickers []Ticker
	if err := json.Unmarshal(env.Data, &tickers); err != nil {
		return 0, fmt.Errorf("decode tickers: %w", err)
	}
	for i := len(tickers) - 1; i >= 0; i-- {
		t := tickers[i]
		if t.Last == "" {
			continue
		}
		px, err := cast.ToFloat64E(t.Last)
		if err != nil {
			return 0, fmt.Errorf("parse last %q: %w", t.Last, err)
		}
		return px, nil
	}
	return 0, ErrNoPrice
}

// OrderUpdate orders 频道的单条订单数据，数值字段保持字符串原样。
type OrderUpdate struct {
	InstID      string `json:"instId"`
	OrdID       string `json:"ordId"`
	ClOrdID     string `json:"clOrdId"`
	Side        string `json:"side"`
	OrdType     string `json:"ordType"`
	State       string `json:"state"`
	Sz          string `json:"sz"`
	AccFillSz   string `json:"accFillSz"`
	FillPx      string `json:"fillPx"`
	AvgPx       string `json:"avgPx"`
	NotionalUSD string `json:"notionalUsd"`
	Fee         string `json:"fee"`
	UTime       string `json:"uTime"`
}

// Numbers 解析数值字段；空字符串视为 0。
func (u OrderUpdate) Numbers() (filledSize, avgPx, notional, fee float64, err error) {
	if filledSize, err = floatField("accFillSz", u.AccFillSz); err != nil {
		return
	}
	if avgPx, err = floatField("avgPx", u.AvgPx); err != nil {
		return
	}
	if notional, err = floatField("notionalUsd", u.NotionalUSD); err != nil {
		return
	}
	fee, err = floatField("fee", u.Fee)
	return
}

func floatField(name, v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("field %s=%q: %w", name, v, err)
	}
	return f, nil
}

// OrderMessage orders 频道的一条完整推送。
type OrderMessage struct {
	Arg  Arg           `json:"arg"`
	Data []OrderUpdate `json:"data"`
}

// ParseOrderMessage 从 orders 推送中解析订单列表。
func ParseOrderMessage(env Envelope) (OrderMessage, error) {
	msg := OrderMessage{Arg: env.Arg}
	if len(env.Data) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(env.Data, &msg.Data); err != nil {
		return OrderMessage{}, fmt.Errorf("decode orders: %w", err)
	}
	return msg, nil
}

// opRequest 订阅/登录请求。
type opRequest struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

type loginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// SubscribeMessage 构造订阅请求。
func SubscribeMessage(args ...Arg) ([]byte, error) {
	req := opRequest{Op: "subscribe", Args: make([]interface{}, 0, len(args))}
	for _, a := range args {
		req.Args = append(req.Args, a)
	}
	return json.Marshal(req)
}

// LoginMessage 构造登录请求。
func LoginMessage(creds Credentials, timestamp string) ([]byte, error) {
	return json.Marshal(opRequest{
		Op: "login",
		Args: []interface{}{loginArg{
			APIKey:     creds.APIKey,
			Passphrase: creds.Passphrase,
			Timestamp:  timestamp,
			Sign:       SignLogin(creds.Secret, timestamp),
		}},
	})
}
