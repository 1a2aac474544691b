package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server) *OKXRESTClient {
	c := NewOKXRESTClient(srv.URL, Credentials{APIKey: "key", Secret: "secret", Passphrase: "pp"}, true)
	c.HTTPClient = srv.Client()
	c.now = func() time.Time { return time.Date(2020, 12, 8, 9, 8, 57, 715_000_000, time.UTC) }
	return c
}

func TestPlaceOrderSignsRequest(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v5/trade/order", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("OK-ACCESS-KEY"))
		assert.Equal(t, "pp", r.Header.Get("OK-ACCESS-PASSPHRASE"))
		assert.Equal(t, "2020-12-08T09:08:57.715Z", r.Header.Get("OK-ACCESS-TIMESTAMP"))
		assert.Equal(t, "1", r.Header.Get("x-simulated-trading"))
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		assert.Equal(t,
			SignREST("secret", "2020-12-08T09:08:57.715Z", "POST", "/api/v5/trade/order", gotBody),
			r.Header.Get("OK-ACCESS-SIGN"))
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"312269865356374016","clOrdId":"c1","sz":"0.5","sCode":"0","sMsg":""}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	ack, err := c.PlaceOrder(context.Background(), OrderRequest{
		InstID: "BTC-USDT-SWAP", TdMode: "isolated", Side: "sell", OrdType: "market", Sz: "0.50", ReduceOnly: true, ClOrdID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "312269865356374016", ack.OrdID)
	assert.Equal(t, "0.5", ack.Sz)
	assert.Equal(t,
		`{"instId":"BTC-USDT-SWAP","tdMode":"isolated","side":"sell","ordType":"market","sz":"0.50","reduceOnly":true,"clOrdId":"c1"}`,
		gotBody)
}

func TestPlaceOrderBuyOmitsReduceOnly(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"1","sCode":"0"}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).PlaceOrder(context.Background(), OrderRequest{InstID: "X", TdMode: "isolated", Side: "buy", OrdType: "market", Sz: "1"})
	require.NoError(t, err)
	assert.NotContains(t, gotBody, "reduceOnly")
}

func TestPlaceOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"1","msg":"Operation failed.","data":[{"ordId":"","sCode":"51008","sMsg":"Order failed. Insufficient balance"}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).PlaceOrder(context.Background(), OrderRequest{InstID: "X"})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "1", apiErr.Code)
	assert.Equal(t, "51008", apiErr.SCode)
}

func TestInstrument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/public/instruments", r.URL.Path)
		assert.Equal(t, "SWAP", r.URL.Query().Get("instType"))
		assert.Empty(t, r.Header.Get("OK-ACCESS-SIGN"), "公共接口不需要签名")
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","tickSz":"0.1","lotSz":"0.01","minSz":"0.01","ctVal":"0.01"}]}`))
	}))
	defer srv.Close()

	info, err := newTestClient(srv).Instrument(context.Background(), "SWAP", "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, InstrumentInfo{InstID: "BTC-USDT-SWAP", TickSz: 0.1, LotSz: 0.01, MinSz: 0.01, CtVal: 0.01}, info)
}

func TestInstrumentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Instrument(context.Background(), "SWAP", "NOPE")
	assert.Error(t, err)
}

func TestCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1m", r.URL.Query().Get("bar"))
		assert.Equal(t, "94", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[
			["1700000060000","101","102","100","101.5","10","0","0","0"],
			["1700000000000","100","101","99","101","12","0","0","1"]]}`))
	}))
	defer srv.Close()

	candles, err := newTestClient(srv).Candles(context.Background(), "BTC-USDT-SWAP", "1m", 94)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 101.5, candles[0].Close)
	assert.False(t, candles[0].Confirmed)
	assert.True(t, candles[1].Confirmed)
	assert.Equal(t, int64(1700000000000), candles[1].Ts.UnixMilli())
}

func TestCandlesMalformedRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[["1700000000000","1"]]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Candles(context.Background(), "X", "1m", 10)
	assert.Error(t, err)
}

func TestClientWithoutHTTPClient(t *testing.T) {
	c := &OKXRESTClient{}
	_, err := c.Candles(context.Background(), "X", "1m", 1)
	assert.Error(t, err)
}

func TestTokenBucketLimiterHonoursContext(t *testing.T) {
	l := NewTokenBucketLimiter(0.5, 1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}
