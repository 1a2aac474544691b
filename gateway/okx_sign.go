package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// 登录验签固定的 method 与 path
const (
	loginMethod = "GET"
	loginPath   = "/users/self/verify"
)

// Credentials OKX API 凭证。
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Empty 是否未配置凭证。
func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.Secret == "" || c.Passphrase == ""
}

// Sign 计算 base64(HMAC-SHA256(secret, prehash))。
func Sign(secret, prehash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prehash))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignLogin websocket 登录签名：timestamp + "GET" + "/users/self/verify"。
func SignLogin(secret, timestamp string) string {
	return Sign(secret, timestamp+loginMethod+loginPath)
}

// SignREST REST 请求签名：timestamp + method + requestPath(含 query) + body。
func SignREST(secret, timestamp, method, requestPath, body string) string {
	return Sign(secret, timestamp+method+requestPath+body)
}

// LoginTimestamp websocket 登录使用的 Unix 秒时间戳。
func LoginTimestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// RESTTimestamp REST 请求头使用的 ISO8601 毫秒时间戳。
func RESTTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
