package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

const defaultTelegramURL = "https://api.telegram.org"

// ErrNoChat 尚未得知要发送的会话 ID（未配置且未收到 /start）。
var ErrNoChat = errors.New("telegram chat id unknown")

// TelegramClient Bot API 的最小客户端：sendMessage 与 getUpdates。
type TelegramClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	chatID atomic.Int64
}

func NewTelegramClient(token string, chatID int64) *TelegramClient {
	c := &TelegramClient{
		BaseURL:    defaultTelegramURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 40 * time.Second},
	}
	c.chatID.Store(chatID)
	return c
}

// ChatID 当前会话 ID，0 表示未知。
func (c *TelegramClient) ChatID() int64 {
	return c.chatID.Load()
}

// SetChatID 记录会话 ID（收到授权用户的 /start 时）。
func (c *TelegramClient) SetChatID(id int64) {
	c.chatID.Store(id)
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// TelegramUpdate getUpdates 返回的单条更新。
type TelegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message"`
}

// TelegramMessage 消息体。
type TelegramMessage struct {
	MessageID int64 `json:"message_id"`
	From      struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

// SendMessage 向当前会话发送文本。
func (c *TelegramClient) SendMessage(ctx context.Context, text string) error {
	return c.SendTo(ctx, c.ChatID(), text)
}

// SendTo 向指定会话发送文本。
func (c *TelegramClient) SendTo(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 {
		return ErrNoChat
	}
	body, err := json.Marshal(map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req)
	return err
}

// GetUpdates 长轮询获取 offset 之后的更新。
func (c *TelegramClient) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]TelegramUpdate, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var updates []TelegramUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

func (c *TelegramClient) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.BaseURL, c.Token, method)
}

func (c *TelegramClient) do(req *http.Request) (json.RawMessage, error) {
	if c.HTTPClient == nil {
		return nil, fmt.Errorf("http client not set")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tr tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("telegram status %d: %w", resp.StatusCode, err)
	}
	if !tr.OK {
		return nil, fmt.Errorf("telegram status %d: %s", resp.StatusCode, tr.Description)
	}
	return tr.Result, nil
}
