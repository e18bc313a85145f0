package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const feishuBaseURL = "https://open.feishu.cn/open-apis"

// NotifierClient sends chat notifications to users via the Feishu Open
// API, addressed by email. Delivery is best-effort; failures are logged
// and never escalate.
type NotifierClient struct {
	BaseURL   string
	AppID     string
	AppSecret string
	Client    *http.Client
	log       *logrus.Entry

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewNotifierClient(appID, appSecret string) *NotifierClient {
	return &NotifierClient{
		BaseURL:   feishuBaseURL,
		AppID:     appID,
		AppSecret: appSecret,
		Client:    &http.Client{Timeout: 10 * time.Second},
		log:       logrus.WithField("component", "notifier"),
	}
}

// Enabled reports whether app credentials are configured at all.
func (n *NotifierClient) Enabled() bool {
	return n.AppID != "" && n.AppSecret != ""
}

// accessToken returns a cached tenant access token, refreshing it when
// within 60 seconds of expiry.
func (n *NotifierClient) accessToken(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.token != "" && time.Now().Before(n.tokenExpiry) {
		return n.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"app_id":     n.AppID,
		"app_secret": n.AppSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.BaseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}
	defer resp.Body.Close()

	var data struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode tenant token: %w", err)
	}
	if data.Code != 0 {
		return "", fmt.Errorf("tenant token: code %d: %s", data.Code, data.Msg)
	}

	n.token = data.TenantAccessToken
	n.tokenExpiry = time.Now().Add(time.Duration(data.Expire)*time.Second - time.Minute)
	return n.token, nil
}

// Notify sends an interactive card to the user identified by email.
func (n *NotifierClient) Notify(ctx context.Context, receiverEmail, title, content string) error {
	if !n.Enabled() {
		n.log.WithField("receiver", receiverEmail).Debug("Notifier not configured, dropping notification")
		return nil
	}

	token, err := n.accessToken(ctx)
	if err != nil {
		return err
	}

	card := map[string]any{
		"config": map[string]any{"wide_screen_mode": true},
		"header": map[string]any{
			"title":    map[string]string{"tag": "plain_text", "content": title},
			"template": "orange",
		},
		"elements": []any{
			map[string]any{
				"tag":  "div",
				"text": map[string]string{"tag": "lark_md", "content": content},
			},
		},
	}
	cardJSON, err := json.Marshal(card)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"receive_id": receiverEmail,
		"msg_type":   "interactive",
		"content":    string(cardJSON),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.BaseURL+"/im/v1/messages?receive_id_type=email", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	var data struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Errorf("decode send response: %w", err)
	}
	if data.Code != 0 {
		return fmt.Errorf("send notification: code %d: %s", data.Code, data.Msg)
	}

	n.log.WithField("receiver", receiverEmail).Info("Sent notification")
	return nil
}
