package getui

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"yuim/im-realtime/pkg/push"
)

// Provider implements GeTui RestAPI v2.
//
// Token:
//
//	POST BaseUrl/{appId}/auth with JSON body {sign,timestamp,appkey}
//
// Push (CID single):
//
//	POST BaseUrl/{appId}/push/single/cid with header token: <token>
//
// The notification is sent as a transmission (silent) message; the client wakes up
// and fetches its queue over the realtime connection.
type Provider struct {
	cfg          push.GeTuiSettings
	httpClient   *http.Client
	unregistered map[int]bool

	mu       sync.Mutex
	token    string
	expireAt time.Time
}

func New(cfg push.GeTuiSettings) *Provider {
	c := cfg
	if c.BaseURL == "" {
		c.BaseURL = "https://restapi.getui.com/v2"
	}
	if c.TTLMillis <= 0 {
		c.TTLMillis = 2 * 60 * 60 * 1000
	}
	unreg := make(map[int]bool, len(c.UnregisteredCodes))
	for _, code := range c.UnregisteredCodes {
		unreg[code] = true
	}
	return &Provider{
		cfg:          c,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		unregistered: unreg,
	}
}

func (p *Provider) Type() string { return "getui" }

func (p *Provider) Push(ctx context.Context, n push.Notification) (push.Result, error) {
	if p.cfg.AppID == "" || p.cfg.AppKey == "" || p.cfg.MasterSecret == "" {
		return push.Result{Provider: p.Type(), At: time.Now(), ErrorCode: "not_configured"}, push.ErrNotConfigured
	}
	if n.Token == "" {
		return push.Result{Provider: p.Type(), At: time.Now(), ErrorCode: "missing_token"}, push.ErrInvalidArgument
	}

	tok, err := p.getToken(ctx)
	if err != nil {
		return push.Result{Provider: p.Type(), At: time.Now(), ErrorCode: "auth"}, err
	}

	transmission := map[string]string{"type": string(n.Type)}
	for k, v := range n.Data {
		transmission[k] = v
	}
	tb, _ := json.Marshal(transmission)

	reqBody := map[string]any{
		"request_id": strconv.FormatInt(time.Now().UnixNano(), 10),
		"settings": map[string]any{
			"ttl": p.cfg.TTLMillis,
		},
		"audience": map[string]any{
			"cid": []string{n.Token},
		},
		"push_message": map[string]any{
			"transmission": string(tb),
		},
	}
	if n.Urgent {
		reqBody["settings"].(map[string]any)["strategy"] = map[string]any{"default": 1}
	}

	b, _ := json.Marshal(reqBody)
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/" + p.cfg.AppID + "/push/single/cid"
	hreq, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	hreq.Header.Set("Content-Type", "application/json;charset=utf-8")
	hreq.Header.Set("token", tok)

	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		return push.Result{Provider: p.Type(), At: time.Now(), ErrorCode: "transport"}, err
	}
	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(resp.Body)
	bodyStr := string(bodyBytes)

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("getui: http %d: %s", resp.StatusCode, bodyStr)
		return push.Result{Provider: p.Type(), At: time.Now(), Body: bodyStr, ErrorCode: "http_" + strconv.Itoa(resp.StatusCode)}, err
	}

	// {code,msg,data:{taskid:{cid:status}}}
	var r struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &r); err != nil {
		return push.Result{Provider: p.Type(), At: time.Now(), Body: bodyStr, ErrorCode: "decode"}, err
	}
	now := time.Now()
	res := push.Result{Accepted: r.Code == 0, Provider: p.Type(), At: now, Body: bodyStr}
	if r.Code == 0 {
		return res, nil
	}
	res.ErrorCode = strconv.Itoa(r.Code)
	if p.unregistered[r.Code] {
		res.Unregistered = true
		res.UnregisteredAt = now
	}
	return res, fmt.Errorf("getui: code=%d msg=%s", r.Code, r.Msg)
}

func (p *Provider) getToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && time.Now().Before(p.expireAt.Add(-2*time.Minute)) {
		t := p.token
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sign := sha256Hex(p.cfg.AppKey + timestamp + p.cfg.MasterSecret)
	payload := map[string]string{
		"sign":      sign,
		"timestamp": timestamp,
		"appkey":    p.cfg.AppKey,
	}
	b, _ := json.Marshal(payload)
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/" + p.cfg.AppID + "/auth"
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json;charset=utf-8")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("getui auth: http %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var r struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			ExpireTime string `json:"expire_time"`
			Token      string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &r); err != nil {
		return "", err
	}
	if r.Code != 0 || r.Data.Token == "" {
		if r.Code == 0 {
			return "", errors.New("getui auth: empty token")
		}
		return "", fmt.Errorf("getui auth: code=%d msg=%s", r.Code, r.Msg)
	}

	exp := time.Now().Add(23 * time.Hour)
	if ms, err := strconv.ParseInt(strings.TrimSpace(r.Data.ExpireTime), 10, 64); err == nil && ms > 0 {
		exp = time.UnixMilli(ms)
	}

	p.mu.Lock()
	p.token = r.Data.Token
	p.expireAt = exp
	p.mu.Unlock()

	return r.Data.Token, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
