package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"nftmarket/internal/errors"
)

// HTTPBackend IPFS 兼容的 HTTP 上传接口 (POST /api/v0/add)
type HTTPBackend struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// addResponse /api/v0/add 的响应
type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// NewHTTPBackend 创建 HTTP 上传后端
func NewHTTPBackend(endpoint, token string, timeout time.Duration) *HTTPBackend {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (b *HTTPBackend) Name() string {
	return "http"
}

// Add 以 multipart 上传单个文件
func (b *HTTPBackend) Add(ctx context.Context, fileName string, data []byte, mediaType string) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
	if mediaType != "" {
		header.Set("Content-Type", mediaType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("create multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write multipart: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	params := url.Values{}
	params.Set("cid-version", "1")
	params.Set("pin", "true")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/api/v0/add?"+params.Encode(), body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return "", errors.New(errors.CodePayloadTooLarge, "存储服务拒绝了过大的内容").WithComponent("storage")
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out addResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("响应中缺少 Hash 字段")
	}
	return out.Hash, nil
}
