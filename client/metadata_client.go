/*
 * @module client/metadata_client
 * @description 元数据服务(MDS)HTTP 客户端,分页拉取研究元数据记录
 * @architecture 客户端层 - 接口加 HTTP 实现,便于测试替换
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 构造请求 -> 发送 -> 状态码检查 -> JSON 解码 -> 返回记录页
 * @rules 记录结构视为不透明,字段提取由调用方负责;分页参数由调用方控制
 * @dependencies net/http, encoding/json, github.com/spf13/cast
 * @refs service/extractor/metadata_service.go, mock_metadata_server.go
 */

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cast"
)

// MetadataRecord 元数据服务返回的单条记录,结构不透明
type MetadataRecord map[string]interface{}

// MetadataAPIClient 元数据服务访问接口
type MetadataAPIClient interface {
	// FetchPage 拉取一页记录,返回 guid -> 记录 的映射
	FetchPage(ctx context.Context, limit, offset int) (map[string]MetadataRecord, error)
}

// HTTPMetadataClient 基于 HTTP 的元数据服务客户端
type HTTPMetadataClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPMetadataClient 创建元数据服务客户端
func NewHTTPMetadataClient(baseURL string, timeout time.Duration) *HTTPMetadataClient {
	return &HTTPMetadataClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchPage 拉取一页元数据记录
func (c *HTTPMetadataClient) FetchPage(ctx context.Context, limit, offset int) (map[string]MetadataRecord, error) {
	params := url.Values{}
	params.Set("data", "True")
	params.Set("limit", cast.ToString(limit))
	params.Set("offset", cast.ToString(offset))

	requestURL := c.baseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求元数据服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{
			URL:        requestURL,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	var page map[string]MetadataRecord
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("解码元数据服务响应失败: %w", err)
	}
	return page, nil
}

// StatusError 上游服务返回的非 200 状态
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

// Error 实现 error 接口
func (e *StatusError) Error() string {
	return fmt.Sprintf("上游返回状态 %d: %s", e.StatusCode, e.URL)
}

// Transient 判断该状态是否为瞬时故障,可重试
// 5xx 和限流视为瞬时,其余 4xx 视为永久失败
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}
