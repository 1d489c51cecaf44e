/*
 * @module client/repository_client
 * @description CDE 资料库 HTTP 客户端,负责目录导出拉取和文件下载
 * @architecture 客户端层 - 接口加 HTTP 实现,便于测试替换
 * @documentReference ai_docs/repo_download_design.md
 * @stateFlow 拉取目录 CSV -> 调用方解析 -> 按 URL 流式下载文件到目标路径
 * @rules 下载写入调用方给定的路径,原子性(临时文件加改名)由调用方保证
 * @dependencies net/http, io, os
 * @refs service/downloader, mock_repository_server.go
 */

package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// RepositoryAPIClient CDE 资料库访问接口
type RepositoryAPIClient interface {
	// FetchCatalog 拉取目录导出的原始 CSV 内容
	FetchCatalog(ctx context.Context) ([]byte, error)
	// DownloadArtifact 下载一个文件到给定路径,返回写入的字节数
	DownloadArtifact(ctx context.Context, fileURL, destPath string) (int64, error)
}

// HTTPRepositoryClient 基于 HTTP 的资料库客户端
type HTTPRepositoryClient struct {
	catalogURL string
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRepositoryClient 创建资料库客户端
// baseURL 用于补全目录中的相对链接
func NewHTTPRepositoryClient(catalogURL, baseURL string, timeout time.Duration) *HTTPRepositoryClient {
	return &HTTPRepositoryClient{
		catalogURL: catalogURL,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchCatalog 拉取目录导出的原始 CSV 内容
func (c *HTTPRepositoryClient) FetchCatalog(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.catalogURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求资料库目录失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{
			URL:        c.catalogURL,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取资料库目录响应失败: %w", err)
	}
	return data, nil
}

// ResolveURL 补全相对链接
func (c *HTTPRepositoryClient) ResolveURL(fileURL string) string {
	if strings.HasPrefix(fileURL, "/") {
		return c.baseURL + fileURL
	}
	return fileURL
}

// DownloadArtifact 下载一个文件到给定路径
// 流式写入,不在内存中缓存整个文件
func (c *HTTPRepositoryClient) DownloadArtifact(ctx context.Context, fileURL, destPath string) (int64, error) {
	resolved := c.ResolveURL(fileURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return 0, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求文件 %s 失败: %w", resolved, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, &StatusError{
			URL:        resolved,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	file, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("创建目标文件失败: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, resp.Body)
	if err != nil {
		return written, fmt.Errorf("写入文件 %s 失败: %w", destPath, err)
	}
	return written, nil
}
