/*
 * @module client/mock_repository_server
 * @description 模拟 CDE 资料库服务器,提供目录 CSV 导出和文件下载,用于单元测试
 * @architecture 测试辅助工具 - HTTP服务器模拟
 * @documentReference ai_docs/repo_download_design.md
 * @stateFlow 启动服务器 -> 提供目录 -> 提供文件 -> 按配置注入故障或近空响应
 * @rules 每个路径的请求次数可查询,供恢复性测试断言零新增下载
 * @dependencies net/http/httptest, github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs repository_client.go, service/downloader
 */

package client

import (
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// MockRepositoryServer 模拟 CDE 资料库服务器
type MockRepositoryServer struct {
	server     *httptest.Server
	mu         sync.Mutex
	catalogCSV string
	files      map[string][]byte
	failures   map[string]int // 文件名 -> 剩余 500 次数
	nearEmpty  map[string]int // 文件名 -> 剩余近空响应次数
	hits       map[string]int // 文件名 -> 请求次数
}

// NewMockRepositoryServer 创建并启动模拟资料库服务器
func NewMockRepositoryServer() *MockRepositoryServer {
	mock := &MockRepositoryServer{
		files:     make(map[string][]byte),
		failures:  make(map[string]int),
		nearEmpty: make(map[string]int),
		hits:      make(map[string]int),
	}

	router := chi.NewRouter()
	router.Get("/catalog", mock.handleCatalog)
	router.Get("/files/{filename}", mock.handleFile)
	mock.server = httptest.NewServer(router)

	return mock
}

// CatalogURL 返回目录导出地址
func (m *MockRepositoryServer) CatalogURL() string {
	return m.server.URL + "/catalog"
}

// BaseURL 返回服务器根地址,用于补全相对链接
func (m *MockRepositoryServer) BaseURL() string {
	return m.server.URL
}

// FileURL 返回某个文件的完整下载地址
func (m *MockRepositoryServer) FileURL(filename string) string {
	return m.server.URL + "/files/" + filename
}

// Close 关闭服务器
func (m *MockRepositoryServer) Close() {
	m.server.Close()
}

// SetCatalog 设置目录 CSV 内容
func (m *MockRepositoryServer) SetCatalog(csv string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogCSV = csv
}

// AddFile 添加一个可下载文件
func (m *MockRepositoryServer) AddFile(filename string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filename] = content
}

// FailNext 让某个文件接下来 n 次请求返回 500
func (m *MockRepositoryServer) FailNext(filename string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[filename] = n
}

// ServeNearEmpty 让某个文件接下来 n 次请求返回近空内容
func (m *MockRepositoryServer) ServeNearEmpty(filename string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nearEmpty[filename] = n
}

// Hits 返回某个文件的累计请求次数
func (m *MockRepositoryServer) Hits(filename string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[filename]
}

// CatalogHits 返回目录的累计请求次数
func (m *MockRepositoryServer) CatalogHits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits["<catalog>"]
}

// handleCatalog 提供目录 CSV 导出
func (m *MockRepositoryServer) handleCatalog(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.hits["<catalog>"]++
	csv := m.catalogCSV
	m.mu.Unlock()

	render.PlainText(w, r, csv)
}

// handleFile 提供文件下载,按配置注入故障
func (m *MockRepositoryServer) handleFile(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	m.mu.Lock()
	m.hits[filename]++
	if m.failures[filename] > 0 {
		m.failures[filename]--
		m.mu.Unlock()
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "temporary failure"})
		return
	}
	if m.nearEmpty[filename] > 0 {
		m.nearEmpty[filename]--
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("x"))
		return
	}
	content, exists := m.files[filename]
	m.mu.Unlock()

	if !exists {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "file not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(content)
}
