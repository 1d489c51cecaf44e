/*
 * @module client/mock_metadata_server
 * @description 模拟元数据服务(MDS),用于单元测试和本地联调
 * @architecture 测试辅助工具 - HTTP服务器模拟
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 启动服务器 -> 处理分页查询 -> 按配置注入故障
 * @rules 分页顺序确定,同样的记录集合分页结果可复现;故障注入只影响配置的次数
 * @dependencies net/http/httptest, github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs metadata_client.go, service/extractor/metadata_service.go
 */

package client

import (
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/spf13/cast"
)

// MockMetadataServer 模拟元数据服务
type MockMetadataServer struct {
	server       *httptest.Server
	mu           sync.RWMutex
	records      map[string]MetadataRecord
	order        []string // 记录插入顺序,保证分页确定性
	failCount    int
	requestCount int
}

// NewMockMetadataServer 创建并启动模拟元数据服务
func NewMockMetadataServer() *MockMetadataServer {
	mock := &MockMetadataServer{
		records: make(map[string]MetadataRecord),
	}

	router := chi.NewRouter()
	router.Get("/metadata", mock.handleList)
	mock.server = httptest.NewServer(router)

	return mock
}

// URL 返回元数据接口地址,可直接作为客户端的 baseURL
func (m *MockMetadataServer) URL() string {
	return m.server.URL + "/metadata"
}

// Close 关闭服务器
func (m *MockMetadataServer) Close() {
	m.server.Close()
}

// AddRecord 添加一条元数据记录
func (m *MockMetadataServer) AddRecord(guid string, record MetadataRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[guid]; !exists {
		m.order = append(m.order, guid)
	}
	m.records[guid] = record
}

// FailNext 让接下来 n 个请求返回 500
func (m *MockMetadataServer) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = n
}

// RequestCount 返回累计收到的请求数
func (m *MockMetadataServer) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// handleList 处理分页查询
func (m *MockMetadataServer) handleList(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requestCount++
	if m.failCount > 0 {
		m.failCount--
		m.mu.Unlock()
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "internal error"})
		return
	}

	limit := cast.ToInt(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	offset := cast.ToInt(r.URL.Query().Get("offset"))

	page := make(map[string]MetadataRecord)
	if offset < len(m.order) {
		end := offset + limit
		if end > len(m.order) {
			end = len(m.order)
		}
		for _, guid := range m.order[offset:end] {
			page[guid] = m.records[guid]
		}
	}
	m.mu.Unlock()

	render.JSON(w, r, page)
}
