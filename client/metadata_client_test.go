/*
 * @module client/metadata_client_test
 * @description 元数据服务客户端单元测试
 * @architecture 测试层 - 基于模拟服务器的集成测试
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 启动模拟服务器 -> 客户端请求 -> 验证分页与故障行为
 * @rules 覆盖正常分页、越界偏移、上游故障和上下文取消
 * @dependencies testing, testify
 * @refs metadata_client.go, mock_metadata_server.go
 */

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchPage(t *testing.T) {
	mock := NewMockMetadataServer()
	defer mock.Close()

	mock.AddRecord("HDP00001", MetadataRecord{"hdp_id": "HDP00001", "heal_crf_ids": []interface{}{"pain-intensity"}})
	mock.AddRecord("HDP00002", MetadataRecord{"hdp_id": "HDP00002"})
	mock.AddRecord("HDP00003", MetadataRecord{"hdp_id": "HDP00003"})

	mdsClient := NewHTTPMetadataClient(mock.URL(), 5*time.Second)

	testCases := []struct {
		name      string
		limit     int
		offset    int
		wantCount int
	}{
		{
			name:      "首页",
			limit:     2,
			offset:    0,
			wantCount: 2,
		},
		{
			name:      "末页不足一页",
			limit:     2,
			offset:    2,
			wantCount: 1,
		},
		{
			name:      "偏移越界返回空页",
			limit:     2,
			offset:    10,
			wantCount: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := mdsClient.FetchPage(context.Background(), tc.limit, tc.offset)
			require.NoError(t, err)
			assert.Len(t, page, tc.wantCount)
		})
	}
}

func TestFetchPageUpstreamFailure(t *testing.T) {
	mock := NewMockMetadataServer()
	defer mock.Close()
	mock.AddRecord("HDP00001", MetadataRecord{"hdp_id": "HDP00001"})

	mdsClient := NewHTTPMetadataClient(mock.URL(), 5*time.Second)

	mock.FailNext(1)
	_, err := mdsClient.FetchPage(context.Background(), 10, 0)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 500, statusErr.StatusCode)
	assert.True(t, statusErr.Transient())

	// 故障注入耗尽后恢复正常
	page, err := mdsClient.FetchPage(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestFetchPageContextCancelled(t *testing.T) {
	mock := NewMockMetadataServer()
	defer mock.Close()

	mdsClient := NewHTTPMetadataClient(mock.URL(), 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mdsClient.FetchPage(ctx, 10, 0)
	assert.Error(t, err)
}

func TestStatusErrorTransient(t *testing.T) {
	testCases := []struct {
		name      string
		code      int
		transient bool
	}{
		{name: "服务器内部错误可重试", code: 500, transient: true},
		{name: "网关超时可重试", code: 504, transient: true},
		{name: "限流可重试", code: 429, transient: true},
		{name: "资源不存在不可重试", code: 404, transient: false},
		{name: "请求非法不可重试", code: 400, transient: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := &StatusError{URL: "http://example.org", StatusCode: tc.code}
			assert.Equal(t, tc.transient, err.Transient())
		})
	}
}
