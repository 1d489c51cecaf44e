/*
 * @module testutil/test_helper
 * @description 测试工具和辅助函数,提供固件文件写入与测试数据工厂
 * @architecture 测试基础设施 - 提供测试通用工具和数据工厂
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 测试环境初始化 -> 固件与测试数据创建 -> 测试执行 -> 临时目录自动清理
 * @rules 提供可重用的测试工具,确保测试环境的一致性
 * @dependencies testify
 * @refs service/models
 */

package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cdehub-service/service/meta"
	"cdehub-service/service/models"
)

// WriteFile 在 dir 下写入相对路径文件并返回完整路径,自动创建父目录
func WriteFile(t *testing.T, dir, relPath, content string) string {
	t.Helper()
	path := filepath.Join(dir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// AssociationOption 关联记录构造选项
type AssociationOption func(*models.AssociationRecord)

// WithSource 指定来源标签
func WithSource(tag meta.SourceTag) AssociationOption {
	return func(r *models.AssociationRecord) {
		r.SourceTag = tag
	}
}

// WithRef 指定原始行定位
func WithRef(ref string) AssociationOption {
	return func(r *models.AssociationRecord) {
		r.RawRowRef = ref
	}
}

// Exclusive 标记为排他断言
func Exclusive() AssociationOption {
	return func(r *models.AssociationRecord) {
		r.Exclusive = true
	}
}

// NewAssociation 构造一条测试用关联记录,默认来源为数据字典导出、非排他
func NewAssociation(studyID, formID, cdeID string, opts ...AssociationOption) models.AssociationRecord {
	record := models.AssociationRecord{
		StudyID:   studyID,
		FormID:    formID,
		CDEID:     cdeID,
		SourceTag: meta.SourceDictionaryExport,
		RawRowRef: "test:1",
	}
	for _, opt := range opts {
		opt(&record)
	}
	return record
}

// MessagesByLevel 过滤出给定级别的事件消息,保持事件顺序
func MessagesByLevel(events []models.LogEvent, level meta.LogLevel) []string {
	var messages []string
	for _, evt := range events {
		if evt.Level == level {
			messages = append(messages, evt.Message)
		}
	}
	return messages
}
