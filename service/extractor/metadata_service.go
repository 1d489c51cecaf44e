/*
 * @module service/extractor/metadata_service
 * @description 元数据服务提取器,分页拉取研究元数据,按配置字段取出 CRF 关联并经表单查找表反向解析
 * @architecture 分层架构 - 数据提取层
 * @stateFlow 分页拉取(或读取快照) -> 按 guid 排序 -> 字段抽取 -> CRF 反向查找 -> 关联记录产出
 * @rules 服务不可达视为数据源不可用,记录错误事件后返回 SourceUnavailableError,由调用方决定是否继续
 * @dependencies cdehub-service/client, github.com/spf13/cast
 * @refs extractor.go, client/metadata_client.go
 */

package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"cdehub-service/client"
	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
	"cdehub-service/service/utils"
)

// MetadataExtractor 元数据服务提取器
// snapshotPath 非空时从本地快照读取,不访问网络
type MetadataExtractor struct {
	client       client.MetadataAPIClient
	lookup       *FormLookup
	snapshotPath string
	pageLimit    int
	crfField     string
	studyField   string
	sink         event.Sink
	normalizer   *utils.Normalizer
}

// NewMetadataExtractor 创建元数据服务提取器
func NewMetadataExtractor(apiClient client.MetadataAPIClient, lookup *FormLookup, pageLimit int, crfField, studyField string, sink event.Sink) *MetadataExtractor {
	return &MetadataExtractor{
		client:     apiClient,
		lookup:     lookup,
		pageLimit:  pageLimit,
		crfField:   crfField,
		studyField: studyField,
		sink:       sink,
		normalizer: utils.NewNormalizer(),
	}
}

// WithSnapshot 设置本地快照路径,设置后提取不再访问元数据服务
func (e *MetadataExtractor) WithSnapshot(path string) *MetadataExtractor {
	e.snapshotPath = path
	return e
}

// Name 返回数据源标签
func (e *MetadataExtractor) Name() meta.SourceTag {
	return meta.SourceMetadataService
}

// Extract 提取全部元数据服务关联记录
// 记录按 guid 字典序处理,输出与分页过程无关
func (e *MetadataExtractor) Extract(ctx context.Context) ([]models.AssociationRecord, error) {
	entries, err := e.fetchAll(ctx)
	if err != nil {
		unavailable := &SourceUnavailableError{Source: e.Name(), Cause: err}
		event.Errorf(e.sink, meta.ComponentMetadataExtractor, "元数据服务不可用: %v", err)
		return nil, unavailable
	}

	guids := make([]string, 0, len(entries))
	for guid := range entries {
		guids = append(guids, guid)
	}
	sort.Strings(guids)

	var records []models.AssociationRecord
	linked := 0
	for _, guid := range guids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record := entries[guid]
		crfIDs := stringList(record[e.crfField])
		if len(crfIDs) == 0 {
			continue
		}
		linked++

		studyID := strings.TrimSpace(cast.ToString(record[e.studyField]))
		if studyID == "" {
			studyID = guid
		}
		studyID, err := e.normalizer.Normalize(studyID, meta.IdentifierKindStudy)
		if err != nil {
			event.Warnf(e.sink, meta.ComponentMetadataExtractor, "研究 %s 标识无法规范化: %v", guid, err)
			continue
		}

		for _, rawCRF := range crfIDs {
			crfID, err := e.normalizer.Normalize(rawCRF, meta.IdentifierKindCDE)
			if err != nil {
				event.Warnf(e.sink, meta.ComponentMetadataExtractor, "研究 %s 的 CRF 标识无法规范化: %v", guid, err)
				continue
			}

			formID, err := e.lookup.ResolveID(crfID)
			if err != nil {
				event.Warnf(e.sink, meta.ComponentMetadataExtractor, "研究 %s 引用未知 CRF %s,跳过", guid, crfID)
				continue
			}

			records = append(records, models.AssociationRecord{
				StudyID:   studyID,
				FormID:    formID,
				CDEID:     crfID,
				SourceTag: e.Name(),
				RawRowRef: "mds:" + guid,
				Exclusive: false,
			})
		}
	}

	slog.Info("元数据服务提取完成", "studies", len(entries), "linked", linked, "records", len(records))
	event.Infof(e.sink, meta.ComponentMetadataExtractor, "从 %d 项研究元数据提取 %d 条关联记录", len(entries), len(records))
	return records, nil
}

// fetchAll 拉取全部研究元数据,页长不足即为最后一页
func (e *MetadataExtractor) fetchAll(ctx context.Context) (map[string]client.MetadataRecord, error) {
	if e.snapshotPath != "" {
		return readSnapshot(e.snapshotPath)
	}

	entries := make(map[string]client.MetadataRecord)
	for offset := 0; ; offset += e.pageLimit {
		page, err := e.client.FetchPage(ctx, e.pageLimit, offset)
		if err != nil {
			return nil, fmt.Errorf("拉取元数据第 %d 页失败: %w", offset/e.pageLimit+1, err)
		}
		for guid, record := range page {
			entries[guid] = record
		}
		if len(page) < e.pageLimit {
			break
		}
	}
	return entries, nil
}

// WriteSnapshot 将一次完整拉取落盘为 JSON 快照,供离线提取复用
func WriteSnapshot(path string, entries map[string]client.MetadataRecord) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化元数据快照失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入元数据快照失败: %w", err)
	}
	return nil
}

// readSnapshot 读取本地元数据快照
func readSnapshot(path string) (map[string]client.MetadataRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取元数据快照失败: %w", err)
	}
	var entries map[string]client.MetadataRecord
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("解析元数据快照失败: %w", err)
	}
	return entries, nil
}

// stringList 将元数据字段转为字符串列表
// 兼容 JSON 数组与管道分隔的单字符串两种形态
func stringList(value interface{}) []string {
	if value == nil {
		return nil
	}
	var raw []string
	switch typed := value.(type) {
	case string:
		raw = strings.Split(typed, "|")
	default:
		raw = cast.ToStringSlice(value)
	}
	var out []string
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
