/*
 * @module service/extractor/extractor
 * @description 数据源提取器公共契约,包括查找表加载、关联记录文件读写和提取器错误类型
 * @architecture 分层架构 - 数据提取层
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 加载查找表 -> 提取器逐源运行 -> 关联记录落盘 -> 合并器消费
 * @rules 查找表键先规范化再比较;行级错误只记事件不中断;输出顺序与输入顺序一致
 * @dependencies cdehub-service/service/models, cdehub-service/service/utils
 * @refs dictionary_export.go, team_export.go, metadata_service.go, service/merger
 */

package extractor

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"cdehub-service/service/meta"
	"cdehub-service/service/models"
	"cdehub-service/service/utils"

	"github.com/spf13/cast"
)

// Extractor 数据源提取器统一契约
// 行级问题通过注入的事件接收器上报,返回的错误代表整个数据源不可用或结构性失败
type Extractor interface {
	Name() meta.SourceTag
	Extract(ctx context.Context) ([]models.AssociationRecord, error)
}

// LookupMissError 连接键在辅助查找表中不存在
type LookupMissError struct {
	Key   string
	Table string
}

// Error 实现 error 接口
func (e *LookupMissError) Error() string {
	return fmt.Sprintf("查找表 %s 中不存在键: %q", e.Table, e.Key)
}

// SourceUnavailableError 某个数据源整体不可用,该源不产出任何记录,运行继续
type SourceUnavailableError struct {
	Source meta.SourceTag
	Cause  error
}

// Error 实现 error 接口
func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("数据源 %s 不可用: %v", e.Source, e.Cause)
}

// Unwrap 返回底层错误
func (e *SourceUnavailableError) Unwrap() error {
	return e.Cause
}

// FormLookup CRF 标识查找表,双向:规范化表单名 -> CRF 标识,CRF 标识 -> 规范化表单名
type FormLookup struct {
	byName map[string]string
	byID   map[string]string
	ids    []string // 保持文件顺序,供确定性遍历
}

// LoadFormLookup 从分隔文件加载 CRF 标识查找表
// 兼容的列名: CRF id / crf_id / heal_crf_id 与 canonical form name / form_name / crf_name
func LoadFormLookup(path string) (*FormLookup, error) {
	table, err := utils.NewTableReader().ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("加载 CRF 查找表失败: %w", err)
	}

	normalizer := utils.NewNormalizer()
	lookup := &FormLookup{
		byName: make(map[string]string),
		byID:   make(map[string]string),
	}
	for i := 0; i < table.Len(); i++ {
		row := table.Row(i)
		id := row.Get("CRF ID", "crf_id", "heal_crf_id")
		name := row.Get("Canonical Form Name", "form_name", "crf_name", "CRF Name")
		normalizedID, err := normalizer.Normalize(id, meta.IdentifierKindCDE)
		if err != nil {
			continue
		}
		normalizedName, err := normalizer.Normalize(name, meta.IdentifierKindForm)
		if err != nil {
			continue
		}
		if _, exists := lookup.byID[normalizedID]; !exists {
			lookup.ids = append(lookup.ids, normalizedID)
		}
		lookup.byName[normalizedName] = normalizedID
		lookup.byID[normalizedID] = normalizedName
	}
	if len(lookup.byID) == 0 {
		return nil, fmt.Errorf("CRF 查找表 %s 没有可用条目", path)
	}
	return lookup, nil
}

// ResolveName 按规范化表单名解析 CRF 标识
func (l *FormLookup) ResolveName(normalizedName string) (string, error) {
	id, ok := l.byName[normalizedName]
	if !ok {
		return "", &LookupMissError{Key: normalizedName, Table: "crf-lookup"}
	}
	return id, nil
}

// ResolveID 按 CRF 标识解析规范化表单名
func (l *FormLookup) ResolveID(crfID string) (string, error) {
	name, ok := l.byID[crfID]
	if !ok {
		return "", &LookupMissError{Key: crfID, Table: "crf-lookup"}
	}
	return name, nil
}

// IDs 返回查找表中全部 CRF 标识,保持文件顺序
func (l *FormLookup) IDs() []string {
	return l.ids
}

// StudyLookup 研究标识查找表,项目编号/研究名 -> HDP 标识
type StudyLookup struct {
	byKey map[string]string
}

// LoadStudyLookup 从分隔文件加载研究标识查找表
// 兼容的列名: Project Number / project_number / study_name 与 HDP_ID / hdp_id
func LoadStudyLookup(path string) (*StudyLookup, error) {
	table, err := utils.NewTableReader().ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("加载研究查找表失败: %w", err)
	}

	normalizer := utils.NewNormalizer()
	lookup := &StudyLookup{byKey: make(map[string]string)}
	for i := 0; i < table.Len(); i++ {
		row := table.Row(i)
		key := row.Get("Project Number", "project_number", "Study Name", "study_name")
		hdpID := row.Get("HDP_ID", "hdp_id", "HDP IDs")
		normalizedKey, err := normalizer.Normalize(key, meta.IdentifierKindStudy)
		if err != nil {
			continue
		}
		normalizedID, err := normalizer.Normalize(hdpID, meta.IdentifierKindStudy)
		if err != nil {
			continue
		}
		lookup.byKey[normalizedKey] = normalizedID
	}
	if len(lookup.byKey) == 0 {
		return nil, fmt.Errorf("研究查找表 %s 没有可用条目", path)
	}
	return lookup, nil
}

// Resolve 按规范化项目编号解析 HDP 标识
func (l *StudyLookup) Resolve(normalizedKey string) (string, error) {
	id, ok := l.byKey[normalizedKey]
	if !ok {
		return "", &LookupMissError{Key: normalizedKey, Table: "study-lookup"}
	}
	return id, nil
}

// MeasureLookup 量表名称查找表,规范化量表名 -> CDE 标识
type MeasureLookup struct {
	byName map[string]string
}

// LoadMeasureLookup 从分隔文件加载量表名称查找表
// 兼容的列名: Measure Name / measure_name 与 CDE ID / cde_id / heal_cde_id / heal_crf_id
func LoadMeasureLookup(path string) (*MeasureLookup, error) {
	table, err := utils.NewTableReader().ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("加载量表查找表失败: %w", err)
	}

	normalizer := utils.NewNormalizer()
	lookup := &MeasureLookup{byName: make(map[string]string)}
	for i := 0; i < table.Len(); i++ {
		row := table.Row(i)
		name := row.Get("Measure Name", "measure_name")
		cdeID := row.Get("CDE ID", "cde_id", "heal_cde_id", "heal_crf_id")
		normalizedName, err := normalizer.Normalize(name, meta.IdentifierKindForm)
		if err != nil {
			continue
		}
		normalizedID, err := normalizer.Normalize(cdeID, meta.IdentifierKindCDE)
		if err != nil {
			continue
		}
		lookup.byName[normalizedName] = normalizedID
	}
	if len(lookup.byName) == 0 {
		return nil, fmt.Errorf("量表查找表 %s 没有可用条目", path)
	}
	return lookup, nil
}

// Resolve 按规范化量表名解析 CDE 标识
func (l *MeasureLookup) Resolve(normalizedName string) (string, error) {
	id, ok := l.byName[normalizedName]
	if !ok {
		return "", &LookupMissError{Key: normalizedName, Table: "measure-lookup"}
	}
	return id, nil
}

// 关联记录文件的固定列序
var recordColumns = []string{"study_id", "form_id", "cde_id", "source_tag", "raw_row_ref", "exclusive"}

// WriteRecords 将关联记录写入分隔文件,列序固定,供合并阶段消费
func WriteRecords(path string, records []models.AssociationRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建关联记录文件失败: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(recordColumns); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}
	for _, record := range records {
		row := []string{
			record.StudyID,
			record.FormID,
			record.CDEID,
			string(record.SourceTag),
			record.RawRowRef,
			cast.ToString(record.Exclusive),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("写入关联记录失败: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("刷新关联记录文件失败: %w", err)
	}
	return nil
}

// ReadRecords 从分隔文件读取关联记录,保持文件顺序
func ReadRecords(path string) ([]models.AssociationRecord, error) {
	table, err := utils.NewTableReader().ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取关联记录文件失败: %w", err)
	}

	var records []models.AssociationRecord
	for i := 0; i < table.Len(); i++ {
		row := table.Row(i)
		records = append(records, models.AssociationRecord{
			StudyID:   row.Get("study_id"),
			FormID:    row.Get("form_id"),
			CDEID:     row.Get("cde_id"),
			SourceTag: meta.SourceTag(row.Get("source_tag")),
			RawRowRef: row.Get("raw_row_ref"),
			Exclusive: cast.ToBool(row.Get("exclusive")),
		})
	}
	return records, nil
}
