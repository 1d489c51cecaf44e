/*
 * @module service/models/types
 * @description 核心领域模型,包括关联记录、规范映射、人工修正、下载任务、日志事件和运行报告
 * @architecture DDD领域驱动设计 - 实体模型
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 关联记录(不可变) -> 规范映射(合并后只读) -> 下载任务(pending -> done/failed)
 * @rules 规范映射中的每条记录必须可追溯到至少一条关联记录;下载任务状态迁移必须合法
 * @dependencies cdehub-service/service/meta, github.com/google/uuid
 * @refs service/extractor, service/merger, service/downloader
 */

package models

import (
	"fmt"
	"sort"
	"time"

	"cdehub-service/service/meta"

	"github.com/google/uuid"
)

// AssociationRecord 由单一数据源提取的一条 (研究, 表单, CDE) 关联声明
// 提取器产出后不可变,仅由合并器消费
type AssociationRecord struct {
	StudyID   string         `json:"study_id"`
	FormID    string         `json:"form_id"`
	CDEID     string         `json:"cde_id"`
	SourceTag meta.SourceTag `json:"source_tag"`
	RawRowRef string         `json:"raw_row_ref,omitempty"` // 原始行定位,格式为 文件名:行号
	Exclusive bool           `json:"exclusive,omitempty"`   // 来源字段为单选字段时置真,参与冲突检测
}

// MappingKey 规范映射的正向键 (研究, 表单)
type MappingKey struct {
	StudyID string `json:"study_id"`
	FormID  string `json:"form_id"`
}

// MappingRow 规范映射持久化时的一行,即一个 (研究, 表单, CDE) 三元组及其来源
type MappingRow struct {
	StudyID string           `json:"study_id"`
	FormID  string           `json:"form_id"`
	CDEID   string           `json:"cde_id"`
	Sources []meta.SourceTag `json:"sources"`
}

// CanonicalMapping 规范映射表
// 正向索引 (研究, 表单) -> CDE 集合,反向索引 CDE -> (研究, 表单) 集合
// 每个三元组保留支持它的来源标签,保证可追溯性;合并完成后只读
type CanonicalMapping struct {
	forward map[MappingKey]map[string][]meta.SourceTag
	reverse map[string][]MappingKey
}

// NewCanonicalMapping 创建空的规范映射表
func NewCanonicalMapping() *CanonicalMapping {
	return &CanonicalMapping{
		forward: make(map[MappingKey]map[string][]meta.SourceTag),
		reverse: make(map[string][]MappingKey),
	}
}

// Add 向正向索引添加一个三元组并记录来源,重复添加时合并来源标签
func (m *CanonicalMapping) Add(key MappingKey, cdeID string, source meta.SourceTag) {
	cdes, ok := m.forward[key]
	if !ok {
		cdes = make(map[string][]meta.SourceTag)
		m.forward[key] = cdes
	}
	for _, tag := range cdes[cdeID] {
		if tag == source {
			return
		}
	}
	cdes[cdeID] = append(cdes[cdeID], source)
}

// Remove 从正向索引删除一个三元组,无论有多少来源支持
// 返回该三元组此前是否存在
func (m *CanonicalMapping) Remove(key MappingKey, cdeID string) bool {
	cdes, ok := m.forward[key]
	if !ok {
		return false
	}
	if _, exists := cdes[cdeID]; !exists {
		return false
	}
	delete(cdes, cdeID)
	if len(cdes) == 0 {
		delete(m.forward, key)
	}
	return true
}

// RemoveAll 删除一个键下的全部 CDE,返回被删除的 CDE 列表(升序)
func (m *CanonicalMapping) RemoveAll(key MappingKey) []string {
	cdes, ok := m.forward[key]
	if !ok {
		return nil
	}
	removed := make([]string, 0, len(cdes))
	for cdeID := range cdes {
		removed = append(removed, cdeID)
	}
	sort.Strings(removed)
	delete(m.forward, key)
	return removed
}

// CDEs 返回一个键下的 CDE 列表(升序),键不存在时返回空列表
func (m *CanonicalMapping) CDEs(key MappingKey) []string {
	cdes, ok := m.forward[key]
	if !ok {
		return nil
	}
	result := make([]string, 0, len(cdes))
	for cdeID := range cdes {
		result = append(result, cdeID)
	}
	sort.Strings(result)
	return result
}

// Sources 返回支持某个三元组的来源标签列表,保持添加顺序
func (m *CanonicalMapping) Sources(key MappingKey, cdeID string) []meta.SourceTag {
	cdes, ok := m.forward[key]
	if !ok {
		return nil
	}
	return cdes[cdeID]
}

// Has 判断三元组是否存在
func (m *CanonicalMapping) Has(key MappingKey, cdeID string) bool {
	cdes, ok := m.forward[key]
	if !ok {
		return false
	}
	_, exists := cdes[cdeID]
	return exists
}

// Keys 返回全部正向键,按 (研究, 表单) 升序
func (m *CanonicalMapping) Keys() []MappingKey {
	keys := make([]MappingKey, 0, len(m.forward))
	for key := range m.forward {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StudyID != keys[j].StudyID {
			return keys[i].StudyID < keys[j].StudyID
		}
		return keys[i].FormID < keys[j].FormID
	})
	return keys
}

// Rows 按 (研究, 表单, CDE) 升序展开全部三元组,用于持久化和跨运行对比
// 来源标签在行内按升序排列,保证同一映射两次展开逐字节一致
func (m *CanonicalMapping) Rows() []MappingRow {
	var rows []MappingRow
	for _, key := range m.Keys() {
		for _, cdeID := range m.CDEs(key) {
			sources := make([]meta.SourceTag, len(m.forward[key][cdeID]))
			copy(sources, m.forward[key][cdeID])
			sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
			rows = append(rows, MappingRow{
				StudyID: key.StudyID,
				FormID:  key.FormID,
				CDEID:   cdeID,
				Sources: sources,
			})
		}
	}
	return rows
}

// DistinctCDEs 返回映射中出现过的全部 CDE 标识(升序去重),驱动下载任务生成
func (m *CanonicalMapping) DistinctCDEs() []string {
	seen := make(map[string]bool)
	for _, cdes := range m.forward {
		for cdeID := range cdes {
			seen[cdeID] = true
		}
	}
	result := make([]string, 0, len(seen))
	for cdeID := range seen {
		result = append(result, cdeID)
	}
	sort.Strings(result)
	return result
}

// EntryCount 返回三元组总数
func (m *CanonicalMapping) EntryCount() int {
	count := 0
	for _, cdes := range m.forward {
		count += len(cdes)
	}
	return count
}

// RebuildReverse 由正向索引重建反向索引,合并完成后调用一次
func (m *CanonicalMapping) RebuildReverse() {
	m.reverse = make(map[string][]MappingKey)
	for _, key := range m.Keys() {
		for _, cdeID := range m.CDEs(key) {
			m.reverse[cdeID] = append(m.reverse[cdeID], key)
		}
	}
}

// KeysForCDE 反向查询:返回引用某个 CDE 的全部 (研究, 表单) 键
func (m *CanonicalMapping) KeysForCDE(cdeID string) []MappingKey {
	return m.reverse[cdeID]
}

// CorrectionEntry 人工修正条目,最后按文件顺序应用,优先级最高
type CorrectionEntry struct {
	StudyID   string                `json:"study_id"`
	FormID    string                `json:"form_id"`
	CDEID     string                `json:"cde_id"`
	Action    meta.CorrectionAction `json:"action"`
	RawRowRef string                `json:"raw_row_ref,omitempty"`
}

// LogEvent 管线运行期间产生的结构化日志事件,只追加,事后由报告器扫描
type LogEvent struct {
	Level           meta.LogLevel `json:"level"`
	Message         string        `json:"message"`
	SourceComponent string        `json:"source_component"`
	Timestamp       time.Time     `json:"timestamp"`
}

// ArtifactRef 资料库中一个可下载文件的描述
type ArtifactRef struct {
	URL         string   `json:"url"`
	Filename    string   `json:"filename"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Language    string   `json:"lang"`
	MIMEType    string   `json:"mime_type"`
	Categories  []string `json:"categories,omitempty"`
}

// DownloadTask 下载任务,状态机为 pending -> done 或 pending -> failed
// 持久化的完成标记是状态的投影,状态本身由本结构承载
type DownloadTask struct {
	ID        string          `json:"id"`
	CDEID     string          `json:"cde_id"`
	TargetDir string          `json:"target_dir"`
	Artifacts []ArtifactRef   `json:"artifacts"`
	Status    meta.TaskStatus `json:"status"`
	Attempts  int             `json:"attempts"`
	Err       string          `json:"error,omitempty"`
	StartTime *time.Time      `json:"start_time,omitempty"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
}

// NewDownloadTask 创建待执行状态的下载任务
func NewDownloadTask(cdeID, targetDir string, artifacts []ArtifactRef) *DownloadTask {
	return &DownloadTask{
		ID:        uuid.New().String(),
		CDEID:     cdeID,
		TargetDir: targetDir,
		Artifacts: artifacts,
		Status:    meta.TaskStatusPending,
	}
}

// MarkDone 将任务置为完成,仅允许从 pending 迁移
func (t *DownloadTask) MarkDone() error {
	if t.Status != meta.TaskStatusPending {
		return fmt.Errorf("任务 %s 状态非法迁移: %s -> %s", t.ID, t.Status, meta.TaskStatusDone)
	}
	t.Status = meta.TaskStatusDone
	now := time.Now()
	t.EndTime = &now
	return nil
}

// MarkFailed 将任务置为失败并记录错误,仅允许从 pending 迁移
func (t *DownloadTask) MarkFailed(err error) error {
	if t.Status != meta.TaskStatusPending {
		return fmt.Errorf("任务 %s 状态非法迁移: %s -> %s", t.ID, t.Status, meta.TaskStatusFailed)
	}
	t.Status = meta.TaskStatusFailed
	if err != nil {
		t.Err = err.Error()
	}
	now := time.Now()
	t.EndTime = &now
	return nil
}

// RunReport 一次下载运行的聚合报告,同时作为整次运行的完成标记持久化
type RunReport struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	TaskCount    int       `json:"task_count"`
	DoneCount    int       `json:"done_count"`
	FailedCount  int       `json:"failed_count"`
	SkippedCount int       `json:"skipped_count"`
}

// NewRunReport 创建带运行标识的报告
func NewRunReport() *RunReport {
	return &RunReport{
		RunID:     uuid.New().String(),
		StartedAt: time.Now(),
	}
}
