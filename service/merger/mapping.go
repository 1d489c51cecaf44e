/*
 * @module service/merger/mapping
 * @description 规范映射表的落盘与回读,行序和来源序固定,同一映射两次落盘逐字节一致
 * @architecture 分层架构 - 数据访问层
 * @stateFlow 映射展开为有序行 -> 分隔文件落盘;回读时逐行重建正反索引
 * @rules 来源标签以竖线连接;回读后反向索引必须重建
 * @dependencies cdehub-service/service/models, cdehub-service/service/utils
 * @refs merger.go, service/downloader
 */

package merger

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"cdehub-service/service/meta"
	"cdehub-service/service/models"
	"cdehub-service/service/utils"
)

// 规范映射文件的固定列序
var mappingColumns = []string{"study_id", "form_id", "cde_id", "sources"}

// WriteMapping 将规范映射写入分隔文件
// 行按 (研究, 表单, CDE) 升序,来源按标签升序竖线连接
func WriteMapping(path string, mapping *models.CanonicalMapping) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建映射文件失败: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(mappingColumns); err != nil {
		return fmt.Errorf("写入映射表头失败: %w", err)
	}
	for _, row := range mapping.Rows() {
		tags := make([]string, len(row.Sources))
		for i, tag := range row.Sources {
			tags[i] = string(tag)
		}
		record := []string{row.StudyID, row.FormID, row.CDEID, strings.Join(tags, "|")}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入映射行失败: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("刷新映射文件失败: %w", err)
	}
	return nil
}

// ReadMapping 从分隔文件回读规范映射并重建反向索引
func ReadMapping(path string) (*models.CanonicalMapping, error) {
	table, err := utils.NewTableReader().ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取映射文件失败: %w", err)
	}

	mapping := models.NewCanonicalMapping()
	for i := 0; i < table.Len(); i++ {
		row := table.Row(i)
		key := models.MappingKey{StudyID: row.Get("study_id"), FormID: row.Get("form_id")}
		cdeID := row.Get("cde_id")
		if key.StudyID == "" || key.FormID == "" || cdeID == "" {
			return nil, fmt.Errorf("映射文件 %s 行 %s 不完整", path, row.Ref())
		}
		added := 0
		for _, tag := range strings.Split(row.Get("sources"), "|") {
			if tag == "" {
				continue
			}
			mapping.Add(key, cdeID, meta.SourceTag(tag))
			added++
		}
		// 每个三元组必须可追溯到至少一个来源
		if added == 0 {
			return nil, fmt.Errorf("映射文件 %s 行 %s 缺少来源标签", path, row.Ref())
		}
	}
	mapping.RebuildReverse()
	return mapping, nil
}
