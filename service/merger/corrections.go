/*
 * @module service/merger/corrections
 * @description 人工修正文件解析,逐行规范化标识并校验动作,非法行记事件跳过,合法行保持文件顺序
 * @architecture 分层架构 - 业务逻辑层
 * @stateFlow 读取分隔文件 -> 逐行规范化 -> 动作校验 -> 按文件顺序返回
 * @rules 修正顺序承载语义,解析绝不重排;行级错误只记事件,文件不可读才返回错误
 * @dependencies cdehub-service/service/event, cdehub-service/service/utils
 * @refs merger.go
 */

package merger

import (
	"fmt"
	"strings"

	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
	"cdehub-service/service/utils"
)

// 修正文件可识别的动作
var validActions = map[meta.CorrectionAction]bool{
	meta.CorrectionActionAdd:     true,
	meta.CorrectionActionRemove:  true,
	meta.CorrectionActionReplace: true,
}

// LoadCorrections 加载人工修正文件,保持文件行序
// 列: study_id, form_id, cde_id, action;非法行记错误事件并跳过
func LoadCorrections(path string, sink event.Sink) ([]models.CorrectionEntry, error) {
	table, err := utils.NewTableReader().ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取修正文件失败: %w", err)
	}

	normalizer := utils.NewNormalizer()
	var entries []models.CorrectionEntry
	for i := 0; i < table.Len(); i++ {
		row := table.Row(i)

		studyID, err := normalizer.Normalize(row.Get("study_id"), meta.IdentifierKindStudy)
		if err != nil {
			event.Errorf(sink, meta.ComponentMerger, "修正行 %s 研究标识非法: %v", row.Ref(), err)
			continue
		}
		formID, err := normalizer.Normalize(row.Get("form_id"), meta.IdentifierKindForm)
		if err != nil {
			event.Errorf(sink, meta.ComponentMerger, "修正行 %s 表单标识非法: %v", row.Ref(), err)
			continue
		}
		cdeID, err := normalizer.Normalize(row.Get("cde_id"), meta.IdentifierKindCDE)
		if err != nil {
			event.Errorf(sink, meta.ComponentMerger, "修正行 %s CDE 标识非法: %v", row.Ref(), err)
			continue
		}

		action := meta.CorrectionAction(strings.ToLower(strings.TrimSpace(row.Get("action"))))
		if !validActions[action] {
			event.Errorf(sink, meta.ComponentMerger, "修正行 %s 动作 %q 无法识别,跳过", row.Ref(), row.Get("action"))
			continue
		}

		entries = append(entries, models.CorrectionEntry{
			StudyID:   studyID,
			FormID:    formID,
			CDEID:     cdeID,
			Action:    action,
			RawRowRef: row.Ref(),
		})
	}
	return entries, nil
}
