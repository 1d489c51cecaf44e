/*
 * @module service/extractor/team_export
 * @description 团队导出提取器,解析 REDCap 风格的纵向导出表,按记录聚合项目编号与量表名并连接查找表
 * @architecture 分层架构 - 数据提取层
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 行按记录号分组 -> 项目编号/标题唯一性校验 -> 量表名收集 -> 双查找表连接 -> 关联记录产出
 * @rules 每条记录必须恰有一个项目编号和标题,违反时记错误事件并跳过该记录,不中断运行
 * @dependencies cdehub-service/service/event, cdehub-service/service/utils
 * @refs extractor.go, service/merger
 */

package extractor

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
	"cdehub-service/service/utils"
)

// 量表名可能出现的列
var measureNameColumns = []string{"Measure Name", "Name of Measure", "Name of Other Measure"}

// TeamExportExtractor 团队导出提取器
// 该数据源提供研究粒度最细的关联信息
type TeamExportExtractor struct {
	inputPath     string
	studyLookup   *StudyLookup
	measureLookup *MeasureLookup
	sink          event.Sink
	normalizer    *utils.Normalizer
	reader        *utils.TableReader
}

// NewTeamExportExtractor 创建团队导出提取器
func NewTeamExportExtractor(inputPath string, studyLookup *StudyLookup, measureLookup *MeasureLookup, sink event.Sink) *TeamExportExtractor {
	return &TeamExportExtractor{
		inputPath:     inputPath,
		studyLookup:   studyLookup,
		measureLookup: measureLookup,
		sink:          sink,
		normalizer:    utils.NewNormalizer(),
		reader:        utils.NewTableReader(),
	}
}

// Name 返回数据源标签
func (e *TeamExportExtractor) Name() meta.SourceTag {
	return meta.SourceTeamExport
}

// teamRecord 按记录号聚合后的一条团队导出记录
type teamRecord struct {
	recordID      string
	projectNumber string
	projectTitle  string
	measures      []string          // 去重后按字典序排列
	measureRefs   map[string]string // 量表名 -> 首次出现的行定位
	firstRef      string
	valid         bool
}

// Extract 提取全部团队导出关联记录
// 记录顺序按记录号首次出现的顺序,量表按字典序,输出确定
func (e *TeamExportExtractor) Extract(ctx context.Context) ([]models.AssociationRecord, error) {
	table, err := e.reader.ReadFile(e.inputPath)
	if err != nil {
		unavailable := &SourceUnavailableError{Source: e.Name(), Cause: err}
		event.Errorf(e.sink, meta.ComponentTeamExtractor, "团队导出表不可用: %v", err)
		return nil, unavailable
	}

	grouped := e.groupByRecord(table)

	// 同一项目出现多条记录时后者整体覆盖前者,因此先选出胜者再产出
	byProject := make(map[string]*teamRecord)
	var projectOrder []string
	for _, rec := range grouped {
		if !rec.valid {
			continue
		}
		if rec.projectNumber == "" {
			event.Warnf(e.sink, meta.ComponentTeamExtractor, "记录 %s 缺少项目编号,跳过", rec.recordID)
			continue
		}
		if previous, exists := byProject[rec.projectNumber]; exists {
			event.Warnf(e.sink, meta.ComponentTeamExtractor, "项目 %s 出现多条记录(记录 %s 和 %s),后者覆盖前者", rec.projectNumber, previous.recordID, rec.recordID)
		} else {
			projectOrder = append(projectOrder, rec.projectNumber)
		}
		byProject[rec.projectNumber] = rec
	}

	var records []models.AssociationRecord
	for _, projectNumber := range projectOrder {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records = append(records, e.recordAssociations(byProject[projectNumber])...)
	}

	slog.Info("团队导出提取完成", "rows", table.Len(), "records", len(records))
	event.Infof(e.sink, meta.ComponentTeamExtractor, "从 %d 行团队导出提取 %d 条关联记录", table.Len(), len(records))
	return records, nil
}

// groupByRecord 按记录号分组并做记录级结构校验
func (e *TeamExportExtractor) groupByRecord(table *utils.Table) []*teamRecord {
	byID := make(map[string]*teamRecord)
	var order []*teamRecord

	for i := 0; i < table.Len(); i++ {
		row := table.Row(i)
		recordID := strings.TrimSpace(row.Get("Record ID", "record_id"))
		if recordID == "" {
			event.Warnf(e.sink, meta.ComponentTeamExtractor, "丢弃 %s: 缺少记录号", row.Ref())
			continue
		}

		rec, exists := byID[recordID]
		if !exists {
			rec = &teamRecord{
				recordID:    recordID,
				measureRefs: make(map[string]string),
				firstRef:    row.Ref(),
				valid:       true,
			}
			byID[recordID] = rec
			order = append(order, rec)
		}

		// 项目编号在整条记录中必须唯一
		projectNumber := strings.TrimSpace(row.Get("Project Number", "project_number"))
		if projectNumber != "" && !strings.EqualFold(projectNumber, "n/a") {
			if rec.projectNumber != "" && rec.projectNumber != projectNumber {
				event.Errorf(e.sink, meta.ComponentTeamExtractor, "记录 %s 存在多个项目编号(%s 与 %s),跳过该记录", recordID, rec.projectNumber, projectNumber)
				rec.valid = false
			}
			rec.projectNumber = projectNumber
		}

		projectTitle := strings.TrimSpace(row.Get("Project Title", "project_title"))
		if projectTitle != "" {
			if rec.projectTitle != "" && rec.projectTitle != projectTitle {
				event.Errorf(e.sink, meta.ComponentTeamExtractor, "记录 %s 存在多个项目标题,跳过该记录", recordID)
				rec.valid = false
			}
			rec.projectTitle = projectTitle
		}

		for _, column := range measureNameColumns {
			measure := strings.TrimSpace(row.Get(column))
			if measure == "" {
				continue
			}
			if _, seen := rec.measureRefs[measure]; !seen {
				rec.measureRefs[measure] = row.Ref()
				rec.measures = append(rec.measures, measure)
			}
		}
	}

	for _, rec := range order {
		sort.Strings(rec.measures)
	}
	return order
}

// recordAssociations 对一条聚合记录做双查找表连接,产出关联记录
func (e *TeamExportExtractor) recordAssociations(rec *teamRecord) []models.AssociationRecord {
	projectKey, err := e.normalizer.Normalize(rec.projectNumber, meta.IdentifierKindStudy)
	if err != nil {
		event.Warnf(e.sink, meta.ComponentTeamExtractor, "记录 %s 项目编号无法规范化: %v", rec.recordID, err)
		return nil
	}

	studyID, err := e.studyLookup.Resolve(projectKey)
	if err != nil {
		event.Warnf(e.sink, meta.ComponentTeamExtractor, "记录 %s 丢弃: %v", rec.recordID, err)
		return nil
	}

	var records []models.AssociationRecord
	for _, measure := range rec.measures {
		measureName, err := e.normalizer.Normalize(measure, meta.IdentifierKindForm)
		if err != nil {
			event.Warnf(e.sink, meta.ComponentTeamExtractor, "丢弃 %s: %v", rec.measureRefs[measure], err)
			continue
		}

		cdeID, err := e.measureLookup.Resolve(measureName)
		if err != nil {
			event.Warnf(e.sink, meta.ComponentTeamExtractor, "丢弃 %s: %v", rec.measureRefs[measure], err)
			continue
		}

		records = append(records, models.AssociationRecord{
			StudyID:   studyID,
			FormID:    measureName,
			CDEID:     cdeID,
			SourceTag: e.Name(),
			RawRowRef: rec.measureRefs[measure],
			Exclusive: false,
		})
	}
	return records
}
