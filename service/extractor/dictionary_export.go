/*
 * @module service/extractor/dictionary_export
 * @description 字典导出提取器,遍历各研究的数据字典导出目录,按人工校验列交叉比对 CRF 查找表
 * @architecture 分层架构 - 数据提取层
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 目录遍历 -> 研究元数据侧车解析 -> 逐行人工校验值比对 -> 关联记录产出
 * @rules 人工校验列是单选字段,产出的记录参与排他冲突检测;查找未命中记警告并排除该行
 * @dependencies cdehub-service/service/event, cdehub-service/service/utils, gopkg.in/yaml.v3
 * @refs extractor.go, service/merger
 */

package extractor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
	"cdehub-service/service/utils"

	"gopkg.in/yaml.v3"
)

// 人工校验列中表示无匹配的固定值
const noMatchValue = "no heal crf match"

// DictionaryExtractor 字典导出提取器
// 输入目录布局: <根>/<研究>/CDEs/DD_*.csv 加 <根>/<研究>/vlmd/metadata.yaml 侧车
type DictionaryExtractor struct {
	inputDir   string
	lookup     *FormLookup
	sink       event.Sink
	normalizer *utils.Normalizer
	reader     *utils.TableReader
}

// NewDictionaryExtractor 创建字典导出提取器
func NewDictionaryExtractor(inputDir string, lookup *FormLookup, sink event.Sink) *DictionaryExtractor {
	return &DictionaryExtractor{
		inputDir:   inputDir,
		lookup:     lookup,
		sink:       sink,
		normalizer: utils.NewNormalizer(),
		reader:     utils.NewTableReader(),
	}
}

// Name 返回数据源标签
func (e *DictionaryExtractor) Name() meta.SourceTag {
	return meta.SourceDictionaryExport
}

// studySidecar 研究元数据侧车文件结构
type studySidecar struct {
	Project struct {
		HDPID string `yaml:"HDP_ID"`
	} `yaml:"Project"`
}

// Extract 提取全部字典导出关联记录
// 输出顺序由文件路径排序和文件内行序决定,与并发无关
func (e *DictionaryExtractor) Extract(ctx context.Context) ([]models.AssociationRecord, error) {
	if _, err := os.Stat(e.inputDir); err != nil {
		unavailable := &SourceUnavailableError{Source: e.Name(), Cause: err}
		event.Errorf(e.sink, meta.ComponentDictionaryExtractor, "字典导出目录不可用: %v", err)
		return nil, unavailable
	}

	files, err := e.collectDictionaryFiles()
	if err != nil {
		unavailable := &SourceUnavailableError{Source: e.Name(), Cause: err}
		event.Errorf(e.sink, meta.ComponentDictionaryExtractor, "遍历字典导出目录失败: %v", err)
		return nil, unavailable
	}

	var records []models.AssociationRecord
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("字典导出提取被取消: %w", err)
		}
		fileRecords := e.extractFile(path)
		records = append(records, fileRecords...)
	}

	slog.Info("字典导出提取完成", "files", len(files), "records", len(records))
	event.Infof(e.sink, meta.ComponentDictionaryExtractor, "从 %d 个字典文件提取 %d 条关联记录", len(files), len(records))
	return records, nil
}

// collectDictionaryFiles 收集 CDEs 目录下以 DD_ 开头的字典导出文件,按路径排序
func (e *DictionaryExtractor) collectDictionaryFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(e.inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		base := d.Name()
		if !strings.HasPrefix(base, "DD_") || !strings.EqualFold(filepath.Ext(base), ".csv") {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) != "CDEs" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// extractFile 提取单个字典导出文件的关联记录
func (e *DictionaryExtractor) extractFile(path string) []models.AssociationRecord {
	studyID, err := e.loadStudyID(path)
	if err != nil {
		event.Warnf(e.sink, meta.ComponentDictionaryExtractor, "跳过 %s: %v", filepath.Base(path), err)
		return nil
	}

	table, err := e.reader.ReadFile(path)
	if err != nil {
		event.Warnf(e.sink, meta.ComponentDictionaryExtractor, "跳过无法解析的字典文件 %s: %v", filepath.Base(path), err)
		return nil
	}

	var records []models.AssociationRecord
	for i := 0; i < table.Len(); i++ {
		row := table.Row(i)
		validated := strings.TrimSpace(row.Get("Manual Validation", "manual_validation"))
		if validated == "" {
			continue
		}

		formName, err := e.normalizer.Normalize(validated, meta.IdentifierKindForm)
		if err != nil {
			event.Warnf(e.sink, meta.ComponentDictionaryExtractor, "丢弃 %s: %v", row.Ref(), err)
			continue
		}
		if formName == noMatchValue {
			// 人工校验确认无匹配,不构成关联声明
			continue
		}

		crfID, err := e.lookup.ResolveName(formName)
		if err != nil {
			event.Warnf(e.sink, meta.ComponentDictionaryExtractor, "丢弃 %s: %v", row.Ref(), err)
			continue
		}

		records = append(records, models.AssociationRecord{
			StudyID:   studyID,
			FormID:    formName,
			CDEID:     crfID,
			SourceTag: e.Name(),
			RawRowRef: row.Ref(),
			Exclusive: true,
		})
	}
	return records
}

// loadStudyID 从字典文件上级目录的 vlmd/metadata.yaml 侧车解析研究标识
func (e *DictionaryExtractor) loadStudyID(dictionaryPath string) (string, error) {
	studyRoot := filepath.Dir(filepath.Dir(dictionaryPath))
	sidecarPath := filepath.Join(studyRoot, "vlmd", "metadata.yaml")

	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return "", fmt.Errorf("研究元数据侧车缺失: %w", err)
	}

	var sidecar studySidecar
	if err := yaml.Unmarshal(data, &sidecar); err != nil {
		return "", fmt.Errorf("解析研究元数据侧车失败: %w", err)
	}

	studyID, err := e.normalizer.Normalize(sidecar.Project.HDPID, meta.IdentifierKindStudy)
	if err != nil {
		return "", fmt.Errorf("研究元数据侧车缺少 Project.HDP_ID")
	}
	return studyID, nil
}
