/*
 * @module service/pipeline_service
 * @description 管线门面,按 抽取 -> 合并 -> 下载 -> 核对 -> 报告 的顺序编排一次完整刷新运行,同时为各阶段命令提供独立入口
 * @architecture 分层架构 - 业务服务层
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 配置装配 -> 数据源抽取 -> 规范映射合并 -> 资料库下载 -> 差异核对 -> 摘要与指标落盘
 * @rules 单一数据源不可用记错误事件后继续;只有结构性前置错误(脏输出目录、缺失必备输入)中止运行
 * @dependencies cdehub-service/client, cdehub-service/service/config, cdehub-service/service/extractor, cdehub-service/service/merger, cdehub-service/service/downloader
 * @refs main.go, service/verify, service/reporter
 */

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cdehub-service/client"
	"cdehub-service/service/config"
	"cdehub-service/service/downloader"
	"cdehub-service/service/event"
	"cdehub-service/service/extractor"
	"cdehub-service/service/merger"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
	"cdehub-service/service/reporter"
	"cdehub-service/service/verify"
)

// 中间产物文件名
const (
	mappingFileName      = "mapping.csv"
	eventLogFileName     = "events.jsonl"
	verifyReportFileName = "verification.csv"
)

// PipelineService 管线服务,持有配置与整次运行共用的事件流
type PipelineService struct {
	cfg    *config.Config
	events *event.MemorySink
	sink   event.Sink
}

// NewPipelineService 创建管线服务实例
func NewPipelineService(cfg *config.Config) *PipelineService {
	events := event.NewMemorySink()
	return &PipelineService{cfg: cfg, events: events, sink: events}
}

// AttachEventLog 在内存事件流之外同时把事件逐条落盘到 JSONL 文件
// 分阶段调用时事件借此跨进程保留,report 阶段再从文件回读
func (s *PipelineService) AttachEventLog(path string) (detach func() error, err error) {
	fileSink, err := event.NewFileSink(path)
	if err != nil {
		return nil, err
	}
	s.sink = event.NewMultiSink(s.events, fileSink)
	return func() error {
		s.sink = s.events
		return fileSink.Close()
	}, nil
}

// Events 返回本次进程内收集到的全部事件
func (s *PipelineService) Events() []models.LogEvent {
	return s.events.Events()
}

// RunInputs 全流程运行的输入文件与目录
type RunInputs struct {
	DictionaryDir     string // 数据字典导出目录,留空跳过该数据源
	TeamExportPath    string // 团队导出文件,留空跳过该数据源
	MDSSnapshotPath   string // 元数据服务快照文件,留空改走 HTTP 服务
	CRFLookupPath     string // CRF 标识查找表,必填
	StudyLookupPath   string // 研究标识查找表,启用团队导出时必填
	MeasureLookupPath string // 量表标识查找表,启用团队导出时必填
	CorrectionsPath   string // 人工修正文件,留空则不应用修正
	WorkDir           string // 中间产物目录:各源关联表、规范映射、事件日志
	OutputDir         string // 下载输出目录
}

func (in *RunInputs) validate() error {
	if in.CRFLookupPath == "" {
		return fmt.Errorf("缺少 CRF 查找表路径")
	}
	if in.WorkDir == "" {
		return fmt.Errorf("缺少中间产物目录")
	}
	if in.OutputDir == "" {
		return fmt.Errorf("缺少下载输出目录")
	}
	if in.TeamExportPath != "" && (in.StudyLookupPath == "" || in.MeasureLookupPath == "") {
		return fmt.Errorf("启用团队导出数据源时必须同时提供研究查找表与量表查找表")
	}
	return nil
}

// RunResult 全流程运行结果汇总
type RunResult struct {
	RecordCount  int               // 全部数据源抽取出的关联记录数
	MappingPath  string            // 规范映射落盘路径
	Report       *models.RunReport // 下载运行报告
	Verification *verify.Result    // 映射与下载目录的核对结果
	Summary      *reporter.Summary // 错误/警告摘要
}

// RunAll 执行一次完整刷新运行
// 单一数据源不可用只记错误事件不中止运行;结构性错误立即返回
func (s *PipelineService) RunAll(ctx context.Context, in RunInputs) (*RunResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	// 脏输出检查提前到运行开头,避免全部抽取完成后才发现无处落盘
	if _, err := os.Stat(downloader.ReportsDir(in.OutputDir)); err == nil {
		return nil, &downloader.DirtyOutputError{Dir: in.OutputDir}
	}
	if err := os.MkdirAll(in.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建中间产物目录失败: %w", err)
	}
	detach, err := s.AttachEventLog(filepath.Join(in.WorkDir, eventLogFileName))
	if err != nil {
		return nil, err
	}
	defer detach()

	slog.Info("管线运行开始", "work_dir", in.WorkDir, "output_dir", in.OutputDir)

	lookup, err := extractor.LoadFormLookup(in.CRFLookupPath)
	if err != nil {
		return nil, fmt.Errorf("加载 CRF 查找表失败: %w", err)
	}

	extractors, err := s.buildExtractors(in, lookup)
	if err != nil {
		return nil, err
	}

	var records []models.AssociationRecord
	for _, ext := range extractors {
		sourceRecords, err := ext.Extract(ctx)
		if err != nil {
			var unavailable *extractor.SourceUnavailableError
			if errors.As(err, &unavailable) {
				// 该源已记错误事件,其余数据源继续
				continue
			}
			return nil, err
		}
		outPath := filepath.Join(in.WorkDir, fmt.Sprintf("associations_%s.csv", ext.Name()))
		if err := extractor.WriteRecords(outPath, sourceRecords); err != nil {
			return nil, err
		}
		records = append(records, sourceRecords...)
	}

	var corrections []models.CorrectionEntry
	if in.CorrectionsPath != "" {
		corrections, err = merger.LoadCorrections(in.CorrectionsPath, s.sink)
		if err != nil {
			return nil, err
		}
	}

	mapping := merger.NewMerger(s.cfg.SourcePrecedence(), s.sink).Merge(records, corrections)
	mappingPath := filepath.Join(in.WorkDir, mappingFileName)
	if err := merger.WriteMapping(mappingPath, mapping); err != nil {
		return nil, err
	}

	report, err := s.newDownloader().Run(ctx, mapping, in.OutputDir)
	if err != nil {
		return nil, err
	}

	verifier := verify.NewVerifier(s.sink)
	verification, err := verifier.Verify(mapping, in.OutputDir)
	if err != nil {
		return nil, err
	}
	reportsDir := downloader.ReportsDir(in.OutputDir)
	if err := verifier.WriteReport(filepath.Join(reportsDir, verifyReportFileName), verification); err != nil {
		return nil, err
	}

	rep := reporter.NewReporter(reportsDir)
	summary := rep.Summarize(s.events.Events())
	if err := rep.WriteSummaries(summary); err != nil {
		return nil, err
	}
	if err := rep.WriteMetrics(s.events.Events(), report); err != nil {
		return nil, err
	}

	slog.Info("管线运行结束",
		"records", len(records),
		"entries", mapping.EntryCount(),
		"done", report.DoneCount,
		"failed", report.FailedCount,
		"skipped", report.SkippedCount,
		"errors", len(summary.Errors),
		"warnings", len(summary.Warnings))
	return &RunResult{
		RecordCount:  len(records),
		MappingPath:  mappingPath,
		Report:       report,
		Verification: verification,
		Summary:      summary,
	}, nil
}

// buildExtractors 按输入装配启用的数据源提取器,保持默认优先级对应的顺序
func (s *PipelineService) buildExtractors(in RunInputs, lookup *extractor.FormLookup) ([]extractor.Extractor, error) {
	var extractors []extractor.Extractor

	if in.DictionaryDir != "" {
		extractors = append(extractors, extractor.NewDictionaryExtractor(in.DictionaryDir, lookup, s.sink))
	} else {
		event.Warnf(s.sink, meta.ComponentPipeline, "未配置数据字典导出目录,跳过数据源 %s", meta.SourceDictionaryExport)
	}

	if in.TeamExportPath != "" {
		studyLookup, err := extractor.LoadStudyLookup(in.StudyLookupPath)
		if err != nil {
			return nil, fmt.Errorf("加载研究查找表失败: %w", err)
		}
		measureLookup, err := extractor.LoadMeasureLookup(in.MeasureLookupPath)
		if err != nil {
			return nil, fmt.Errorf("加载量表查找表失败: %w", err)
		}
		extractors = append(extractors, extractor.NewTeamExportExtractor(in.TeamExportPath, studyLookup, measureLookup, s.sink))
	} else {
		event.Warnf(s.sink, meta.ComponentPipeline, "未配置团队导出文件,跳过数据源 %s", meta.SourceTeamExport)
	}

	extractors = append(extractors, s.newMetadataExtractor(in.MDSSnapshotPath, lookup))
	return extractors, nil
}

// newMetadataExtractor 装配元数据服务提取器,给定快照路径时不建 HTTP 客户端
func (s *PipelineService) newMetadataExtractor(snapshotPath string, lookup *extractor.FormLookup) *extractor.MetadataExtractor {
	var mdsClient client.MetadataAPIClient
	if snapshotPath == "" {
		mdsClient = client.NewHTTPMetadataClient(s.cfg.Metadata.BaseURL, s.cfg.MetadataTimeout())
	}
	ext := extractor.NewMetadataExtractor(mdsClient, lookup, s.cfg.Metadata.PageLimit, s.cfg.Metadata.CRFField, s.cfg.Metadata.StudyField, s.sink)
	if snapshotPath != "" {
		ext = ext.WithSnapshot(snapshotPath)
	}
	return ext
}

// newDownloader 按配置装配下载器
func (s *PipelineService) newDownloader() *downloader.Downloader {
	repo := client.NewHTTPRepositoryClient(s.cfg.Repository.CatalogURL, s.cfg.Repository.BaseURL, s.cfg.RepositoryTimeout())
	return downloader.NewDownloader(repo, downloader.Options{
		Workers:          s.cfg.Download.Workers,
		MaxAttempts:      s.cfg.Download.MaxAttempts,
		RetryBaseDelay:   s.cfg.RetryBaseDelay(),
		MinArtifactBytes: s.cfg.Download.MinArtifactBytes,
		MIMETypes:        s.cfg.Download.MIMETypes,
	}, s.sink)
}

// runExtractor 执行单个提取器并把记录写入 outPath
// 阶段命令独立调用时数据源不可用视为该命令失败,由调用方决定进程退出码
func (s *PipelineService) runExtractor(ctx context.Context, ext extractor.Extractor, outPath string) (int, error) {
	records, err := ext.Extract(ctx)
	if err != nil {
		return 0, err
	}
	if err := extractor.WriteRecords(outPath, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// ExtractDictionary 单独运行数据字典导出抽取
func (s *PipelineService) ExtractDictionary(ctx context.Context, inputDir, crfLookupPath, outPath string) (int, error) {
	lookup, err := extractor.LoadFormLookup(crfLookupPath)
	if err != nil {
		return 0, fmt.Errorf("加载 CRF 查找表失败: %w", err)
	}
	return s.runExtractor(ctx, extractor.NewDictionaryExtractor(inputDir, lookup, s.sink), outPath)
}

// ExtractTeam 单独运行团队导出抽取
func (s *PipelineService) ExtractTeam(ctx context.Context, inputPath, studyLookupPath, measureLookupPath, outPath string) (int, error) {
	studyLookup, err := extractor.LoadStudyLookup(studyLookupPath)
	if err != nil {
		return 0, fmt.Errorf("加载研究查找表失败: %w", err)
	}
	measureLookup, err := extractor.LoadMeasureLookup(measureLookupPath)
	if err != nil {
		return 0, fmt.Errorf("加载量表查找表失败: %w", err)
	}
	return s.runExtractor(ctx, extractor.NewTeamExportExtractor(inputPath, studyLookup, measureLookup, s.sink), outPath)
}

// ExtractMDS 单独运行元数据服务抽取,snapshotPath 非空时读快照而不请求服务
func (s *PipelineService) ExtractMDS(ctx context.Context, snapshotPath, crfLookupPath, outPath string) (int, error) {
	lookup, err := extractor.LoadFormLookup(crfLookupPath)
	if err != nil {
		return 0, fmt.Errorf("加载 CRF 查找表失败: %w", err)
	}
	return s.runExtractor(ctx, s.newMetadataExtractor(snapshotPath, lookup), outPath)
}

// MergeFiles 读入多份关联记录文件与可选修正文件,合并后把规范映射写入 outPath
func (s *PipelineService) MergeFiles(recordPaths []string, correctionsPath, outPath string) (*models.CanonicalMapping, error) {
	var records []models.AssociationRecord
	for _, path := range recordPaths {
		fileRecords, err := extractor.ReadRecords(path)
		if err != nil {
			return nil, fmt.Errorf("读取关联记录文件 %s 失败: %w", path, err)
		}
		records = append(records, fileRecords...)
	}
	var corrections []models.CorrectionEntry
	if correctionsPath != "" {
		var err error
		corrections, err = merger.LoadCorrections(correctionsPath, s.sink)
		if err != nil {
			return nil, err
		}
	}
	mapping := merger.NewMerger(s.cfg.SourcePrecedence(), s.sink).Merge(records, corrections)
	if err := merger.WriteMapping(outPath, mapping); err != nil {
		return nil, err
	}
	return mapping, nil
}

// Download 读入规范映射并执行下载运行
func (s *PipelineService) Download(ctx context.Context, mappingPath, outputDir string) (*models.RunReport, error) {
	mapping, err := merger.ReadMapping(mappingPath)
	if err != nil {
		return nil, err
	}
	return s.newDownloader().Run(ctx, mapping, outputDir)
}

// VerifyDownloads 核对规范映射与下载目录,reportPath 非空时落盘核对报告
func (s *PipelineService) VerifyDownloads(mappingPath, outputDir, reportPath string) (*verify.Result, error) {
	mapping, err := merger.ReadMapping(mappingPath)
	if err != nil {
		return nil, err
	}
	verifier := verify.NewVerifier(s.sink)
	result, err := verifier.Verify(mapping, outputDir)
	if err != nil {
		return nil, err
	}
	if reportPath != "" {
		if err := verifier.WriteReport(reportPath, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Report 从事件日志文件生成摘要与指标,写入 outputDir 的报告子目录
func (s *PipelineService) Report(eventsPath, outputDir string) (*reporter.Summary, error) {
	events, err := event.ReadEventsFile(eventsPath)
	if err != nil {
		return nil, err
	}
	// 下载未跑完时没有运行报告,摘要与事件计数指标仍可生成
	report, _ := downloader.ReadRunReport(outputDir)

	reportsDir := downloader.ReportsDir(outputDir)
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建报告目录失败: %w", err)
	}
	rep := reporter.NewReporter(reportsDir)
	summary := rep.Summarize(events)
	if err := rep.WriteSummaries(summary); err != nil {
		return nil, err
	}
	if err := rep.WriteMetrics(events, report); err != nil {
		return nil, err
	}
	return summary, nil
}
