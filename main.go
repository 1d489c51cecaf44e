/*
 * @module main
 * @description cdehub 命令行入口,提供各管线阶段的独立子命令与一键全流程运行
 * @architecture 分层架构 - 命令行接口层
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 配置加载 -> 日志初始化 -> 子命令执行 -> 按错误类型决定退出码
 * @rules 输入输出路径一律显式传参,不做隐式默认;只有结构性前置错误以非零退出
 * @dependencies github.com/spf13/cobra, cdehub-service/service, cdehub-service/service/config, cdehub-service/logger
 * @refs service/pipeline_service.go
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cdehub-service/logger"
	"cdehub-service/service"
	"cdehub-service/service/config"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string

	cfg *config.Config
	svc *service.PipelineService
)

var rootCmd = &cobra.Command{
	Use:           "cdehub",
	Short:         "HEAL CDE 目录批处理管线",
	Long:          "从数据字典导出、团队导出与元数据服务抽取研究-表单-CDE 关联,合并出规范映射,再从 CDE 资料库下载对应工件并核对产出。",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.App.LogLevel = logLevel
		}
		logger.InitLoggerWithLevel(cfg.App.LogLevel)
		svc = service.NewPipelineService(cfg)
		return nil
	},
}

// commandContext 返回响应中断信号的上下文,取消后管线在任务边界停下
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withEventLog 需要时把事件流同时落盘,分阶段调用靠同一份事件日志文件衔接
func withEventLog(path string, fn func() error) error {
	if path == "" {
		return fn()
	}
	detach, err := svc.AttachEventLog(path)
	if err != nil {
		return err
	}
	defer detach()
	return fn()
}

var (
	extractDictInput  string
	extractDictLookup string
	extractDictOut    string
	extractDictEvents string
)

var extractDictCmd = &cobra.Command{
	Use:   "extract-dictionary",
	Short: "从数据字典导出目录抽取关联记录",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		return withEventLog(extractDictEvents, func() error {
			count, err := svc.ExtractDictionary(ctx, extractDictInput, extractDictLookup, extractDictOut)
			if err != nil {
				return err
			}
			fmt.Printf("数据字典导出: %d 条关联记录 -> %s\n", count, extractDictOut)
			return nil
		})
	},
}

var (
	extractTeamInput         string
	extractTeamStudyLookup   string
	extractTeamMeasureLookup string
	extractTeamOut           string
	extractTeamEvents        string
)

var extractTeamCmd = &cobra.Command{
	Use:   "extract-team",
	Short: "从团队导出表抽取关联记录",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		return withEventLog(extractTeamEvents, func() error {
			count, err := svc.ExtractTeam(ctx, extractTeamInput, extractTeamStudyLookup, extractTeamMeasureLookup, extractTeamOut)
			if err != nil {
				return err
			}
			fmt.Printf("团队导出: %d 条关联记录 -> %s\n", count, extractTeamOut)
			return nil
		})
	},
}

var (
	extractMDSSnapshot string
	extractMDSLookup   string
	extractMDSOut      string
	extractMDSEvents   string
)

var extractMDSCmd = &cobra.Command{
	Use:   "extract-mds",
	Short: "从元数据服务(或其快照文件)抽取关联记录",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		return withEventLog(extractMDSEvents, func() error {
			count, err := svc.ExtractMDS(ctx, extractMDSSnapshot, extractMDSLookup, extractMDSOut)
			if err != nil {
				return err
			}
			fmt.Printf("元数据服务: %d 条关联记录 -> %s\n", count, extractMDSOut)
			return nil
		})
	},
}

var (
	mergeRecordFiles []string
	mergeCorrections string
	mergeOut         string
	mergeEvents      string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "合并关联记录文件为规范映射,可叠加人工修正",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventLog(mergeEvents, func() error {
			mapping, err := svc.MergeFiles(mergeRecordFiles, mergeCorrections, mergeOut)
			if err != nil {
				return err
			}
			fmt.Printf("规范映射: %d 条三元组 -> %s\n", mapping.EntryCount(), mergeOut)
			return nil
		})
	},
}

var (
	downloadMapping   string
	downloadOutputDir string
	downloadEvents    string
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "按规范映射从 CDE 资料库下载工件",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		return withEventLog(downloadEvents, func() error {
			report, err := svc.Download(ctx, downloadMapping, downloadOutputDir)
			if err != nil {
				return err
			}
			fmt.Printf("下载运行 %s: %d 个任务, 完成 %d, 失败 %d, 跳过 %d\n",
				report.RunID, report.TaskCount, report.DoneCount, report.FailedCount, report.SkippedCount)
			return nil
		})
	},
}

var (
	verifyMapping   string
	verifyOutputDir string
	verifyReportOut string
	verifyEvents    string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "核对规范映射与下载目录的差异",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventLog(verifyEvents, func() error {
			result, err := svc.VerifyDownloads(verifyMapping, verifyOutputDir, verifyReportOut)
			if err != nil {
				return err
			}
			fmt.Printf("核对: 完整 %d, 缺失 %d, 孤儿 %d, 残缺 %d\n",
				result.OKCount, len(result.Missing), len(result.Orphans), len(result.Incomplete))
			return nil
		})
	},
}

var (
	reportEvents    string
	reportOutputDir string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "从事件日志生成错误/警告摘要与指标快照",
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := svc.Report(reportEvents, reportOutputDir)
		if err != nil {
			return err
		}
		fmt.Printf("摘要: %d 错误, %d 警告, %d 信息\n",
			len(summary.Errors), len(summary.Warnings), summary.Infos)
		return nil
	},
}

var runInputs service.RunInputs

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "执行一次完整刷新运行: 抽取 -> 合并 -> 下载 -> 核对 -> 报告",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		result, err := svc.RunAll(ctx, runInputs)
		if err != nil {
			return err
		}
		fmt.Printf("抽取记录: %d 条\n", result.RecordCount)
		fmt.Printf("规范映射: %s\n", result.MappingPath)
		fmt.Printf("下载任务: 完成 %d, 失败 %d, 跳过 %d\n",
			result.Report.DoneCount, result.Report.FailedCount, result.Report.SkippedCount)
		fmt.Printf("核对: 完整 %d, 缺失 %d, 孤儿 %d, 残缺 %d\n",
			result.Verification.OKCount, len(result.Verification.Missing),
			len(result.Verification.Orphans), len(result.Verification.Incomplete))
		fmt.Printf("事件: %d 错误, %d 警告\n", len(result.Summary.Errors), len(result.Summary.Warnings))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML 配置文件路径,留空只用默认值与环境变量")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别(debug/info/warn/error),覆盖配置文件")

	extractDictCmd.Flags().StringVar(&extractDictInput, "input", "", "数据字典导出目录")
	extractDictCmd.Flags().StringVar(&extractDictLookup, "crf-lookup", "", "CRF 标识查找表文件")
	extractDictCmd.Flags().StringVar(&extractDictOut, "out", "", "关联记录输出文件")
	extractDictCmd.Flags().StringVar(&extractDictEvents, "events", "", "事件日志文件(JSONL, 追加)")
	extractDictCmd.MarkFlagRequired("input")
	extractDictCmd.MarkFlagRequired("crf-lookup")
	extractDictCmd.MarkFlagRequired("out")

	extractTeamCmd.Flags().StringVar(&extractTeamInput, "input", "", "团队导出文件")
	extractTeamCmd.Flags().StringVar(&extractTeamStudyLookup, "study-lookup", "", "研究标识查找表文件")
	extractTeamCmd.Flags().StringVar(&extractTeamMeasureLookup, "measure-lookup", "", "量表标识查找表文件")
	extractTeamCmd.Flags().StringVar(&extractTeamOut, "out", "", "关联记录输出文件")
	extractTeamCmd.Flags().StringVar(&extractTeamEvents, "events", "", "事件日志文件(JSONL, 追加)")
	extractTeamCmd.MarkFlagRequired("input")
	extractTeamCmd.MarkFlagRequired("study-lookup")
	extractTeamCmd.MarkFlagRequired("measure-lookup")
	extractTeamCmd.MarkFlagRequired("out")

	extractMDSCmd.Flags().StringVar(&extractMDSSnapshot, "snapshot", "", "元数据快照文件,留空直连服务")
	extractMDSCmd.Flags().StringVar(&extractMDSLookup, "crf-lookup", "", "CRF 标识查找表文件")
	extractMDSCmd.Flags().StringVar(&extractMDSOut, "out", "", "关联记录输出文件")
	extractMDSCmd.Flags().StringVar(&extractMDSEvents, "events", "", "事件日志文件(JSONL, 追加)")
	extractMDSCmd.MarkFlagRequired("crf-lookup")
	extractMDSCmd.MarkFlagRequired("out")

	mergeCmd.Flags().StringSliceVar(&mergeRecordFiles, "records", nil, "关联记录文件,可重复指定")
	mergeCmd.Flags().StringVar(&mergeCorrections, "corrections", "", "人工修正文件,留空不应用修正")
	mergeCmd.Flags().StringVar(&mergeOut, "out", "", "规范映射输出文件")
	mergeCmd.Flags().StringVar(&mergeEvents, "events", "", "事件日志文件(JSONL, 追加)")
	mergeCmd.MarkFlagRequired("records")
	mergeCmd.MarkFlagRequired("out")

	downloadCmd.Flags().StringVar(&downloadMapping, "mapping", "", "规范映射文件")
	downloadCmd.Flags().StringVar(&downloadOutputDir, "output-dir", "", "下载输出目录")
	downloadCmd.Flags().StringVar(&downloadEvents, "events", "", "事件日志文件(JSONL, 追加)")
	downloadCmd.MarkFlagRequired("mapping")
	downloadCmd.MarkFlagRequired("output-dir")

	verifyCmd.Flags().StringVar(&verifyMapping, "mapping", "", "规范映射文件")
	verifyCmd.Flags().StringVar(&verifyOutputDir, "output-dir", "", "下载输出目录")
	verifyCmd.Flags().StringVar(&verifyReportOut, "report", "", "核对报告输出文件,留空只打印计数")
	verifyCmd.Flags().StringVar(&verifyEvents, "events", "", "事件日志文件(JSONL, 追加)")
	verifyCmd.MarkFlagRequired("mapping")
	verifyCmd.MarkFlagRequired("output-dir")

	reportCmd.Flags().StringVar(&reportEvents, "events", "", "事件日志文件(JSONL)")
	reportCmd.Flags().StringVar(&reportOutputDir, "output-dir", "", "下载输出目录,摘要写入其 reports 子目录")
	reportCmd.MarkFlagRequired("events")
	reportCmd.MarkFlagRequired("output-dir")

	runCmd.Flags().StringVar(&runInputs.DictionaryDir, "dictionary-dir", "", "数据字典导出目录,留空跳过该数据源")
	runCmd.Flags().StringVar(&runInputs.TeamExportPath, "team-export", "", "团队导出文件,留空跳过该数据源")
	runCmd.Flags().StringVar(&runInputs.MDSSnapshotPath, "mds-snapshot", "", "元数据快照文件,留空直连服务")
	runCmd.Flags().StringVar(&runInputs.CRFLookupPath, "crf-lookup", "", "CRF 标识查找表文件")
	runCmd.Flags().StringVar(&runInputs.StudyLookupPath, "study-lookup", "", "研究标识查找表文件")
	runCmd.Flags().StringVar(&runInputs.MeasureLookupPath, "measure-lookup", "", "量表标识查找表文件")
	runCmd.Flags().StringVar(&runInputs.CorrectionsPath, "corrections", "", "人工修正文件,留空不应用修正")
	runCmd.Flags().StringVar(&runInputs.WorkDir, "work-dir", "", "中间产物目录")
	runCmd.Flags().StringVar(&runInputs.OutputDir, "output-dir", "", "下载输出目录")
	runCmd.MarkFlagRequired("crf-lookup")
	runCmd.MarkFlagRequired("work-dir")
	runCmd.MarkFlagRequired("output-dir")

	rootCmd.AddCommand(extractDictCmd, extractTeamCmd, extractMDSCmd,
		mergeCmd, downloadCmd, verifyCmd, reportCmd, runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}
