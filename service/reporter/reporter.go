/*
 * @module service/reporter
 * @description 运行报告器,按级别过滤事件流生成错误与警告摘要文件,并以文本格式导出运行指标
 * @architecture 分层架构 - 业务逻辑层
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 事件流按级别分类 -> 摘要文件逐行落盘 -> 指标注册与文本导出
 * @rules 分类只看事件级别,不做语义解释;摘要行保持事件发生顺序
 * @dependencies github.com/prometheus/client_golang/prometheus, github.com/prometheus/common/expfmt
 * @refs service/event, service/downloader
 */

package reporter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"cdehub-service/service/meta"
	"cdehub-service/service/models"
)

const (
	errorsFileName   = "errors.txt"
	warningsFileName = "warnings.txt"
	metricsFileName  = "metrics.prom"
)

// Summary 事件流按级别分类的结果
type Summary struct {
	Errors   []string
	Warnings []string
	Infos    int
}

// Reporter 运行报告器,产物落在给定的报告目录下
type Reporter struct {
	reportsDir string
}

// NewReporter 创建报告器
func NewReporter(reportsDir string) *Reporter {
	return &Reporter{reportsDir: reportsDir}
}

// Summarize 按级别分类事件流,纯过滤,不改变事件顺序
func (r *Reporter) Summarize(events []models.LogEvent) *Summary {
	summary := &Summary{}
	for _, evt := range events {
		line := formatEvent(evt)
		switch evt.Level {
		case meta.LevelError:
			summary.Errors = append(summary.Errors, line)
		case meta.LevelWarning:
			summary.Warnings = append(summary.Warnings, line)
		default:
			summary.Infos++
		}
	}
	return summary
}

// WriteSummaries 将错误与警告摘要各写一个文件,每事件一行
// 没有匹配事件时也写出空文件,调用方据此区分"没有错误"与"没有运行"
func (r *Reporter) WriteSummaries(summary *Summary) error {
	if err := os.MkdirAll(r.reportsDir, 0o755); err != nil {
		return fmt.Errorf("创建报告目录失败: %w", err)
	}
	if err := writeLines(filepath.Join(r.reportsDir, errorsFileName), summary.Errors); err != nil {
		return err
	}
	if err := writeLines(filepath.Join(r.reportsDir, warningsFileName), summary.Warnings); err != nil {
		return err
	}
	slog.Info("摘要文件已写出",
		"dir", r.reportsDir,
		"errors", len(summary.Errors),
		"warnings", len(summary.Warnings))
	return nil
}

// WriteMetrics 以 Prometheus 文本格式导出运行指标
// 批处理场景没有常驻指标端口,指标快照落盘供 textfile 采集器抓取
func (r *Reporter) WriteMetrics(events []models.LogEvent, report *models.RunReport) error {
	registry := prometheus.NewRegistry()

	eventCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdehub_log_events_total",
		Help: "运行期间产生的日志事件数,按级别分类",
	}, []string{"level"})
	taskCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdehub_download_tasks_total",
		Help: "下载任务数,按结局分类",
	}, []string{"status"})
	durationGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cdehub_run_duration_seconds",
		Help: "下载运行耗时",
	})
	registry.MustRegister(eventCounter, taskCounter, durationGauge)

	for _, evt := range events {
		eventCounter.WithLabelValues(string(evt.Level)).Inc()
	}
	if report != nil {
		taskCounter.WithLabelValues(string(meta.TaskStatusDone)).Add(float64(report.DoneCount))
		taskCounter.WithLabelValues(string(meta.TaskStatusFailed)).Add(float64(report.FailedCount))
		taskCounter.WithLabelValues("skipped").Add(float64(report.SkippedCount))
		if !report.FinishedAt.IsZero() {
			durationGauge.Set(report.FinishedAt.Sub(report.StartedAt).Seconds())
		}
	}

	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("采集指标失败: %w", err)
	}

	if err := os.MkdirAll(r.reportsDir, 0o755); err != nil {
		return fmt.Errorf("创建报告目录失败: %w", err)
	}
	file, err := os.Create(filepath.Join(r.reportsDir, metricsFileName))
	if err != nil {
		return fmt.Errorf("创建指标文件失败: %w", err)
	}
	defer file.Close()

	encoder := expfmt.NewEncoder(file, expfmt.FmtText)
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return fmt.Errorf("编码指标失败: %w", err)
		}
	}
	return nil
}

// formatEvent 摘要行格式: 时间 [组件] 消息
func formatEvent(evt models.LogEvent) string {
	return fmt.Sprintf("%s [%s] %s", evt.Timestamp.Format(time.RFC3339), evt.SourceComponent, evt.Message)
}

// writeLines 逐行写出文本文件,末尾带换行
func writeLines(path string, lines []string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建摘要文件失败: %w", err)
	}
	defer file.Close()

	for _, line := range lines {
		if _, err := fmt.Fprintln(file, line); err != nil {
			return fmt.Errorf("写入摘要文件失败: %w", err)
		}
	}
	return nil
}
