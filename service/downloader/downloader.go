/*
 * @module service/downloader
 * @description 资料库下载器,按规范映射派生下载任务,经有界工作池并发抓取,支持断点续跑与脏输出守卫
 * @architecture 分层架构 - 业务逻辑层
 * @documentReference ai_docs/repo_download_design.md
 * @stateFlow 脏输出检查 -> 目录索引构建 -> 任务派生(跳过已完成) -> 工作池抓取(重试/认领) -> 运行报告落盘
 * @rules 单个任务失败绝不中断运行;任务要么完整完成要么完全未开始;reports/ 目录存在即视为脏输出
 * @dependencies cdehub-service/client, golang.org/x/sync/errgroup
 * @refs index.go, task.go, service/merger/mapping.go
 */

package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cdehub-service/client"
	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
)

const (
	reportsDirName    = "reports"
	runReportFileName = "run_report.json"
)

// ReportsDir 返回输出目录下报告子目录的路径
// 该目录在运行收尾时创建,它的存在同时充当整次运行的完成标记与下次运行的脏目录哨兵
func ReportsDir(outputDir string) string {
	return filepath.Join(outputDir, reportsDirName)
}

// DirtyOutputError 输出目录已包含前次运行产物,拒绝混写
type DirtyOutputError struct {
	Dir string
}

// Error 实现 error 接口
func (e *DirtyOutputError) Error() string {
	return fmt.Sprintf("输出目录 %s 已包含前次运行产物(%s/),请先清理或换用新目录", e.Dir, reportsDirName)
}

// Options 下载运行参数
type Options struct {
	Workers          int
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	MinArtifactBytes int64
	MIMETypes        []string
}

// Downloader 资料库下载器
type Downloader struct {
	repo client.RepositoryAPIClient
	opts Options
	sink event.Sink
}

// NewDownloader 创建下载器,未给定的参数取保守默认值
func NewDownloader(repo client.RepositoryAPIClient, opts Options, sink event.Sink) *Downloader {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if len(opts.MIMETypes) == 0 {
		opts.MIMETypes = []string{meta.MIMETypeXlsx}
	}
	return &Downloader{repo: repo, opts: opts, sink: sink}
}

// Run 执行一次完整下载运行
// 映射中每个不同的 CDE 标识对应一个任务目录;reports/ 最后写入,作为整次运行的完成标记
func (d *Downloader) Run(ctx context.Context, mapping *models.CanonicalMapping, outputDir string) (*models.RunReport, error) {
	if _, err := os.Stat(ReportsDir(outputDir)); err == nil {
		return nil, &DirtyOutputError{Dir: outputDir}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	catalogCSV, err := d.repo.FetchCatalog(ctx)
	if err != nil {
		event.Errorf(d.sink, meta.ComponentDownloader, "拉取资料库目录失败: %v", err)
		return nil, fmt.Errorf("拉取资料库目录失败: %w", err)
	}
	index, err := BuildIndex(catalogCSV, d.sink)
	if err != nil {
		event.Errorf(d.sink, meta.ComponentDownloader, "构建资料库索引失败: %v", err)
		return nil, err
	}

	report := models.NewRunReport()
	report.TaskCount = len(mapping.DistinctCDEs())
	tasks := d.deriveTasks(mapping, index, outputDir, report)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := d.runTask(gctx, task); err != nil {
				return err
			}
			mu.Lock()
			switch task.Status {
			case meta.TaskStatusDone:
				report.DoneCount++
			case meta.TaskStatusFailed:
				report.FailedCount++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// 中断时不落运行标记,未完成的任务保持待执行,下次可续跑
		return nil, fmt.Errorf("下载运行被中断: %w", err)
	}

	report.FinishedAt = time.Now()
	if err := WriteRunReport(outputDir, report); err != nil {
		return nil, err
	}

	slog.Info("下载运行完成",
		"run_id", report.RunID,
		"tasks", report.TaskCount,
		"done", report.DoneCount,
		"failed", report.FailedCount,
		"skipped", report.SkippedCount)
	event.Infof(d.sink, meta.ComponentDownloader, "下载运行 %s 结束: %d 个任务, 完成 %d, 失败 %d, 跳过 %d",
		report.RunID, report.TaskCount, report.DoneCount, report.FailedCount, report.SkippedCount)
	return report, nil
}

// deriveTasks 由映射派生任务列表
// 已有完成标记的目标计为跳过;目录中找不到任何所需类型工件的标识直接计为失败
func (d *Downloader) deriveTasks(mapping *models.CanonicalMapping, index *RepositoryIndex, outputDir string, report *models.RunReport) []*models.DownloadTask {
	var tasks []*models.DownloadTask
	for _, cdeID := range mapping.DistinctCDEs() {
		targetDir := filepath.Join(outputDir, TaskDirName(cdeID))
		if TaskDone(targetDir) {
			report.SkippedCount++
			slog.Debug("任务已完成,跳过", "cde_id", cdeID)
			continue
		}
		// 上次运行中断可能遗留认领标记,派生阶段统一清除
		ClearStaleClaim(targetDir)

		artifacts := index.Select(cdeID, d.opts.MIMETypes)
		if len(artifacts) == 0 {
			report.FailedCount++
			event.Warnf(d.sink, meta.ComponentDownloader, "标识 %s 在资料库目录中没有所需类型的文件", cdeID)
			continue
		}
		tasks = append(tasks, models.NewDownloadTask(cdeID, targetDir, artifacts))
	}
	return tasks
}

// runTask 执行单个任务:认领 -> 逐工件抓取 -> 元数据与完成标记落盘
// 仅上下文取消会返回错误并使任务保持待执行;其余失败就地记账
func (d *Downloader) runTask(ctx context.Context, task *models.DownloadTask) error {
	release, acquired, err := ClaimTask(task.TargetDir)
	if err != nil {
		d.failTask(task, err)
		return nil
	}
	if !acquired {
		// 同一次运行内任务标识互不相同,认领失败说明有并发运行共用输出目录
		d.failTask(task, fmt.Errorf("目标目录 %s 已被其他运行认领", task.TargetDir))
		return nil
	}
	defer release()

	now := time.Now()
	task.StartTime = &now
	for i := range task.Artifacts {
		if err := d.fetchArtifact(ctx, task, &task.Artifacts[i]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.failTask(task, err)
			return nil
		}
	}

	if err := WriteTaskArtifactsDone(task); err != nil {
		d.failTask(task, err)
		return nil
	}
	if err := task.MarkDone(); err != nil {
		d.failTask(task, err)
		return nil
	}
	slog.Info("任务完成", "cde_id", task.CDEID, "artifacts", len(task.Artifacts), "attempts", task.Attempts)
	return nil
}

// fetchArtifact 抓取单个工件,临时文件写入后改名落位
// 瞬时失败按线性退避重试;永久失败立即放弃;过小的响应视为占位页重试
func (d *Downloader) fetchArtifact(ctx context.Context, task *models.DownloadTask, artifact *models.ArtifactRef) error {
	dest := filepath.Join(task.TargetDir, artifact.Filename)
	if _, err := os.Stat(dest); err == nil {
		// 工件在前次中断的运行中已完整落位
		return nil
	}
	tmp := dest + ".part"

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, d.opts.RetryBaseDelay*time.Duration(attempt-1)); err != nil {
				return err
			}
		}
		task.Attempts++

		written, err := d.repo.DownloadArtifact(ctx, artifact.URL, tmp)
		if err != nil {
			os.Remove(tmp)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !transientError(err) {
				return fmt.Errorf("工件 %s 永久失败: %w", artifact.Filename, err)
			}
			lastErr = err
			slog.Warn("下载失败,将重试", "url", artifact.URL, "attempt", attempt, "error", err.Error())
			continue
		}
		if written < d.opts.MinArtifactBytes {
			os.Remove(tmp)
			lastErr = fmt.Errorf("响应仅 %d 字节,疑似限流占位页", written)
			slog.Warn("下载内容过小,将重试", "url", artifact.URL, "attempt", attempt, "bytes", written)
			continue
		}

		if err := os.Rename(tmp, dest); err != nil {
			return fmt.Errorf("工件 %s 落位失败: %w", artifact.Filename, err)
		}
		return nil
	}
	return fmt.Errorf("工件 %s 重试 %d 次后放弃: %w", artifact.Filename, d.opts.MaxAttempts, lastErr)
}

// failTask 将任务记为失败并上报错误事件
// 任务已处终态时迁移被拒,只记日志,终态与错误事件不受影响
func (d *Downloader) failTask(task *models.DownloadTask, cause error) {
	if err := task.MarkFailed(cause); err != nil {
		slog.Warn("任务状态迁移被拒", "cde_id", task.CDEID, "error", err.Error())
	}
	slog.Error("任务失败", "cde_id", task.CDEID, "error", cause.Error())
	event.Errorf(d.sink, meta.ComponentDownloader, "任务 %s 失败: %v", task.CDEID, cause)
}

// WriteRunReport 落盘运行报告,reports/ 目录的出现即整次运行的完成标记
func WriteRunReport(outputDir string, report *models.RunReport) error {
	reportsDir := ReportsDir(outputDir)
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return fmt.Errorf("创建报告目录失败: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化运行报告失败: %w", err)
	}
	if err := os.WriteFile(filepath.Join(reportsDir, runReportFileName), data, 0o644); err != nil {
		return fmt.Errorf("写入运行报告失败: %w", err)
	}
	return nil
}

// ReadRunReport 回读运行报告
func ReadRunReport(outputDir string) (*models.RunReport, error) {
	data, err := os.ReadFile(filepath.Join(ReportsDir(outputDir), runReportFileName))
	if err != nil {
		return nil, fmt.Errorf("读取运行报告失败: %w", err)
	}
	var report models.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("解析运行报告失败: %w", err)
	}
	return &report, nil
}

// transientError 判断抓取错误是否值得重试
func transientError(err error) bool {
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

// sleepContext 可被上下文打断的等待
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
