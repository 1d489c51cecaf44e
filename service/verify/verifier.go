/*
 * @module service/verify
 * @description 核对器,交叉比对规范映射与下载目录,找出缺失、孤儿与残缺的任务目录并产出核对报告
 * @architecture 分层架构 - 业务逻辑层
 * @stateFlow 映射标识集合 -> 标识转目录名 -> 目录扫描 -> 三类差异归类 -> 核对报告落盘
 * @rules 核对只读不改;标识经下载器的同一目录命名映射后才与目录比对;每类差异逐项记警告事件;报告行按标识排序
 * @dependencies cdehub-service/service/downloader, cdehub-service/service/event, cdehub-service/service/models
 * @refs service/downloader/task.go, service/merger/mapping.go
 */

package verify

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"cdehub-service/service/downloader"
	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
)

const doneMarkerName = "done"

// 下载目录中不属于任务目录的条目
var reservedEntries = map[string]bool{
	"reports": true,
}

// Result 核对结果
// Missing 与 Incomplete 记原始 CDE 标识,Orphans 记目录名
type Result struct {
	OKCount    int      // 映射中有且目录完整的标识数
	Missing    []string // 映射中有但目录缺失或无完成标记
	Orphans    []string // 目录中有但不对应映射中任何标识
	Incomplete []string // 有完成标记但标记列出的工件缺失
}

// Clean 判断核对是否零差异
func (r *Result) Clean() bool {
	return len(r.Missing) == 0 && len(r.Orphans) == 0 && len(r.Incomplete) == 0
}

// Verifier 下载结果核对器
type Verifier struct {
	sink event.Sink
}

// NewVerifier 创建核对器
func NewVerifier(sink event.Sink) *Verifier {
	return &Verifier{sink: sink}
}

// Verify 交叉比对映射与下载目录
// 标识先经下载器的目录命名映射,再与磁盘目录比对
func (v *Verifier) Verify(mapping *models.CanonicalMapping, outputDir string) (*Result, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("读取下载目录失败: %w", err)
	}

	expectedIDs := mapping.DistinctCDEs()
	expectedDirs := make(map[string]bool, len(expectedIDs))
	for _, cdeID := range expectedIDs {
		expectedDirs[downloader.TaskDirName(cdeID)] = true
	}

	present := make(map[string]bool)
	result := &Result{}
	for _, entry := range entries {
		if !entry.IsDir() || reservedEntries[entry.Name()] {
			continue
		}
		present[entry.Name()] = true
		if !expectedDirs[entry.Name()] {
			result.Orphans = append(result.Orphans, entry.Name())
			event.Warnf(v.sink, meta.ComponentVerifier, "目录 %s 不对应映射中的任何标识", entry.Name())
		}
	}

	for _, cdeID := range expectedIDs {
		dirName := downloader.TaskDirName(cdeID)
		switch {
		case !present[dirName]:
			result.Missing = append(result.Missing, cdeID)
			event.Warnf(v.sink, meta.ComponentVerifier, "标识 %s 在映射中但没有下载目录", cdeID)
		case !v.completeTask(filepath.Join(outputDir, dirName)):
			result.Missing = append(result.Missing, cdeID)
			event.Warnf(v.sink, meta.ComponentVerifier, "标识 %s 的下载目录没有完成标记", cdeID)
		case !v.artifactsPresent(filepath.Join(outputDir, dirName)):
			result.Incomplete = append(result.Incomplete, cdeID)
			event.Warnf(v.sink, meta.ComponentVerifier, "标识 %s 的完成标记与实际工件不符", cdeID)
		default:
			result.OKCount++
		}
	}

	sort.Strings(result.Missing)
	sort.Strings(result.Orphans)
	sort.Strings(result.Incomplete)

	slog.Info("核对完成",
		"ok", result.OKCount,
		"missing", len(result.Missing),
		"orphans", len(result.Orphans),
		"incomplete", len(result.Incomplete))
	event.Infof(v.sink, meta.ComponentVerifier, "核对完成: 完整 %d, 缺失 %d, 孤儿 %d, 残缺 %d",
		result.OKCount, len(result.Missing), len(result.Orphans), len(result.Incomplete))
	return result, nil
}

// completeTask 判断任务目录是否带完成标记
func (v *Verifier) completeTask(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, doneMarkerName))
	return err == nil
}

// artifactsPresent 核对完成标记中列出的工件是否都在
func (v *Verifier) artifactsPresent(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, doneMarkerName))
	if err != nil {
		return false
	}
	var marker struct {
		Artifacts []string `json:"artifacts"`
	}
	if err := json.Unmarshal(data, &marker); err != nil {
		return false
	}
	for _, filename := range marker.Artifacts {
		if _, err := os.Stat(filepath.Join(dir, filename)); err != nil {
			return false
		}
	}
	return true
}

// WriteReport 将核对结果写成分隔表,列: cde_id, status
func (v *Verifier) WriteReport(path string, result *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建核对报告失败: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"cde_id", "status"}); err != nil {
		return fmt.Errorf("写入核对报告表头失败: %w", err)
	}
	rows := make([][2]string, 0, len(result.Missing)+len(result.Orphans)+len(result.Incomplete))
	for _, cdeID := range result.Missing {
		rows = append(rows, [2]string{cdeID, "missing"})
	}
	for _, cdeID := range result.Orphans {
		rows = append(rows, [2]string{cdeID, "orphan"})
	}
	for _, cdeID := range result.Incomplete {
		rows = append(rows, [2]string{cdeID, "incomplete"})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i][0] != rows[j][0] {
			return rows[i][0] < rows[j][0]
		}
		return rows[i][1] < rows[j][1]
	})
	for _, row := range rows {
		if err := writer.Write([]string{row[0], row[1]}); err != nil {
			return fmt.Errorf("写入核对报告失败: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("刷新核对报告失败: %w", err)
	}
	return nil
}
