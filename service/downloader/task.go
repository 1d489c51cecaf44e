/*
 * @module service/downloader/task
 * @description 下载任务的持久化标记管理:目录命名、完成标记、独占认领标记与任务元数据侧车
 * @architecture 分层架构 - 数据访问层
 * @stateFlow 目录创建 -> 独占认领 -> 下载写入 -> 元数据与完成标记落盘 -> 认领释放
 * @rules 完成标记是任务状态的唯一持久化判据;认领标记用 O_EXCL 原子创建,同一目标绝不被两个工作者同时抓取;标识到目录名的映射只此一处,派生与核对共用
 * @dependencies cdehub-service/service/models, encoding/json
 * @refs downloader.go, service/verify/verifier.go, service/models/types.go
 */

package downloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cdehub-service/service/models"
)

const (
	doneMarkerName   = "done"
	claimMarkerName  = ".claim"
	metadataFileName = "cde.json"
)

// TaskDirName 将 CDE 标识转为安全的任务目录名,路径受限字符替换为下划线
// 任务派生与下载核对必须经由同一映射比对目录
func TaskDirName(cdeID string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, cdeID)
}

// doneMarker 完成标记文件内容
type doneMarker struct {
	TaskID      string    `json:"task_id"`
	CDEID       string    `json:"cde_id"`
	CompletedAt time.Time `json:"completed_at"`
	Artifacts   []string  `json:"artifacts"`
}

// TaskDone 判断目标目录是否已有完成标记
func TaskDone(targetDir string) bool {
	_, err := os.Stat(filepath.Join(targetDir, doneMarkerName))
	return err == nil
}

// ClaimTask 以原子创建认领标记的方式独占一个目标目录
// 返回的释放函数幂等;标记已存在时返回 acquired=false
func ClaimTask(targetDir string) (release func(), acquired bool, err error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("创建任务目录失败: %w", err)
	}

	claimPath := filepath.Join(targetDir, claimMarkerName)
	file, err := os.OpenFile(claimPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("创建认领标记失败: %w", err)
	}
	file.Close()

	released := false
	return func() {
		if !released {
			os.Remove(claimPath)
			released = true
		}
	}, true, nil
}

// ClearStaleClaim 清除上次运行中断遗留的认领标记
// 仅在任务派生阶段(工作池启动前)调用,运行中的认领不会被误清
func ClearStaleClaim(targetDir string) {
	os.Remove(filepath.Join(targetDir, claimMarkerName))
}

// taskMetadata 任务元数据侧车,记录该目录下工件的来历
type taskMetadata struct {
	CDEID        string               `json:"cde_id"`
	TaskID       string               `json:"task_id"`
	Artifacts    []models.ArtifactRef `json:"artifacts"`
	Categories   []string             `json:"categories"`
	DownloadedAt time.Time            `json:"downloaded_at"`
}

// taskCategories 汇总任务全部工件的分类,去重后排序
func taskCategories(artifacts []models.ArtifactRef) []string {
	seen := make(map[string]bool)
	var categories []string
	for _, artifact := range artifacts {
		for _, category := range artifact.Categories {
			if !seen[category] {
				seen[category] = true
				categories = append(categories, category)
			}
		}
	}
	sort.Strings(categories)
	return categories
}

// WriteTaskArtifactsDone 落盘任务元数据侧车与完成标记
// 完成标记最后写入,标记存在即代表工件与元数据全部就绪
func WriteTaskArtifactsDone(task *models.DownloadTask) error {
	now := time.Now()
	metadata, err := json.MarshalIndent(taskMetadata{
		CDEID:        task.CDEID,
		TaskID:       task.ID,
		Artifacts:    task.Artifacts,
		Categories:   taskCategories(task.Artifacts),
		DownloadedAt: now,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化任务元数据失败: %w", err)
	}
	if err := os.WriteFile(filepath.Join(task.TargetDir, metadataFileName), metadata, 0o644); err != nil {
		return fmt.Errorf("写入任务元数据失败: %w", err)
	}

	filenames := make([]string, len(task.Artifacts))
	for i, artifact := range task.Artifacts {
		filenames[i] = artifact.Filename
	}
	marker, err := json.MarshalIndent(doneMarker{
		TaskID:      task.ID,
		CDEID:       task.CDEID,
		CompletedAt: now,
		Artifacts:   filenames,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化完成标记失败: %w", err)
	}
	if err := os.WriteFile(filepath.Join(task.TargetDir, doneMarkerName), marker, 0o644); err != nil {
		return fmt.Errorf("写入完成标记失败: %w", err)
	}
	return nil
}
