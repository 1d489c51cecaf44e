package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdehub-service/client"
	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
)

// artifactBody 超过默认近空阈值的文件内容
var artifactBody = []byte(strings.Repeat("cde-spreadsheet-content\n", 10))

// seedRepositoryServer 填充模拟资料库:两个 CDE 各有一个表格文件
func seedRepositoryServer(t *testing.T) *client.MockRepositoryServer {
	t.Helper()
	server := client.NewMockRepositoryServer()
	t.Cleanup(server.Close)

	server.SetCatalog(catalogHeader +
		"Pain Intensity CDE,,English,/files/pain-intensity-cde.xlsx\n" +
		"Sleep Disturbance CDE,,English,/files/sleep-disturbance-cde.xlsx\n")
	server.AddFile("pain-intensity-cde.xlsx", artifactBody)
	server.AddFile("sleep-disturbance-cde.xlsx", artifactBody)
	return server
}

func testMapping(cdeIDs ...string) *models.CanonicalMapping {
	mapping := models.NewCanonicalMapping()
	for i, cdeID := range cdeIDs {
		key := models.MappingKey{StudyID: fmt.Sprintf("hdp%05d", i+1), FormID: "form " + cdeID}
		mapping.Add(key, cdeID, meta.SourceDictionaryExport)
	}
	mapping.RebuildReverse()
	return mapping
}

func newTestDownloader(server *client.MockRepositoryServer, sink event.Sink) *Downloader {
	repo := client.NewHTTPRepositoryClient(server.CatalogURL(), server.BaseURL(), 5*time.Second)
	return NewDownloader(repo, Options{
		Workers:          2,
		MaxAttempts:      3,
		RetryBaseDelay:   0,
		MinArtifactBytes: 100,
		MIMETypes:        []string{meta.MIMETypeXlsx},
	}, sink)
}

func TestRunDownloadsAllTasks(t *testing.T) {
	server := seedRepositoryServer(t)
	sink := event.NewMemorySink()
	outputDir := filepath.Join(t.TempDir(), "out")

	report, err := newTestDownloader(server, sink).Run(context.Background(),
		testMapping("pain-intensity", "sleep-disturbance"), outputDir)
	require.NoError(t, err)

	assert.Equal(t, 2, report.TaskCount)
	assert.Equal(t, 2, report.DoneCount)
	assert.Equal(t, 0, report.FailedCount)
	assert.Equal(t, 0, report.SkippedCount)

	// 工件、元数据侧车和完成标记都应落位
	artifact := filepath.Join(outputDir, "pain-intensity", "pain-intensity-cde.xlsx")
	content, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, artifactBody, content)
	assert.FileExists(t, filepath.Join(outputDir, "pain-intensity", "cde.json"))
	assert.True(t, TaskDone(filepath.Join(outputDir, "pain-intensity")))
	assert.True(t, TaskDone(filepath.Join(outputDir, "sleep-disturbance")))

	// 认领标记随任务结束释放
	assert.NoFileExists(t, filepath.Join(outputDir, "pain-intensity", ".claim"))

	// 整次运行的完成标记可回读
	loaded, err := ReadRunReport(outputDir)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, loaded.RunID)
	assert.Equal(t, 2, loaded.DoneCount)
}

func TestRunDirtyOutputGuard(t *testing.T) {
	server := seedRepositoryServer(t)
	outputDir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(filepath.Join(outputDir, "reports"), 0o755))

	_, err := newTestDownloader(server, event.NewMemorySink()).Run(context.Background(),
		testMapping("pain-intensity"), outputDir)

	var dirty *DirtyOutputError
	require.True(t, errors.As(err, &dirty))
	assert.Equal(t, outputDir, dirty.Dir)
	// 守卫在任何网络访问之前生效
	assert.Equal(t, 0, server.CatalogHits())
}

func TestRunResumeSkipsCompletedTasks(t *testing.T) {
	server := seedRepositoryServer(t)
	outputDir := filepath.Join(t.TempDir(), "out")

	// 模拟前次运行中断:pain-intensity 已完整完成(含标记),整次运行标记未写
	doneDir := filepath.Join(outputDir, "pain-intensity")
	task := models.NewDownloadTask("pain-intensity", doneDir, nil)
	require.NoError(t, os.MkdirAll(doneDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(doneDir, "pain-intensity-cde.xlsx"), artifactBody, 0o644))
	require.NoError(t, WriteTaskArtifactsDone(task))

	report, err := newTestDownloader(server, event.NewMemorySink()).Run(context.Background(),
		testMapping("pain-intensity", "sleep-disturbance"), outputDir)
	require.NoError(t, err)

	assert.Equal(t, 1, report.SkippedCount)
	assert.Equal(t, 1, report.DoneCount)
	// 已完成的目标零新增抓取
	assert.Equal(t, 0, server.Hits("pain-intensity-cde.xlsx"))
	assert.Equal(t, 1, server.Hits("sleep-disturbance-cde.xlsx"))
}

func TestRunClearsStaleClaim(t *testing.T) {
	server := seedRepositoryServer(t)
	outputDir := filepath.Join(t.TempDir(), "out")

	// 模拟前次运行在抓取中途被杀:留下认领标记但没有完成标记
	staleDir := filepath.Join(outputDir, "pain-intensity")
	require.NoError(t, os.MkdirAll(staleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staleDir, ".claim"), nil, 0o644))

	report, err := newTestDownloader(server, event.NewMemorySink()).Run(context.Background(),
		testMapping("pain-intensity"), outputDir)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DoneCount)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	server := seedRepositoryServer(t)
	server.FailNext("pain-intensity-cde.xlsx", 2)
	sink := event.NewMemorySink()
	outputDir := filepath.Join(t.TempDir(), "out")

	report, err := newTestDownloader(server, sink).Run(context.Background(),
		testMapping("pain-intensity"), outputDir)
	require.NoError(t, err)

	assert.Equal(t, 1, report.DoneCount)
	assert.Equal(t, 3, server.Hits("pain-intensity-cde.xlsx"))
	assert.Equal(t, 0, sink.CountByLevel(meta.LevelError))
}

func TestRunTransientFailureExhaustsRetries(t *testing.T) {
	server := seedRepositoryServer(t)
	server.FailNext("pain-intensity-cde.xlsx", 10)
	sink := event.NewMemorySink()
	outputDir := filepath.Join(t.TempDir(), "out")

	report, err := newTestDownloader(server, sink).Run(context.Background(),
		testMapping("pain-intensity", "sleep-disturbance"), outputDir)
	require.NoError(t, err)

	// 超出重试上限记失败,但另一任务照常完成,运行不中断
	assert.Equal(t, 1, report.FailedCount)
	assert.Equal(t, 1, report.DoneCount)
	assert.Equal(t, 3, server.Hits("pain-intensity-cde.xlsx"))
	assert.Equal(t, 1, sink.CountByLevel(meta.LevelError))
	assert.False(t, TaskDone(filepath.Join(outputDir, "pain-intensity")))
}

func TestRunPermanentFailureFailsImmediately(t *testing.T) {
	server := client.NewMockRepositoryServer()
	t.Cleanup(server.Close)
	// 目录声称存在的文件实际 404
	server.SetCatalog(catalogHeader +
		"Pain Intensity CDE,,English,/files/pain-intensity-cde.xlsx\n")

	sink := event.NewMemorySink()
	report, err := newTestDownloader(server, sink).Run(context.Background(),
		testMapping("pain-intensity"), filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	assert.Equal(t, 1, report.FailedCount)
	// 永久失败不重试
	assert.Equal(t, 1, server.Hits("pain-intensity-cde.xlsx"))
	assert.Equal(t, 1, sink.CountByLevel(meta.LevelError))
}

func TestRunNearEmptyResponseRetries(t *testing.T) {
	server := seedRepositoryServer(t)
	server.ServeNearEmpty("pain-intensity-cde.xlsx", 1)
	outputDir := filepath.Join(t.TempDir(), "out")

	report, err := newTestDownloader(server, event.NewMemorySink()).Run(context.Background(),
		testMapping("pain-intensity"), outputDir)
	require.NoError(t, err)

	assert.Equal(t, 1, report.DoneCount)
	assert.Equal(t, 2, server.Hits("pain-intensity-cde.xlsx"))
	// 近空占位内容不落位
	content, err := os.ReadFile(filepath.Join(outputDir, "pain-intensity", "pain-intensity-cde.xlsx"))
	require.NoError(t, err)
	assert.Equal(t, artifactBody, content)
}

func TestRunMissingArtifactTypeCountsFailed(t *testing.T) {
	server := seedRepositoryServer(t)
	sink := event.NewMemorySink()

	report, err := newTestDownloader(server, sink).Run(context.Background(),
		testMapping("pain-intensity", "grip-strength"), filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	// grip-strength 不在目录中:记失败与警告,其余任务不受影响
	assert.Equal(t, 1, report.FailedCount)
	assert.Equal(t, 1, report.DoneCount)
	assert.Equal(t, 1, sink.CountByLevel(meta.LevelWarning))
}

func TestFailTaskKeepsTerminalStatus(t *testing.T) {
	server := seedRepositoryServer(t)
	sink := event.NewMemorySink()
	d := newTestDownloader(server, sink)

	task := models.NewDownloadTask("pain-intensity", t.TempDir(), nil)
	require.NoError(t, task.MarkDone())

	// 已完成的任务再记失败:迁移被拒,终态不变,错误事件照常上报
	d.failTask(task, errors.New("元数据写入失败"))
	assert.Equal(t, meta.TaskStatusDone, task.Status)
	assert.Equal(t, 1, sink.CountByLevel(meta.LevelError))
}

func TestRunCatalogUnreachable(t *testing.T) {
	server := seedRepositoryServer(t)
	sink := event.NewMemorySink()
	server.Close()

	_, err := newTestDownloader(server, sink).Run(context.Background(),
		testMapping("pain-intensity"), filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.Equal(t, 1, sink.CountByLevel(meta.LevelError))
}

func TestTransientErrorClassification(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "服务端 500", err: &client.StatusError{StatusCode: 500}, want: true},
		{name: "限流 429", err: &client.StatusError{StatusCode: 429}, want: true},
		{name: "未找到 404", err: &client.StatusError{StatusCode: 404}, want: false},
		{name: "客户端 400", err: &client.StatusError{StatusCode: 400}, want: false},
		{name: "包装后的状态错误", err: fmt.Errorf("请求失败: %w", &client.StatusError{StatusCode: 503}), want: true},
		{name: "连接被拒绝", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "连接被重置", err: errors.New("read tcp: connection reset by peer"), want: true},
		{name: "普通错误", err: errors.New("目标文件损坏"), want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, transientError(tc.err))
		})
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepContext(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
