/*
 * @module service/config/config_test
 * @description 配置加载器单元测试
 * @architecture 测试层 - 分层加载与校验测试
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 构造配置文件与环境变量 -> 加载 -> 覆盖顺序与校验验证
 * @rules 覆盖默认值、YAML 覆盖、环境变量最高优先级和非法配置拒绝
 * @dependencies testing, testify
 * @refs config.go
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdehub-service/service/meta"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "cdehub-service", cfg.App.Name)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, 100, cfg.Metadata.PageLimit)
	assert.Equal(t, "heal_crf_ids", cfg.Metadata.CRFField)
	assert.Equal(t, "hdp_id", cfg.Metadata.StudyField)
	assert.Equal(t, 4, cfg.Download.Workers)
	assert.Equal(t, 10, cfg.Download.MaxAttempts)
	assert.Equal(t, int64(100), cfg.Download.MinArtifactBytes)
	assert.Equal(t, []string{meta.MIMETypeXlsx}, cfg.Download.MIMETypes)
	assert.Equal(t, []meta.SourceTag{
		meta.SourceDictionaryExport,
		meta.SourceTeamExport,
		meta.SourceMetadataService,
	}, cfg.SourcePrecedence())
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigYAMLOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
app:
  log_level: debug
metadata:
  page_limit: 25
download:
  workers: 2
merge:
  source_precedence:
    - team-export
    - dictionary-export
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 25, cfg.Metadata.PageLimit)
	assert.Equal(t, 2, cfg.Download.Workers)
	assert.Equal(t, []meta.SourceTag{meta.SourceTeamExport, meta.SourceDictionaryExport}, cfg.SourcePrecedence())
	// 未覆盖的键保持默认值
	assert.Equal(t, 10, cfg.Download.MaxAttempts)
	assert.Contains(t, cfg.Repository.CatalogURL, "heal.nih.gov")
}

func TestLoadConfigEnvBeatsYAML(t *testing.T) {
	path := writeConfigFile(t, `
metadata:
  page_limit: 25
  base_url: http://yaml.invalid/mds
`)
	t.Setenv("CDEHUB_MDS_PAGE_LIMIT", "7")
	t.Setenv("CDEHUB_MDS_URL", "http://env.invalid/mds")
	t.Setenv("CDEHUB_SOURCE_PRECEDENCE", " metadata-service , dictionary-export ")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Metadata.PageLimit)
	assert.Equal(t, "http://env.invalid/mds", cfg.Metadata.BaseURL)
	assert.Equal(t, []meta.SourceTag{meta.SourceMetadataService, meta.SourceDictionaryExport}, cfg.SourcePrecedence())
}

func TestLoadConfigFileErrors(t *testing.T) {
	t.Run("配置文件不存在", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "读取配置文件失败")
	})

	t.Run("配置文件不是合法YAML", func(t *testing.T) {
		path := writeConfigFile(t, "metadata: [这不是映射")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "解析配置文件失败")
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "默认配置合法",
			mutate: func(c *Config) {},
		},
		{
			name:    "页大小必须为正",
			mutate:  func(c *Config) { c.Metadata.PageLimit = 0 },
			wantErr: "metadata.page_limit",
		},
		{
			name:    "工作协程数至少为1",
			mutate:  func(c *Config) { c.Download.Workers = 0 },
			wantErr: "download.workers",
		},
		{
			name:    "重试次数至少为1",
			mutate:  func(c *Config) { c.Download.MaxAttempts = 0 },
			wantErr: "download.max_attempts",
		},
		{
			name:    "优先级列表不能为空",
			mutate:  func(c *Config) { c.Merge.SourcePrecedence = nil },
			wantErr: "source_precedence",
		},
		{
			name:    "优先级列表拒绝未知来源",
			mutate:  func(c *Config) { c.Merge.SourcePrecedence = []string{"dictionary-export", "sharepoint"} },
			wantErr: "未知数据源",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestTypedAccessors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metadata.TimeoutSeconds = 3
	cfg.Repository.TimeoutSeconds = 45
	cfg.Download.RetryBaseSeconds = 8

	assert.Equal(t, 3*time.Second, cfg.MetadataTimeout())
	assert.Equal(t, 45*time.Second, cfg.RepositoryTimeout())
	assert.Equal(t, 8*time.Second, cfg.RetryBaseDelay())
}
