/*
 * @module service/config/config
 * @description 配置加载器,负责默认值、YAML 配置文件、.env 文件和环境变量的分层加载与校验
 * @architecture 分层架构 - 配置管理层
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 默认值 -> .env.default -> .env -> YAML 配置文件 -> CDEHUB_ 前缀环境变量覆盖 -> 校验
 * @rules 环境变量优先级最高;数据源优先级列表必须只包含已知来源标签
 * @dependencies github.com/joho/godotenv, github.com/spf13/cast, gopkg.in/yaml.v3
 * @refs service/pipeline_service, main
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"cdehub-service/service/meta"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// 环境变量前缀
const envPrefix = "CDEHUB_"

// Config 应用配置
type Config struct {
	App        AppConfig        `yaml:"app"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Repository RepositoryConfig `yaml:"repository"`
	Download   DownloadConfig   `yaml:"download"`
	Merge      MergeConfig      `yaml:"merge"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// MetadataConfig 元数据服务(MDS)配置
type MetadataConfig struct {
	BaseURL        string `yaml:"base_url"`
	PageLimit      int    `yaml:"page_limit"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	CRFField       string `yaml:"crf_field"`   // 载荷中 CRF 关联字段名
	StudyField     string `yaml:"study_field"` // 载荷中研究标识字段名
}

// RepositoryConfig CDE 资料库配置
type RepositoryConfig struct {
	CatalogURL     string `yaml:"catalog_url"` // 目录 CSV 导出地址
	BaseURL        string `yaml:"base_url"`    // 相对链接的补全前缀
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DownloadConfig 下载运行配置
type DownloadConfig struct {
	Workers          int      `yaml:"workers"`
	MaxAttempts      int      `yaml:"max_attempts"`
	RetryBaseSeconds int      `yaml:"retry_base_seconds"`
	MinArtifactBytes int64    `yaml:"min_artifact_bytes"` // 小于该字节数视为未下载成功
	MIMETypes        []string `yaml:"mime_types"`         // 需要实际下载的文件类型
}

// MergeConfig 合并配置
type MergeConfig struct {
	// SourcePrecedence 数据源优先级顺序,排在后面的优先级更高
	SourcePrecedence []string `yaml:"source_precedence"`
}

// DefaultConfig 返回内置默认配置
func DefaultConfig() *Config {
	precedence := make([]string, 0, len(meta.DefaultSourcePrecedence))
	for _, tag := range meta.DefaultSourcePrecedence {
		precedence = append(precedence, string(tag))
	}
	return &Config{
		App: AppConfig{
			Name:     "cdehub-service",
			LogLevel: "info",
		},
		Metadata: MetadataConfig{
			BaseURL:        "https://healdata.org/mds/metadata",
			PageLimit:      100,
			TimeoutSeconds: 30,
			CRFField:       "heal_crf_ids",
			StudyField:     "hdp_id",
		},
		Repository: RepositoryConfig{
			CatalogURL:     "https://heal.nih.gov/data/common-data-elements-repository/export?_format=csv",
			BaseURL:        "https://heal.nih.gov",
			TimeoutSeconds: 60,
		},
		Download: DownloadConfig{
			Workers:          4,
			MaxAttempts:      10,
			RetryBaseSeconds: 10,
			MinArtifactBytes: 100,
			MIMETypes:        []string{meta.MIMETypeXlsx},
		},
		Merge: MergeConfig{
			SourcePrecedence: precedence,
		},
	}
}

// LoadConfig 分层加载配置
// 顺序:默认值 -> .env.default/.env 文件 -> YAML 配置文件(可选) -> 环境变量覆盖
// 真实环境变量始终最高优先级(.env 文件不覆盖已存在的环境变量)
func LoadConfig(configFile string) (*Config, error) {
	// .env 在 .env.default 之前加载,使其中的同名键优先生效
	godotenv.Load(".env")
	godotenv.Load(".env.default")

	cfg := DefaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides 应用 CDEHUB_ 前缀的环境变量覆盖
func (c *Config) applyEnvOverrides() {
	if val := getenv("LOG_LEVEL"); val != "" {
		c.App.LogLevel = val
	}
	if val := getenv("MDS_URL"); val != "" {
		c.Metadata.BaseURL = val
	}
	if val := getenv("MDS_PAGE_LIMIT"); val != "" {
		c.Metadata.PageLimit = cast.ToInt(val)
	}
	if val := getenv("MDS_CRF_FIELD"); val != "" {
		c.Metadata.CRFField = val
	}
	if val := getenv("MDS_STUDY_FIELD"); val != "" {
		c.Metadata.StudyField = val
	}
	if val := getenv("REPO_CATALOG_URL"); val != "" {
		c.Repository.CatalogURL = val
	}
	if val := getenv("REPO_BASE_URL"); val != "" {
		c.Repository.BaseURL = val
	}
	if val := getenv("DOWNLOAD_WORKERS"); val != "" {
		c.Download.Workers = cast.ToInt(val)
	}
	if val := getenv("DOWNLOAD_MAX_ATTEMPTS"); val != "" {
		c.Download.MaxAttempts = cast.ToInt(val)
	}
	if val := getenv("DOWNLOAD_RETRY_BASE_SECONDS"); val != "" {
		c.Download.RetryBaseSeconds = cast.ToInt(val)
	}
	if val := getenv("DOWNLOAD_MIN_ARTIFACT_BYTES"); val != "" {
		c.Download.MinArtifactBytes = cast.ToInt64(val)
	}
	if val := getenv("SOURCE_PRECEDENCE"); val != "" {
		parts := strings.Split(val, ",")
		precedence := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				precedence = append(precedence, trimmed)
			}
		}
		if len(precedence) > 0 {
			c.Merge.SourcePrecedence = precedence
		}
	}
}

func getenv(key string) string {
	return os.Getenv(envPrefix + key)
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Metadata.PageLimit <= 0 {
		return fmt.Errorf("metadata.page_limit 必须大于 0, 当前值: %d", c.Metadata.PageLimit)
	}
	if c.Download.Workers < 1 {
		return fmt.Errorf("download.workers 必须至少为 1, 当前值: %d", c.Download.Workers)
	}
	if c.Download.MaxAttempts < 1 {
		return fmt.Errorf("download.max_attempts 必须至少为 1, 当前值: %d", c.Download.MaxAttempts)
	}
	if len(c.Merge.SourcePrecedence) == 0 {
		return fmt.Errorf("merge.source_precedence 不能为空")
	}
	known := map[string]bool{
		string(meta.SourceDictionaryExport): true,
		string(meta.SourceTeamExport):       true,
		string(meta.SourceMetadataService):  true,
	}
	for _, tag := range c.Merge.SourcePrecedence {
		if !known[tag] {
			return fmt.Errorf("merge.source_precedence 包含未知数据源: %s", tag)
		}
	}
	return nil
}

// SourcePrecedence 返回类型化的数据源优先级列表
func (c *Config) SourcePrecedence() []meta.SourceTag {
	result := make([]meta.SourceTag, 0, len(c.Merge.SourcePrecedence))
	for _, tag := range c.Merge.SourcePrecedence {
		result = append(result, meta.SourceTag(tag))
	}
	return result
}

// MetadataTimeout 返回元数据服务请求超时
func (c *Config) MetadataTimeout() time.Duration {
	return time.Duration(c.Metadata.TimeoutSeconds) * time.Second
}

// RepositoryTimeout 返回资料库请求超时
func (c *Config) RepositoryTimeout() time.Duration {
	return time.Duration(c.Repository.TimeoutSeconds) * time.Second
}

// RetryBaseDelay 返回下载重试的基础等待时间
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Download.RetryBaseSeconds) * time.Second
}
