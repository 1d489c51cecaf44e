/*
 * @module service/meta/constants
 * @description 全局常量定义,包括数据来源标签、任务状态、日志级别、标识符类别和文件排序权重
 * @architecture 分层架构 - 元数据定义层
 * @documentReference ai_docs/cde_catalog_design.md
 * @rules 所有跨包共享的枚举值统一在此定义,避免散落的魔法字符串
 * @dependencies 无
 * @refs service/models, service/merger, service/downloader
 */

package meta

// SourceTag 关联记录的数据来源标签
type SourceTag string

// 数据来源标签常量
const (
	SourceDictionaryExport SourceTag = "dictionary-export"
	SourceTeamExport       SourceTag = "team-export"
	SourceMetadataService  SourceTag = "metadata-service"
	SourceManualCorrection SourceTag = "manual-correction"
)

// DefaultSourcePrecedence 数据源默认优先级顺序
// 排在后面的数据源优先级更高,冲突时覆盖排在前面的数据源
var DefaultSourcePrecedence = []SourceTag{
	SourceDictionaryExport,
	SourceTeamExport,
	SourceMetadataService,
}

// TaskStatus 下载任务状态
type TaskStatus string

// 下载任务状态常量
const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

// LogLevel 日志事件级别
type LogLevel string

// 日志事件级别常量
const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// IdentifierKind 标识符类别
type IdentifierKind string

// 标识符类别常量
const (
	IdentifierKindStudy IdentifierKind = "study"
	IdentifierKindForm  IdentifierKind = "form"
	IdentifierKindCDE   IdentifierKind = "cde"
)

// CorrectionAction 人工修正动作
type CorrectionAction string

// 人工修正动作常量
const (
	CorrectionActionAdd     CorrectionAction = "add"
	CorrectionActionRemove  CorrectionAction = "remove"
	CorrectionActionReplace CorrectionAction = "replace"
)

// 资料库文件的 MIME 类型常量
const (
	MIMETypeDocx        = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMETypeXlsx        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMETypePdf         = "application/pdf"
	MIMETypeOctetStream = "application/octet-stream"
)

// LanguageOrder 文件语言排序权重,权重小的排在前面
var LanguageOrder = map[string]int{
	"en":    1,
	"es":    2,
	"zh-CN": 3,
	"zh-TW": 4,
	"ja":    5,
	"ko":    6,
	"sv":    7,
}

// MIMETypeOrder 文件类型排序权重,权重小的排在前面
var MIMETypeOrder = map[string]int{
	MIMETypeDocx: 1,
	MIMETypePdf:  2,
	MIMETypeXlsx: 3,
}

// 组件名称常量,用于日志事件的来源标记
const (
	ComponentNormalizer          = "normalizer"
	ComponentDictionaryExtractor = "extractor.dictionary-export"
	ComponentTeamExtractor       = "extractor.team-export"
	ComponentMetadataExtractor   = "extractor.metadata-service"
	ComponentMerger              = "merger"
	ComponentDownloader          = "downloader"
	ComponentVerifier            = "verifier"
	ComponentReporter            = "reporter"
	ComponentPipeline            = "pipeline"
)
