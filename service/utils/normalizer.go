/*
 * @module service/utils/normalizer
 * @description 标识符规范化器,将人工录入的研究名、表单名和 CDE 编码规范化为可比较的键,
 *              并从资料库文件名推导文件标识和语言
 * @architecture 分层架构 - 数据转换层
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 原始字符串 -> 去首尾空白 -> 压缩内部空白 -> 小写 -> 去首尾标点 -> 规范化键
 * @rules 规范化必须确定且幂等;版本后缀保留;内部标点保留,不同标点变体视为不同标识
 * @dependencies cdehub-service/service/meta
 * @refs service/extractor, service/downloader
 */

package utils

import (
	"fmt"
	"strings"

	"cdehub-service/service/meta"
)

// NormalizationError 标识符规范化失败,输入在清理后为空
type NormalizationError struct {
	Raw  string
	Kind meta.IdentifierKind
}

// Error 实现 error 接口
func (e *NormalizationError) Error() string {
	return fmt.Sprintf("无法规范化 %s 标识符: %q", e.Kind, e.Raw)
}

// 首尾需要剥离的非语义标点
const edgePunctuation = ".,;:!?\"'()[]{}"

// Normalizer 标识符规范化器,无状态
type Normalizer struct{}

// NewNormalizer 创建标识符规范化器
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize 将原始标识符规范化为可比较的键
// 规则:去首尾空白 -> 压缩内部空白为单个空格 -> 小写 -> 去首尾标点
// 幂等:Normalize(Normalize(x)) == Normalize(x)
// 清理后为空时返回 NormalizationError
func (n *Normalizer) Normalize(raw string, kind meta.IdentifierKind) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ToLower(s)
	s = strings.Trim(s, edgePunctuation)
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &NormalizationError{Raw: raw, Kind: kind}
	}
	return s, nil
}

// NormalizeHeader 规范化表头名称用于宽松列名匹配
// 不同来源的导出文件存在表头漂移(大小写、多余空白、&nbsp; 残留),统一后再比较
func (n *Normalizer) NormalizeHeader(header string) string {
	s := strings.ReplaceAll(header, " ", " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.TrimSpace(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

// fileIDSuffixes 资料库文件名后缀表,按特殊到一般排列,首个匹配生效
// 后缀决定文件语言;无语言信息的后缀语言留空,由目录行的语言列补充
var fileIDSuffixes = []struct {
	suffix string
	lang   string
}{
	{"-crf-pediatric-spanish.docx", "es"},
	{"-copyright-statement-pediatric.docx", ""},
	{"-crf-simplified-chinese.docx", "zh-CN"},
	{"-crf-traditional-chinese.docx", "zh-TW"},
	{"-copyright-statement_.docx", ""},
	{"-copyright-statement.docx", ""},
	{"-copyright_statement.docx", ""},
	{"-copright-statement.docx", ""},
	{"-copyright-statment.docx", ""},
	{"-copyright-statement.pdf", ""},
	{"-crf-pediatric.docx", ""},
	{"-pediatric-crf.docx", ""},
	{"-cde-pediatric.xlsx", ""},
	{"-crf-japanese.docx", "ja"},
	{"-spanish-crf.docx", "es"},
	{"-crf-spanish.docx", "es"},
	{"-crf-swedish.docx", "sv"},
	{"-crf-spanish.pdf", "es"},
	{"-crf-swedish.pdf", "sv"},
	{"-korean.docx", "ko"},
	{"-crf-.xlsx", ""},
	{"-cde_.xlsx", ""},
	{"-cdes.xlsx", ""},
	{"-crf.docx", ""},
	{"-cde.docx", ""},
	{"-crf.xlsx", ""},
	{"-cde.xlsx", ""},
	{"-crf.pdf", ""},
	{"-cde.pdf", ""},
}

// DeriveFileID 从资料库文件名推导文件标识和语言
// 同一 CDE 的多个变体文件(语言版本、文件格式、版权声明)共享同一主干,
// 剥离已知后缀后即得到可聚合的文件标识
// 后缀未知时退化为去扩展名的主干并返回 false,由调用方记录警告
func (n *Normalizer) DeriveFileID(filename string) (id, lang string, known bool) {
	lower := strings.ToLower(strings.TrimSpace(filename))
	for _, entry := range fileIDSuffixes {
		if strings.HasSuffix(lower, entry.suffix) {
			return strings.TrimSuffix(lower, entry.suffix), entry.lang, true
		}
	}
	stem := lower
	if idx := strings.LastIndex(lower, "."); idx > 0 {
		stem = lower[:idx]
	}
	return stem, "", false
}

// MIMETypeFor 根据 URL 或文件名的扩展名推断 MIME 类型
// 未知扩展名按二进制流处理
func (n *Normalizer) MIMETypeFor(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".docx"):
		return meta.MIMETypeDocx
	case strings.HasSuffix(lower, ".xlsx"):
		return meta.MIMETypeXlsx
	case strings.HasSuffix(lower, ".pdf"):
		return meta.MIMETypePdf
	default:
		return meta.MIMETypeOctetStream
	}
}
