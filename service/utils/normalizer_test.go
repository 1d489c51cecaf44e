/*
 * @module service/utils/normalizer_test
 * @description 标识符规范化器单元测试
 * @architecture 测试层 - 纯函数测试,无外部依赖
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 输入参数 -> 函数调用 -> 输出验证
 * @rules 固定规范化规则的字面行为,保证确定性和幂等性
 * @dependencies testing, testify
 * @refs normalizer.go
 */

package utils

import (
	"errors"
	"testing"

	"cdehub-service/service/meta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := NewNormalizer()

	testCases := []struct {
		name     string
		input    string
		kind     meta.IdentifierKind
		expected string
		wantErr  bool
	}{
		{
			name:     "末尾空格加大小写",
			input:    "Pain Score ",
			kind:     meta.IdentifierKindForm,
			expected: "pain score",
		},
		{
			name:     "内部多余空白压缩",
			input:    "  Adult   Pain\tIntensity ",
			kind:     meta.IdentifierKindForm,
			expected: "adult pain intensity",
		},
		{
			name:     "版本后缀保留",
			input:    "PROMIS Sleep Disturbance v1.0",
			kind:     meta.IdentifierKindForm,
			expected: "promis sleep disturbance v1.0",
		},
		{
			name:     "首尾标点剥离",
			input:    `"Opioid Use (Adult)"`,
			kind:     meta.IdentifierKindForm,
			expected: "opioid use (adult",
		},
		{
			name:     "内部连字符保留",
			input:    "foo-bar",
			kind:     meta.IdentifierKindStudy,
			expected: "foo-bar",
		},
		{
			name:     "内部下划线保留",
			input:    "foo_bar",
			kind:     meta.IdentifierKindStudy,
			expected: "foo_bar",
		},
		{
			name:    "空字符串",
			input:   "",
			kind:    meta.IdentifierKindCDE,
			wantErr: true,
		},
		{
			name:    "纯空白",
			input:   "   \t ",
			kind:    meta.IdentifierKindCDE,
			wantErr: true,
		},
		{
			name:    "纯标点",
			input:   `"..."`,
			kind:    meta.IdentifierKindCDE,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := n.Normalize(tc.input, tc.kind)
			if tc.wantErr {
				require.Error(t, err)
				var normErr *NormalizationError
				assert.True(t, errors.As(err, &normErr))
				assert.Equal(t, tc.kind, normErr.Kind)
				assert.Equal(t, tc.input, normErr.Raw)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.expected, result)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := NewNormalizer()

	inputs := []string{
		"Pain Score ",
		"  Adult   Pain Intensity ",
		"PROMIS Sleep Disturbance v1.0",
		`"Opioid Use (Adult)"`,
		"foo-bar",
		"already normalized",
	}

	for _, input := range inputs {
		once, err := n.Normalize(input, meta.IdentifierKindForm)
		require.NoError(t, err)
		twice, err := n.Normalize(once, meta.IdentifierKindForm)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "规范化结果必须幂等: %q", input)
	}
}

func TestNormalizeDistinctVariants(t *testing.T) {
	n := NewNormalizer()

	// 标点变体是不同的标识,除非人工修正显式等同
	a, err := n.Normalize("foo-bar", meta.IdentifierKindStudy)
	require.NoError(t, err)
	b, err := n.Normalize("foo_bar", meta.IdentifierKindStudy)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNormalizeHeader(t *testing.T) {
	n := NewNormalizer()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "表头残留nbsp实体",
			input:    "Project Title  &nbsp; ",
			expected: "project title",
		},
		{
			name:     "表头残留不换行空格",
			input:    "Project Number",
			expected: "project number",
		},
		{
			name:     "大小写统一",
			input:    "HDP IDs",
			expected: "hdp ids",
		},
		{
			name:     "普通表头原样小写",
			input:    "Record ID",
			expected: "record id",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, n.NormalizeHeader(tc.input))
		})
	}
}

func TestDeriveFileID(t *testing.T) {
	n := NewNormalizer()

	testCases := []struct {
		name      string
		filename  string
		wantID    string
		wantLang  string
		wantKnown bool
	}{
		{
			name:      "英文CRF文档",
			filename:  "adult-pain-intensity-crf.docx",
			wantID:    "adult-pain-intensity",
			wantKnown: true,
		},
		{
			name:      "CDE表格",
			filename:  "adult-pain-intensity-cde.xlsx",
			wantID:    "adult-pain-intensity",
			wantKnown: true,
		},
		{
			name:      "西班牙语CRF",
			filename:  "adult-pain-intensity-crf-spanish.docx",
			wantID:    "adult-pain-intensity",
			wantLang:  "es",
			wantKnown: true,
		},
		{
			name:      "瑞典语PDF",
			filename:  "sleep-duration-crf-swedish.pdf",
			wantID:    "sleep-duration",
			wantLang:  "sv",
			wantKnown: true,
		},
		{
			name:      "韩语文档",
			filename:  "pain-interference-korean.docx",
			wantID:    "pain-interference",
			wantLang:  "ko",
			wantKnown: true,
		},
		{
			name:      "简体中文CRF",
			filename:  "pain-interference-crf-simplified-chinese.docx",
			wantID:    "pain-interference",
			wantLang:  "zh-CN",
			wantKnown: true,
		},
		{
			name:      "儿科西班牙语变体优先于通用西班牙语后缀",
			filename:  "pain-intensity-crf-pediatric-spanish.docx",
			wantID:    "pain-intensity",
			wantLang:  "es",
			wantKnown: true,
		},
		{
			name:      "版权声明归入同一主干",
			filename:  "adult-pain-intensity-copyright-statement.docx",
			wantID:    "adult-pain-intensity",
			wantKnown: true,
		},
		{
			name:      "文件名大小写不敏感",
			filename:  "ADULT-PAIN-INTENSITY-CRF.DOCX",
			wantID:    "adult-pain-intensity",
			wantKnown: true,
		},
		{
			name:      "未知后缀退化为主干",
			filename:  "readme.txt",
			wantID:    "readme",
			wantKnown: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, lang, known := n.DeriveFileID(tc.filename)
			assert.Equal(t, tc.wantID, id)
			assert.Equal(t, tc.wantLang, lang)
			assert.Equal(t, tc.wantKnown, known)
		})
	}
}

func TestMIMETypeFor(t *testing.T) {
	n := NewNormalizer()

	assert.Equal(t, meta.MIMETypeDocx, n.MIMETypeFor("https://example.org/files/a-crf.docx"))
	assert.Equal(t, meta.MIMETypeXlsx, n.MIMETypeFor("https://example.org/files/a-cde.XLSX"))
	assert.Equal(t, meta.MIMETypePdf, n.MIMETypeFor("a-crf.pdf"))
	assert.Equal(t, meta.MIMETypeOctetStream, n.MIMETypeFor("https://example.org/files/a"))
}
