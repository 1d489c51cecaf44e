/*
 * @module service/utils/table_reader_test
 * @description 分隔表读取器单元测试
 * @architecture 测试层 - 文件与内存输入测试
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 构造 CSV 输入 -> 解析 -> 宽松取列验证
 * @rules 覆盖 BOM 剥离、表头漂移匹配和短行保护
 * @dependencies testing, testify
 * @refs table_reader.go
 */

package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableReaderBOM(t *testing.T) {
	tr := NewTableReader()

	// 导出工具产生的文件带 UTF-8 BOM,首个表头不得混入 BOM 字节
	content := "\ufeffRecord ID,Project Number\n1,HDP00123\n"
	table, err := tr.Read(strings.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, 1, table.Len())
	assert.Equal(t, "1", table.Row(0).Get("Record ID"))
	assert.Equal(t, "HDP00123", table.Row(0).Get("Project Number"))
}

func TestTableReaderFlexibleHeaders(t *testing.T) {
	tr := NewTableReader()

	testCases := []struct {
		name     string
		content  string
		query    []string
		expected string
	}{
		{
			name:     "表头含nbsp残留",
			content:  "Record ID,Project Title  &nbsp; \n7,Chronic Pain Study\n",
			query:    []string{"Project Title"},
			expected: "Chronic Pain Study",
		},
		{
			name:     "大小写漂移",
			content:  "hdp_id,crf_ids\nHDP00001,pain-intensity\n",
			query:    []string{"HDP_ID"},
			expected: "HDP00001",
		},
		{
			name:     "候选列名依次回退",
			content:  "Title,hdp_id\nx,HDP00042\n",
			query:    []string{"HDP IDs", "hdp_id"},
			expected: "HDP00042",
		},
		{
			name:     "列不存在返回空串",
			content:  "Title\nx\n",
			query:    []string{"HDP IDs", "hdp_id"},
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			table, err := tr.Read(strings.NewReader(tc.content))
			require.NoError(t, err)
			require.Equal(t, 1, table.Len())
			assert.Equal(t, tc.expected, table.Row(0).Get(tc.query...))
		})
	}
}

func TestTableReaderShortRow(t *testing.T) {
	tr := NewTableReader()

	// 行内列数不足时取值返回空串而不是越界
	content := "a,b,c\n1,2,3\n4\n"
	table, err := tr.Read(strings.NewReader(content))
	require.NoError(t, err)

	require.Equal(t, 2, table.Len())
	assert.Equal(t, "3", table.Row(0).Get("c"))
	assert.Equal(t, "4", table.Row(1).Get("a"))
	assert.Equal(t, "", table.Row(1).Get("c"))
}

func TestTableReaderEmpty(t *testing.T) {
	tr := NewTableReader()

	_, err := tr.Read(strings.NewReader(""))
	assert.Error(t, err)
}

func TestTableReaderFileRef(t *testing.T) {
	tr := NewTableReader()

	dir := t.TempDir()
	path := filepath.Join(dir, "team-export.csv")
	require.NoError(t, os.WriteFile(path, []byte("Record ID\n1\n2\n"), 0o644))

	table, err := tr.ReadFile(path)
	require.NoError(t, err)

	require.Equal(t, 2, table.Len())
	// 行号从 1 起且包含表头行,首个数据行为第 2 行
	assert.Equal(t, "team-export.csv:2", table.Row(0).Ref())
	assert.Equal(t, "team-export.csv:3", table.Row(1).Ref())
	assert.True(t, table.HasColumn("record id"))
	assert.False(t, table.HasColumn("Project Number"))
}
