/*
 * @module service/utils/table_reader
 * @description 分隔表读取器,兼容带 UTF-8 BOM 的导出文件,按规范化表头宽松取列
 * @architecture 分层架构 - 数据转换层
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 打开文件 -> BOM 解码 -> CSV 解析 -> 表头规范化索引 -> 按行宽松取值
 * @rules 表头匹配先规范化再比较;行内列数不足时取值返回空串而非越界
 * @dependencies encoding/csv, golang.org/x/text/encoding/unicode, golang.org/x/text/transform
 * @refs service/extractor, service/downloader
 */

package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Table 已解析的分隔表,持有规范化表头索引
type Table struct {
	Path       string
	headers    []string
	index      map[string]int
	rows       [][]string
	normalizer *Normalizer
}

// Row 表中的一个数据行
type Row struct {
	table *Table
	idx   int
}

// TableReader 分隔表读取器
type TableReader struct {
	normalizer *Normalizer
}

// NewTableReader 创建分隔表读取器
func NewTableReader() *TableReader {
	return &TableReader{normalizer: NewNormalizer()}
}

// ReadFile 读取一个 CSV 文件
// 导出工具产生的文件普遍带 UTF-8 BOM,统一经 BOM 解码器剥离
func (tr *TableReader) ReadFile(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开表文件失败: %w", err)
	}
	defer file.Close()

	table, err := tr.Read(file)
	if err != nil {
		return nil, fmt.Errorf("解析表文件 %s 失败: %w", path, err)
	}
	table.Path = path
	return table, nil
}

// Read 从任意读取器解析 CSV 内容
func (tr *TableReader) Read(r io.Reader) (*Table, error) {
	decoded := transform.NewReader(r, unicode.UTF8BOM.NewDecoder())
	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("解析 CSV 内容失败: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("表内容为空,缺少表头行")
	}

	table := &Table{
		headers:    records[0],
		index:      make(map[string]int, len(records[0])),
		rows:       records[1:],
		normalizer: tr.normalizer,
	}
	for i, header := range records[0] {
		normalized := tr.normalizer.NormalizeHeader(header)
		if _, exists := table.index[normalized]; !exists {
			table.index[normalized] = i
		}
	}
	return table, nil
}

// Len 返回数据行数(不含表头)
func (t *Table) Len() int {
	return len(t.rows)
}

// Headers 返回原始表头
func (t *Table) Headers() []string {
	return t.headers
}

// HasColumn 判断表中是否存在任一候选列
func (t *Table) HasColumn(names ...string) bool {
	for _, name := range names {
		if _, ok := t.index[t.normalizer.NormalizeHeader(name)]; ok {
			return true
		}
	}
	return false
}

// Row 返回第 i 个数据行
func (t *Table) Row(i int) Row {
	return Row{table: t, idx: i}
}

// Get 按候选列名依次查找,返回首个存在的列的值
// 列不存在或该行列数不足时返回空串
func (r Row) Get(names ...string) string {
	row := r.table.rows[r.idx]
	for _, name := range names {
		col, ok := r.table.index[r.table.normalizer.NormalizeHeader(name)]
		if !ok {
			continue
		}
		if col < len(row) {
			return row[col]
		}
	}
	return ""
}

// Ref 返回该行的原始定位,格式为 文件名:行号(行号从 1 起,含表头行)
func (r Row) Ref() string {
	name := r.table.Path
	if name != "" {
		name = filepath.Base(name)
	} else {
		name = "<memory>"
	}
	return fmt.Sprintf("%s:%d", name, r.idx+2)
}
