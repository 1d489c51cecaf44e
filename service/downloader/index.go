/*
 * @module service/downloader/index
 * @description 资料库目录索引,解析目录导出 CSV,按文件名推导 CDE 标识并按语言和类型权重排序工件
 * @architecture 分层架构 - 业务逻辑层
 * @documentReference ai_docs/repo_download_design.md
 * @stateFlow 目录 CSV 解析 -> 文件名推导标识与语言 -> 按标识聚合 -> 语言/类型权重排序
 * @rules 文件名后缀推导的语言优先于目录列声明;无法识别的文件名记警告但仍参与索引
 * @dependencies cdehub-service/service/utils, cdehub-service/service/models
 * @refs downloader.go, service/utils/normalizer.go
 */

package downloader

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"

	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
	"cdehub-service/service/utils"
)

// 目录导出的语言列取值到语言代码
var catalogLanguages = map[string]string{
	"english": "en",
	"spanish": "es",
	"chinese": "zh-CN",
	"swedish": "sv",
	"french":  "fr",
}

// RepositoryIndex 资料库目录索引,CDE 标识 -> 有序工件列表
type RepositoryIndex struct {
	byCDE map[string][]models.ArtifactRef
}

// BuildIndex 解析目录导出 CSV 并构建索引
// 列: Title, Description, File Language, Link to File, Core or Supplemental, CDE Topics
func BuildIndex(catalogCSV []byte, sink event.Sink) (*RepositoryIndex, error) {
	table, err := utils.NewTableReader().Read(bytes.NewReader(catalogCSV))
	if err != nil {
		return nil, fmt.Errorf("解析资料库目录失败: %w", err)
	}

	normalizer := utils.NewNormalizer()
	index := &RepositoryIndex{byCDE: make(map[string][]models.ArtifactRef)}
	skipped := 0
	for i := 0; i < table.Len(); i++ {
		row := table.Row(i)
		link := strings.TrimSpace(row.Get("Link to File", "link"))
		if link == "" {
			skipped++
			continue
		}

		filename := path.Base(link)
		cdeID, suffixLang, known := normalizer.DeriveFileID(filename)
		if !known {
			event.Warnf(sink, meta.ComponentDownloader, "目录第 %d 行文件名 %s 不符合命名约定,按词干 %s 索引", i+2, filename, cdeID)
		}

		language := suffixLang
		if language == "" {
			language = catalogLanguages[strings.ToLower(strings.TrimSpace(row.Get("File Language", "language")))]
		}
		if language == "" {
			language = "en"
		}

		index.byCDE[cdeID] = append(index.byCDE[cdeID], models.ArtifactRef{
			URL:         link,
			Filename:    strings.ToLower(filename),
			Title:       strings.TrimSpace(row.Get("Title")),
			Description: strings.TrimSpace(row.Get("Description")),
			Language:    language,
			MIMEType:    normalizer.MIMETypeFor(filename),
			Categories:  parseCategories(row.Get("Core or Supplemental"), row.Get("CDE Topics")),
		})
	}

	for cdeID := range index.byCDE {
		sortArtifacts(index.byCDE[cdeID])
	}

	event.Infof(sink, meta.ComponentDownloader, "资料库目录索引完成: %d 行, %d 个标识, %d 行无链接跳过", table.Len(), len(index.byCDE), skipped)
	return index, nil
}

// parseCategories 汇总分类列取值,逗号分隔、去重后排序
func parseCategories(values ...string) []string {
	seen := make(map[string]bool)
	var categories []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			categories = append(categories, part)
		}
	}
	sort.Strings(categories)
	return categories
}

// Size 返回索引中的标识数
func (x *RepositoryIndex) Size() int {
	return len(x.byCDE)
}

// ArtifactsFor 返回一个标识下的全部工件,按语言和类型权重排序
func (x *RepositoryIndex) ArtifactsFor(cdeID string) []models.ArtifactRef {
	return x.byCDE[cdeID]
}

// Select 为一个标识选取待下载工件:每种请求的文件类型取语言权重最高的一个
// 类型在索引中不存在时静默略过,调用方根据返回列表长度判断缺失
func (x *RepositoryIndex) Select(cdeID string, mimeTypes []string) []models.ArtifactRef {
	var selected []models.ArtifactRef
	for _, mimeType := range mimeTypes {
		for _, artifact := range x.byCDE[cdeID] {
			if artifact.MIMEType == mimeType {
				selected = append(selected, artifact)
				break
			}
		}
	}
	return selected
}

// sortArtifacts 按 (语言权重, 类型权重, 文件名) 排序,未知语言与类型排在末尾
func sortArtifacts(artifacts []models.ArtifactRef) {
	sort.SliceStable(artifacts, func(i, j int) bool {
		li, lj := languageWeight(artifacts[i].Language), languageWeight(artifacts[j].Language)
		if li != lj {
			return li < lj
		}
		mi, mj := mimeWeight(artifacts[i].MIMEType), mimeWeight(artifacts[j].MIMEType)
		if mi != mj {
			return mi < mj
		}
		return artifacts[i].Filename < artifacts[j].Filename
	})
}

func languageWeight(language string) int {
	if weight, ok := meta.LanguageOrder[language]; ok {
		return weight
	}
	return len(meta.LanguageOrder) + 1
}

func mimeWeight(mimeType string) int {
	if weight, ok := meta.MIMETypeOrder[mimeType]; ok {
		return weight
	}
	return len(meta.MIMETypeOrder) + 1
}
