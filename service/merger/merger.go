/*
 * @module service/merger
 * @description 映射合并器,将多数据源关联记录按并集语义合并为规范映射,检测排他冲突并按显式优先级裁决,最后顺序应用人工修正
 * @architecture 分层架构 - 业务逻辑层
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 按键分组 -> 逐源并集 -> 排他冲突裁决 -> 人工修正顺序应用 -> 反向索引重建
 * @rules 合并对提取器输出顺序不敏感,对修正顺序严格敏感;每次冲突裁决与修正应用都产生一条事件,绝不静默丢弃
 * @dependencies cdehub-service/service/event, cdehub-service/service/models
 * @refs corrections.go, mapping.go, service/extractor
 */

package merger

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
)

// Merger 映射合并器
// precedence 为显式有序优先级表,位置越靠后的数据源在排他冲突中获胜
type Merger struct {
	precedence []meta.SourceTag
	sink       event.Sink
}

// NewMerger 创建映射合并器
func NewMerger(precedence []meta.SourceTag, sink event.Sink) *Merger {
	return &Merger{precedence: precedence, sink: sink}
}

// sourceClaim 单一数据源在一个键上的断言
type sourceClaim struct {
	cdes      map[string]bool
	exclusive bool // 该源在此键上的字段为单选字段,断言的集合参与互斥检测
}

// Merge 合并关联记录并应用人工修正,返回规范映射
// 记录切片的拼接顺序不影响结果;修正严格按切片顺序逐条应用
func (m *Merger) Merge(records []models.AssociationRecord, corrections []models.CorrectionEntry) *models.CanonicalMapping {
	grouped := groupClaims(records)
	mapping := models.NewCanonicalMapping()

	keys := sortedKeys(grouped)
	conflicts := 0
	for _, key := range keys {
		claims := grouped[key]
		order := m.sourceOrder(claims)
		losers := m.resolveExclusiveConflicts(key, claims, order, &conflicts)

		for _, tag := range order {
			if losers[tag] {
				continue
			}
			for _, cdeID := range sortedCDEs(claims[tag].cdes) {
				mapping.Add(key, cdeID, tag)
			}
		}
	}

	m.applyCorrections(mapping, corrections)
	mapping.RebuildReverse()

	slog.Info("映射合并完成",
		"keys", len(keys),
		"entries", mapping.EntryCount(),
		"conflicts", conflicts,
		"corrections", len(corrections))
	event.Infof(m.sink, meta.ComponentMerger, "合并 %d 条记录为 %d 个键 %d 个三元组,裁决 %d 次冲突,应用 %d 条修正",
		len(records), len(keys), mapping.EntryCount(), conflicts, len(corrections))
	return mapping
}

// groupClaims 按 (研究, 表单) 分组,组内按来源聚合断言集合
// 只做集合归并,结果与记录顺序无关
func groupClaims(records []models.AssociationRecord) map[models.MappingKey]map[meta.SourceTag]*sourceClaim {
	grouped := make(map[models.MappingKey]map[meta.SourceTag]*sourceClaim)
	for _, record := range records {
		key := models.MappingKey{StudyID: record.StudyID, FormID: record.FormID}
		claims, ok := grouped[key]
		if !ok {
			claims = make(map[meta.SourceTag]*sourceClaim)
			grouped[key] = claims
		}
		claim, ok := claims[record.SourceTag]
		if !ok {
			claim = &sourceClaim{cdes: make(map[string]bool)}
			claims[record.SourceTag] = claim
		}
		claim.cdes[record.CDEID] = true
		if record.Exclusive {
			claim.exclusive = true
		}
	}
	return grouped
}

// sourceOrder 返回一个键上出现的来源的处理顺序
// 优先级表内的来源按表序靠后处理,表外来源按字典序最先处理
func (m *Merger) sourceOrder(claims map[meta.SourceTag]*sourceClaim) []meta.SourceTag {
	known := make(map[meta.SourceTag]bool, len(m.precedence))
	for _, tag := range m.precedence {
		known[tag] = true
	}

	var unknown []meta.SourceTag
	for tag := range claims {
		if !known[tag] {
			unknown = append(unknown, tag)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })

	order := unknown
	for _, tag := range m.precedence {
		if _, present := claims[tag]; present {
			order = append(order, tag)
		}
	}
	return order
}

// exclusiveGroup 一个键上互证的排他断言组
type exclusiveGroup struct {
	tags []meta.SourceTag
	cdes map[string]bool
}

// resolveExclusiveConflicts 检测并裁决一个键上的排他冲突
// 集合相交的排他断言互证合组;与当前组不相交的后续排他断言构成冲突,
// 处理顺序靠后者胜,败方全组断言作废
func (m *Merger) resolveExclusiveConflicts(key models.MappingKey, claims map[meta.SourceTag]*sourceClaim, order []meta.SourceTag, conflicts *int) map[meta.SourceTag]bool {
	losers := make(map[meta.SourceTag]bool)

	var group *exclusiveGroup
	for _, tag := range order {
		claim := claims[tag]
		if !claim.exclusive {
			continue
		}
		if group == nil {
			group = newExclusiveGroup(tag, claim)
			continue
		}
		if overlaps(group.cdes, claim.cdes) {
			group.tags = append(group.tags, tag)
			for cdeID := range claim.cdes {
				group.cdes[cdeID] = true
			}
			continue
		}

		*conflicts++
		event.Warnf(m.sink, meta.ComponentMerger,
			"键 (%s, %s) 排他冲突: %s 断言 %s 与 %s 断言 %s 互斥,按优先级保留 %s",
			key.StudyID, key.FormID,
			joinTags(group.tags), joinCDEs(group.cdes),
			tag, joinCDEs(claim.cdes),
			tag)
		for _, loser := range group.tags {
			losers[loser] = true
		}
		group = newExclusiveGroup(tag, claim)
	}
	return losers
}

// newExclusiveGroup 以单个断言开组
func newExclusiveGroup(tag meta.SourceTag, claim *sourceClaim) *exclusiveGroup {
	cdes := make(map[string]bool, len(claim.cdes))
	for cdeID := range claim.cdes {
		cdes[cdeID] = true
	}
	return &exclusiveGroup{tags: []meta.SourceTag{tag}, cdes: cdes}
}

// joinTags 将来源标签组格式化为事件中的可读形式
func joinTags(tags []meta.SourceTag) string {
	parts := make([]string, len(tags))
	for i, tag := range tags {
		parts[i] = string(tag)
	}
	return strings.Join(parts, "+")
}

// applyCorrections 严格按文件顺序应用人工修正,每条修正产生一条事件
func (m *Merger) applyCorrections(mapping *models.CanonicalMapping, corrections []models.CorrectionEntry) {
	for _, correction := range corrections {
		key := models.MappingKey{StudyID: correction.StudyID, FormID: correction.FormID}
		switch correction.Action {
		case meta.CorrectionActionAdd:
			if len(mapping.CDEs(key)) == 0 {
				event.Infof(m.sink, meta.ComponentMerger,
					"修正引入新键 (%s, %s) -> %s", key.StudyID, key.FormID, correction.CDEID)
			} else {
				event.Infof(m.sink, meta.ComponentMerger,
					"修正追加 (%s, %s) -> %s", key.StudyID, key.FormID, correction.CDEID)
			}
			mapping.Add(key, correction.CDEID, meta.SourceManualCorrection)

		case meta.CorrectionActionRemove:
			if mapping.Remove(key, correction.CDEID) {
				event.Infof(m.sink, meta.ComponentMerger,
					"修正移除 (%s, %s) -> %s", key.StudyID, key.FormID, correction.CDEID)
			} else {
				event.Warnf(m.sink, meta.ComponentMerger,
					"修正移除 (%s, %s) -> %s 未命中任何三元组", key.StudyID, key.FormID, correction.CDEID)
			}

		case meta.CorrectionActionReplace:
			removed := mapping.RemoveAll(key)
			mapping.Add(key, correction.CDEID, meta.SourceManualCorrection)
			event.Infof(m.sink, meta.ComponentMerger,
				"修正替换 (%s, %s): 移除 [%s] 改为 %s", key.StudyID, key.FormID, strings.Join(removed, " "), correction.CDEID)

		default:
			// 解析阶段已过滤非法动作,此处只作兜底
			event.Errorf(m.sink, meta.ComponentMerger,
				"修正动作 %q 无法识别,跳过 (%s, %s)", correction.Action, key.StudyID, key.FormID)
		}
	}
}

// sortedKeys 返回分组键的升序排列,保证事件顺序确定
func sortedKeys(grouped map[models.MappingKey]map[meta.SourceTag]*sourceClaim) []models.MappingKey {
	keys := make([]models.MappingKey, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StudyID != keys[j].StudyID {
			return keys[i].StudyID < keys[j].StudyID
		}
		return keys[i].FormID < keys[j].FormID
	})
	return keys
}

// sortedCDEs 返回断言集合的升序排列
func sortedCDEs(cdes map[string]bool) []string {
	out := make([]string, 0, len(cdes))
	for cdeID := range cdes {
		out = append(out, cdeID)
	}
	sort.Strings(out)
	return out
}

// joinCDEs 将断言集合格式化为事件中的可读形式
func joinCDEs(cdes map[string]bool) string {
	return fmt.Sprintf("{%s}", strings.Join(sortedCDEs(cdes), " "))
}

// overlaps 判断两个断言集合是否相交
func overlaps(a, b map[string]bool) bool {
	for cdeID := range a {
		if b[cdeID] {
			return true
		}
	}
	return false
}
