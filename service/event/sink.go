/*
 * @module service/event/sink
 * @description 运行日志事件接收器,提供只追加的事件流,支持内存收集、JSONL 文件落盘和多路分发
 * @architecture 事件驱动架构 - 显式注入的事件接收器,替代全局可变日志流
 * @documentReference ai_docs/cde_catalog_design.md
 * @stateFlow 组件产生事件 -> Emit 追加 -> 运行结束后由报告器扫描物化副本
 * @rules 事件只追加不修改;Emit 必须支持并发调用;组件通过参数显式接收 Sink
 * @dependencies cdehub-service/service/models, cdehub-service/service/meta
 * @refs service/reporter, service/pipeline_service
 */

package event

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"cdehub-service/service/meta"
	"cdehub-service/service/models"
)

// Sink 日志事件接收器,只追加
type Sink interface {
	Emit(event models.LogEvent)
}

// Infof 向接收器追加一条 info 级别事件
func Infof(s Sink, component, format string, args ...interface{}) {
	emit(s, meta.LevelInfo, component, format, args...)
}

// Warnf 向接收器追加一条 warning 级别事件
func Warnf(s Sink, component, format string, args ...interface{}) {
	emit(s, meta.LevelWarning, component, format, args...)
}

// Errorf 向接收器追加一条 error 级别事件
func Errorf(s Sink, component, format string, args ...interface{}) {
	emit(s, meta.LevelError, component, format, args...)
}

func emit(s Sink, level meta.LogLevel, component, format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.Emit(models.LogEvent{
		Level:           level,
		Message:         fmt.Sprintf(format, args...),
		SourceComponent: component,
		Timestamp:       time.Now(),
	})
}

// MemorySink 内存事件接收器,保留全部事件供报告器扫描
type MemorySink struct {
	mu     sync.Mutex
	events []models.LogEvent
}

// NewMemorySink 创建内存事件接收器
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit 追加一条事件,并发安全
func (s *MemorySink) Emit(event models.LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events 返回已收集事件的副本,保持追加顺序
func (s *MemorySink) Events() []models.LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]models.LogEvent, len(s.events))
	copy(result, s.events)
	return result
}

// CountByLevel 统计某一级别的事件数
func (s *MemorySink) CountByLevel(level meta.LogLevel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.events {
		if e.Level == level {
			count++
		}
	}
	return count
}

// FileSink 文件事件接收器,以 JSONL 格式逐行追加落盘
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink 打开(或创建)事件日志文件,始终以追加模式写入
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开事件日志文件失败: %w", err)
	}
	return &FileSink{file: file}, nil
}

// Emit 序列化并追加一行事件,序列化失败时丢弃该事件
func (s *FileSink) Emit(event models.LogEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Write(append(data, '\n'))
}

// Close 关闭底层文件
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MultiSink 多路事件接收器,将事件分发给全部下游接收器
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink 创建多路事件接收器
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Emit 依次分发事件
func (s *MultiSink) Emit(event models.LogEvent) {
	for _, sink := range s.sinks {
		sink.Emit(event)
	}
}

// ReadEventsFile 读取 JSONL 事件日志文件,返回全部事件
// 无法解析的行跳过,保证部分损坏的日志仍可生成摘要
func ReadEventsFile(path string) ([]models.LogEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("读取事件日志文件失败: %w", err)
	}
	defer file.Close()

	var events []models.LogEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event models.LogEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("扫描事件日志文件失败: %w", err)
	}
	return events, nil
}
