// Package bus 提供按主题和事件名分发的类型化发布/订阅通道。
// 各组件通过它发布生命周期事件，指标、websocket 事件流与 NATS 桥接作为观察者订阅。
package bus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"OpenMCP-Orchestrator/pkg/logger"
)

// Event 是投递给主题订阅者的事件信封。
type Event[T any] struct {
	Topic   string    `json:"topic"`
	Name    string    `json:"event"`
	Payload T         `json:"payload"`
	Time    time.Time `json:"time"`
}

// Topic 把主题名与负载类型绑定，处理函数的负载类型在编译期检查。
type Topic[T any] struct {
	name string
}

// NewTopic 声明负载类型为 T 的主题。
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name 返回主题名。
func (t Topic[T]) Name() string { return t.name }

// TapFunc 接收总线上所有主题的事件。
type TapFunc func(topic, name string, payload any, at time.Time)

type subscription struct {
	id      uint64
	topic   string
	pattern string
	deliver func(name string, payload any, at time.Time)
}

// Bus 在发布者的 goroutine 中同步投递事件。
// 发布者可能在多步状态迁移的中途发布，处理函数不能假定发布者的状态已经落定。
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*subscription
	taps   map[uint64]TapFunc
	logger *slog.Logger
}

// Option 配置 Bus。
type Option func(*Bus)

// WithLogger 设置记录处理函数 panic 的日志器。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New 创建空的事件总线。
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[string]map[uint64]*subscription),
		taps: make(map[uint64]TapFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = logger.Named("bus")
	}
	return b
}

// Subscribe 为主题上名称匹配 pattern 的事件注册处理函数。
// 空 pattern 或 "*" 匹配所有事件，其余按 doublestar 通配语法匹配，如 "stage:*"、"aitask:step-*"。
// 返回的函数用于取消订阅。
func Subscribe[T any](b *Bus, topic Topic[T], pattern string, handler func(Event[T])) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	if pattern == "" {
		pattern = "*"
	}
	sub := &subscription{
		topic:   topic.name,
		pattern: pattern,
		deliver: func(name string, payload any, at time.Time) {
			typed, ok := payload.(T)
			if !ok {
				return
			}
			handler(Event[T]{Topic: topic.name, Name: name, Payload: typed, Time: at})
		},
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	set := b.subs[topic.name]
	if set == nil {
		set = make(map[uint64]*subscription)
		b.subs[topic.name] = set
	}
	set[sub.id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[sub.topic]; ok {
			delete(set, sub.id)
			if len(set) == 0 {
				delete(b.subs, sub.topic)
			}
		}
	}
}

// Publish 在主题上发布事件。nil 总线上发布不做任何事。
func Publish[T any](b *Bus, topic Topic[T], name string, payload T) {
	if b == nil {
		return
	}
	b.publish(topic.name, name, payload)
}

// Tap 注册接收所有主题事件的回调，返回的函数用于移除。
func (b *Bus) Tap(fn TapFunc) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.taps[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.taps, id)
		b.mu.Unlock()
	}
}

func (b *Bus) publish(topic, name string, payload any) {
	at := time.Now()

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		if matchPattern(sub.pattern, name) {
			matched = append(matched, sub)
		}
	}
	tapIDs := make([]uint64, 0, len(b.taps))
	for id := range b.taps {
		tapIDs = append(tapIDs, id)
	}
	taps := make([]TapFunc, 0, len(tapIDs))
	sort.Slice(tapIDs, func(i, j int) bool { return tapIDs[i] < tapIDs[j] })
	for _, id := range tapIDs {
		taps = append(taps, b.taps[id])
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, sub := range matched {
		b.safeCall(topic, name, func() { sub.deliver(name, payload, at) })
	}
	for _, tap := range taps {
		b.safeCall(topic, name, func() { tap(topic, name, payload, at) })
	}
}

func (b *Bus) safeCall(topic, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("topic", topic),
				slog.String("event", name),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

func matchPattern(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return ok
}
