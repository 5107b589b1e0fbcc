package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher 是桥接使用的 *nats.Conn 方法子集。
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge 把总线上的所有事件转发到 NATS，供进程外的桌面端和看板跟踪流水线与任务进度。
// subject 格式为 "<prefix>.<topic>.<event>"，事件名中的 ':' 替换为 '.'，如 "openmcp.pipeline.stage.start"。
type NATSBridge struct {
	publisher Publisher
	conn      *nats.Conn
	prefix    string
	untap     func()
	logger    *slog.Logger
}

type bridgedEvent struct {
	Topic   string    `json:"topic"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// NewNATSBridge 把 publisher 挂接到总线 b。
func NewNATSBridge(b *Bus, publisher Publisher, prefix string) (*NATSBridge, error) {
	if b == nil {
		return nil, errors.New("事件总线为空")
	}
	if publisher == nil {
		return nil, errors.New("NATS 发布者为空")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "openmcp"
	}
	bridge := &NATSBridge{publisher: publisher, prefix: prefix, logger: b.logger}
	bridge.untap = b.Tap(bridge.forward)
	return bridge, nil
}

// DialNATSBridge 连接 url 指定的 NATS 服务并挂接桥接。
func DialNATSBridge(b *Bus, url, prefix string) (*NATSBridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("openmcpd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	bridge, err := NewNATSBridge(b, conn, prefix)
	if err != nil {
		conn.Close()
		return nil, err
	}
	bridge.conn = conn
	return bridge, nil
}

// Subject 返回事件转发到的 NATS subject。
func (n *NATSBridge) Subject(topic, name string) string {
	event := strings.NewReplacer(":", ".", " ", "_").Replace(name)
	return n.prefix + "." + topic + "." + event
}

func (n *NATSBridge) forward(topic, name string, payload any, at time.Time) {
	data, err := json.Marshal(bridgedEvent{Topic: topic, Event: name, Payload: payload, Time: at})
	if err != nil {
		n.logger.Warn("序列化事件失败", slog.String("topic", topic), slog.String("event", name), slog.Any("error", err))
		return
	}
	if err := n.publisher.Publish(n.Subject(topic, name), data); err != nil {
		n.logger.Warn("转发事件到 NATS 失败", slog.String("topic", topic), slog.String("event", name), slog.Any("error", err))
	}
}

// Close 解除桥接，并排空自身持有的连接。
func (n *NATSBridge) Close() error {
	if n == nil {
		return nil
	}
	if n.untap != nil {
		n.untap()
		n.untap = nil
	}
	if n.conn != nil {
		err := n.conn.Drain()
		n.conn = nil
		return err
	}
	return nil
}
