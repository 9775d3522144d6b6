// Package natsjetstream 通过 NATS JetStream 发布变更消息
//
// 主题为 <SubjectPrefix><EntityType>.<消息类型>，消息 id 作为 Nats-Msg-Id 用于去重。
package natsjetstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"gopersist/changefeed"
	apperrors "gopersist/errors"
	"gopersist/logging"
)

// jetStream 发布所需的 JetStream 子集
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Config JetStream 发布配置
type Config struct {
	URL           string
	Conn          *nats.Conn
	Stream        string
	SubjectPrefix string
	Logger        logging.Logger

	// 可选：流参数
	Retention string // limits|interest|workqueue（默认 limits）
	MaxBytes  int64  // 0 表示不设置
	MaxAge    time.Duration
	Replicas  int // 0 表示默认
}

// Publisher 基于 JetStream 的 changefeed.Publisher
type Publisher struct {
	cfg      Config
	js       jetStream
	conn     *nats.Conn
	ownsConn bool
	logger   logging.Logger
}

var _ changefeed.Publisher = (*Publisher)(nil)

// NewPublisher 连接 NATS 并确保流存在
func NewPublisher(cfg Config) (*Publisher, error) {
	cfg = withDefaults(cfg)
	conn, own := cfg.Conn, false
	if conn == nil {
		url := cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		c, err := nats.Connect(url)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeQueue, "connect nats")
		}
		conn, own = c, true
	}
	js, err := conn.JetStream()
	if err != nil {
		if own {
			conn.Close()
		}
		return nil, err
	}
	if err := ensureStream(js, cfg); err != nil {
		if own {
			conn.Close()
		}
		return nil, err
	}
	p := newPublisher(cfg, js)
	p.conn, p.ownsConn = conn, own
	return p, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Stream == "" {
		cfg.Stream = "CHANGEFEED"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "changefeed."
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("changefeed.nats")
	}
	return cfg
}

func newPublisher(cfg Config, js jetStream) *Publisher {
	cfg = withDefaults(cfg)
	return &Publisher{cfg: cfg, js: js, logger: cfg.Logger}
}

func ensureStream(js nats.JetStreamContext, cfg Config) error {
	_, err := js.StreamInfo(cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	retention := nats.LimitsPolicy
	switch strings.ToLower(cfg.Retention) {
	case "workqueue":
		retention = nats.WorkQueuePolicy
	case "interest":
		retention = nats.InterestPolicy
	}
	sc := &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ">"},
		Retention: retention,
	}
	if cfg.MaxBytes > 0 {
		sc.MaxBytes = cfg.MaxBytes
	}
	if cfg.MaxAge > 0 {
		sc.MaxAge = cfg.MaxAge
	}
	if cfg.Replicas > 0 {
		sc.Replicas = cfg.Replicas
	}
	_, err = js.AddStream(sc)
	return err
}

// Publish 发布单条消息
func (p *Publisher) Publish(ctx context.Context, message *changefeed.Message) error {
	data, err := Marshal(message)
	if err != nil {
		return err
	}
	subject := p.SubjectName(message)
	opts := []nats.PubOpt{nats.MsgId(message.ID)}
	// 没有截止时间的 ctx 交给 JetStream 默认超时
	if _, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Context(ctx))
	}
	if _, err := p.js.Publish(subject, data, opts...); err != nil {
		p.logger.Warn(ctx, "JetStream 发布失败", logging.String("subject", subject), logging.Error(err))
		return err
	}
	return nil
}

// PublishAll 逐条发布
func (p *Publisher) PublishAll(ctx context.Context, messages []*changefeed.Message) error {
	for _, msg := range messages {
		if err := p.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭自建的连接
func (p *Publisher) Close() error {
	if p.ownsConn && p.conn != nil {
		p.conn.Close()
	}
	return nil
}

// SubjectName 返回消息的发布主题
func (p *Publisher) SubjectName(message *changefeed.Message) string {
	return p.cfg.SubjectPrefix + message.EntityType + "." + message.Type
}

type wireMessage struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   map[string]any  `json:"metadata"`
}

// Marshal 编码消息，时间戳为纳秒
func Marshal(msg *changefeed.Message) ([]byte, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeQueue, "encode payload")
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(wireMessage{
		ID:         msg.ID,
		Type:       msg.Type,
		EntityType: msg.EntityType,
		EntityID:   msg.EntityID,
		Timestamp:  ts.UnixNano(),
		Payload:    payload,
		Metadata:   msg.Metadata,
	})
}

// Unmarshal 解码 Marshal 的输出
func Unmarshal(data []byte) (*changefeed.Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	msg := &changefeed.Message{
		ID:         wire.ID,
		Type:       wire.Type,
		EntityType: wire.EntityType,
		EntityID:   wire.EntityID,
		Timestamp:  time.Unix(0, wire.Timestamp),
		Metadata:   wire.Metadata,
	}
	if len(wire.Payload) > 0 && string(wire.Payload) != "null" {
		if err := json.Unmarshal(wire.Payload, &msg.Payload); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
