// Package redisstreams 通过 Redis Streams 发布变更消息
//
// 每个实体类型（关联消息为关联表）写入一个 Stream：<StreamPrefix><EntityType>。
package redisstreams

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"gopersist/changefeed"
	"gopersist/errors"
	"gopersist/logging"
)

// client 发布所需的 go-redis 命令子集
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Config Redis Streams 发布配置
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	// MaxLen 大于 0 时按近似长度裁剪 Stream
	MaxLen int64
	Logger logging.Logger

	// 限制同时进行的 XADD 数，0 表示不限制
	MaxPublishConcurrency int
}

// Publisher 基于 XADD 的 changefeed.Publisher
type Publisher struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger
	pubSem    chan struct{}
}

var _ changefeed.Publisher = (*Publisher)(nil)

// NewPublisher 创建发布者；未提供 Client 时按 Addr 自建连接并在 Close 时关闭
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Client != nil {
		return newPublisher(cfg, cfg.Client, false), nil
	}
	if cfg.Addr == "" {
		return nil, errors.NewValidationError("redis address not configured")
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	return newPublisher(cfg, cl, true), nil
}

func newPublisher(cfg Config, cl client, own bool) *Publisher {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "changefeed:"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("changefeed.redisstreams")
	}
	p := &Publisher{cfg: cfg, client: cl, ownClient: own, logger: cfg.Logger}
	if cfg.MaxPublishConcurrency > 0 {
		p.pubSem = make(chan struct{}, cfg.MaxPublishConcurrency)
	}
	return p
}

// Publish 写入单条消息
func (p *Publisher) Publish(ctx context.Context, message *changefeed.Message) error {
	if p.pubSem != nil {
		select {
		case p.pubSem <- struct{}{}:
			defer func() { <-p.pubSem }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	values, err := Encode(message)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: p.StreamName(message.EntityType), Values: values}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.logger.Warn(ctx, "写入 Redis Stream 失败", logging.String("stream", args.Stream), logging.Error(err))
		return err
	}
	return nil
}

// PublishAll 逐条写入，Redis Streams 不支持一次追加多条
func (p *Publisher) PublishAll(ctx context.Context, messages []*changefeed.Message) error {
	for _, msg := range messages {
		if err := p.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭自建的客户端
func (p *Publisher) Close() error {
	if p.ownClient {
		return p.client.Close()
	}
	return nil
}

// StreamName 返回实体类型对应的 Stream
func (p *Publisher) StreamName(entityType string) string {
	return p.cfg.StreamPrefix + entityType
}

// Encode 把消息编码为 Stream 字段
func Encode(msg *changefeed.Message) (map[string]any, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeQueue, "encode payload")
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeQueue, "encode metadata")
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"id":          msg.ID,
		"type":        msg.Type,
		"entity_type": msg.EntityType,
		"entity_id":   msg.EntityID,
		"timestamp":   ts.UnixNano(),
		"payload":     string(payload),
		"metadata":    string(metadata),
	}, nil
}

// Decode 从 Stream 条目还原消息；缺少 id 时使用条目 id
func Decode(entry redis.XMessage) (*changefeed.Message, error) {
	msg := &changefeed.Message{}
	msg.ID, _ = entry.Values["id"].(string)
	msg.Type, _ = entry.Values["type"].(string)
	msg.EntityType, _ = entry.Values["entity_type"].(string)
	msg.EntityID, _ = entry.Values["entity_id"].(string)

	if raw, _ := entry.Values["payload"].(string); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &msg.Payload); err != nil {
			return nil, err
		}
	}
	if raw, _ := entry.Values["metadata"].(string); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &msg.Metadata); err != nil {
			return nil, err
		}
	}

	msg.Timestamp = time.Now()
	switch v := entry.Values["timestamp"].(type) {
	case int64:
		msg.Timestamp = time.Unix(0, v)
	case string:
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.Timestamp = time.Unix(0, ns)
		}
	}
	if msg.ID == "" {
		msg.ID = entry.ID
	}
	return msg, nil
}
