// Package idgen 提供实体 id 生成器
//
// Snowflake 生成按时间递增的 id，并以定宽十进制字符串输出，
// 因此字符串的字典序与生成顺序一致，适合作为存储中按 id 排序的兜底次序。
package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gopersist/errors"
)

const (
	// 起始时间戳 (2023-01-01 00:00:00 UTC)，毫秒
	epoch int64 = 1672531200000

	nodeBits     = 10
	sequenceBits = 12

	maxNode     = -1 ^ (-1 << nodeBits)     // 1023
	maxSequence = -1 ^ (-1 << sequenceBits) // 4095

	timestampShift = nodeBits + sequenceBits

	// int64 十进制最多 19 位
	stringWidth = 19
)

// UUID 默认生成器：随机 UUID v4
func UUID() string {
	return uuid.NewString()
}

// Snowflake 雪花算法生成器：41 位毫秒时间 + 10 位节点 + 12 位序列
type Snowflake struct {
	mu       sync.Mutex
	node     int64
	sequence int64
	last     int64
	now      func() int64
}

// NewSnowflake 创建节点号为 node 的生成器
func NewSnowflake(node int64) (*Snowflake, error) {
	if node < 0 || node > maxNode {
		return nil, errors.NewValidationError("snowflake node %d out of range [0, %d]", node, maxNode)
	}
	return &Snowflake{
		node: node,
		last: -1,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NextID 生成下一个 id；时钟回拨时返回错误
func (g *Snowflake) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.last {
		return 0, errors.NewErrorf(errors.ErrCodeInternal, "clock moved backwards by %dms", g.last-now)
	}
	if now == g.last {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 本毫秒序列用完，等待下一毫秒
			for now <= g.last {
				now = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.last = now

	return (now-epoch)<<timestampShift | g.node<<sequenceBits | g.sequence, nil
}

// NextString 生成定宽十进制 id；时钟回拨时 panic
func (g *Snowflake) NextString() string {
	id, err := g.NextID()
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%0*d", stringWidth, id)
}

// Parts 拆解 id
type Parts struct {
	Time     time.Time
	Node     int64
	Sequence int64
}

// Parse 拆解 NextID 生成的 id
func Parse(id int64) Parts {
	return Parts{
		Time:     time.UnixMilli((id >> timestampShift) + epoch),
		Node:     (id >> sequenceBits) & maxNode,
		Sequence: id & maxSequence,
	}
}
