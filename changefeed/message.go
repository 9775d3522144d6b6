// Package changefeed 把会话 flush 产生的变更集转换为变更消息并发布
//
// 每条插入、更新、删除各生成一条实体消息，每条关联增删生成一条关联消息，
// 顺序与存储应用变更集的顺序一致。
package changefeed

import (
	"time"

	"github.com/google/uuid"

	"gopersist/persistence"
)

// 消息类型常量
const (
	EventEntityCreated = "entity.created"
	EventEntityUpdated = "entity.updated"
	EventEntityDeleted = "entity.deleted"
	EventLinkAdded     = "link.added"
	EventLinkRemoved   = "link.removed"
)

// Message 一条变更消息
//
// 实体消息的 EntityType/EntityID 为实体的类型与 id；
// 关联消息的 EntityType 为关联表名，EntityID 为拥有方 id。
type Message struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// NewMessage 创建新消息
func NewMessage(messageType, entityType, entityID string, payload map[string]any) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Type:       messageType,
		Timestamp:  time.Now(),
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	}
}

// FromChangeSet 按应用顺序把变更集展开为消息
//
// 创建消息携带全部列，更新消息只携带脏列，删除消息不带载荷。
func FromChangeSet(changes *persistence.ChangeSet) []*Message {
	if changes.Empty() {
		return nil
	}
	out := make([]*Message, 0, changes.Size())
	for _, rec := range changes.Inserts {
		out = append(out, NewMessage(EventEntityCreated, rec.EntityType, rec.ID, copyValues(rec.Values)))
	}
	for _, rec := range changes.Updates {
		out = append(out, NewMessage(EventEntityUpdated, rec.EntityType, rec.ID, copyValues(rec.Values)))
	}
	for _, link := range changes.LinksAdded {
		out = append(out, linkMessage(EventLinkAdded, link))
	}
	for _, link := range changes.LinksRemoved {
		out = append(out, linkMessage(EventLinkRemoved, link))
	}
	for _, del := range changes.Deletes {
		out = append(out, NewMessage(EventEntityDeleted, del.EntityType, del.ID, nil))
	}
	return out
}

func linkMessage(messageType string, link persistence.Link) *Message {
	return NewMessage(messageType, link.Table, link.OwnerID, map[string]any{
		"owner_column":  link.OwnerColumn,
		"owner_id":      link.OwnerID,
		"target_column": link.TargetColumn,
		"target_id":     link.TargetID,
	})
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
