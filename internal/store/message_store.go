package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AppendMessage inserts one message row. Messages are append-only; there is
// deliberately no update path.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, tenant_id, user_handle, session_id,
			transport_message_id, direction, content, delivery_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.TenantID, m.UserHandle, m.SessionID,
		m.TransportMessageID, m.Direction, m.Content, m.DeliveryStatus, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListSessionMessages returns a session's messages in insertion order.
func (s *Store) ListSessionMessages(ctx context.Context, tenantID, sessionID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var msgs []*Message
	err := s.pool.Reader().SelectContext(ctx, &msgs, s.rebind(`
		SELECT id, tenant_id, user_handle, session_id, transport_message_id,
			direction, content, delivery_status, created_at
		FROM messages
		WHERE tenant_id = ? AND session_id = ?
		ORDER BY created_at ASC
		LIMIT ?`), tenantID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}
	return msgs, nil
}
