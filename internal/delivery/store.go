//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package delivery

import (
	"context"

	"chatline/internal/chat"
)

// MessageStore persists messages and per-pair unseen counters.
// GetMessage returns nil, nil for an unknown id.
type MessageStore interface {
	StoreMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	ListMessages(ctx context.Context, a, b string) ([]chat.Message, error)
	GetMessage(ctx context.Context, id string) (*chat.Message, error)
	SetSeen(ctx context.Context, id string) error
	UnseenCounts(ctx context.Context, recipient string) (map[string]int, error)
	IncrementUnseen(ctx context.Context, recipient, sender string) (int, error)
	ResetUnseen(ctx context.Context, recipient, sender string) (int, error)
}

// Directory answers questions about registered users.
type Directory interface {
	UserExists(ctx context.Context, id string) (bool, error)
	ListUsers(ctx context.Context) ([]chat.User, error)
}
