package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/Respite/internal/models"
)

// DefaultInboxSize is the number of commands kept per user.
const DefaultInboxSize = 100

// Inbox keeps the latest commands of each user for clients to poll. It
// serves the browser, desktop, overlay and in-app methods.
type Inbox struct {
	mu    sync.RWMutex
	size  int
	items map[string][]models.DeliveryCommand
}

// NewInbox creates an Inbox retaining size commands per user.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{size: size, items: make(map[string][]models.DeliveryCommand)}
}

// Send implements Transport. A command id already in the inbox is ignored.
func (b *Inbox) Send(ctx context.Context, cmd models.DeliveryCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.items[cmd.UserID]
	for _, existing := range list {
		if existing.ID == cmd.ID {
			return nil
		}
	}
	list = append(list, cmd)
	if len(list) > b.size {
		list = list[len(list)-b.size:]
	}
	b.items[cmd.UserID] = list
	return nil
}

// List returns up to limit commands of userID, newest first. limit <= 0
// returns all retained commands.
func (b *Inbox) List(userID string, limit int) []models.DeliveryCommand {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.items[userID]
	out := make([]models.DeliveryCommand, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
