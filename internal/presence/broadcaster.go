package presence

import (
	"log/slog"

	"chatline/internal/protocol"
)

// Stats receives broadcast outcomes. The server's metrics implement it.
type Stats interface {
	PresenceBroadcast(online int)
	DeliveryDropped(kind string)
}

// Broadcaster sends the whole online set to every connection whenever the
// registry changes. Delivery is fire-and-forget: a full queue is skipped.
type Broadcaster struct {
	log   *slog.Logger
	stats Stats
}

func NewBroadcaster(log *slog.Logger, stats Stats) *Broadcaster {
	return &Broadcaster{log: log, stats: stats}
}

func (b *Broadcaster) PresenceChanged(online []string, targets []Target) {
	payload, err := protocol.EncodeEvent(protocol.EventOnlineUsersChanged, protocol.OnlineUsersChanged{UserIDs: online})
	if err != nil {
		b.log.Error("Unable to encode presence event", "error", err)
		return
	}
	if b.stats != nil {
		b.stats.PresenceBroadcast(len(online))
	}
	for _, target := range targets {
		if target.Conn.Enqueue(payload) {
			continue
		}
		b.log.Debug("Presence update dropped", "user_id", target.UserID, "conn_id", target.ConnID)
		if b.stats != nil {
			b.stats.DeliveryDropped(protocol.EventOnlineUsersChanged)
		}
	}
}
