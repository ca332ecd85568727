package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// NotifyChannel is a Postgres LISTEN/NOTIFY channel name.
const (
	// ChannelIssueUpdates fires whenever an issue's centroid or article_count
	// changes, so other processes (e.g. a live dashboard) can react without
	// polling.
	ChannelIssueUpdates = "issuestream_issue_updates"
)

// Listen starts listening on the specified channel using the dedicated notify
// connection. The channel name is recorded so reconnectNotify can
// re-subscribe after the connection drops and is re-established.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}

	db.notifyMu.Lock()
	db.listenChannels = append(db.listenChannels, channel)
	db.notifyMu.Unlock()

	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel. If the dedicated connection has dropped, it reconnects and
// re-subscribes to every channel previously passed to Listen before
// returning the error, so the caller's next call has a working connection
// to wait on rather than looping on the same dead one.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyMu.Unlock()
	if conn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}

	notification, err := conn.WaitForNotification(ctx)
	if err != nil {
		db.notifyMu.Lock()
		reconnectErr := db.reconnectNotify(ctx)
		db.notifyMu.Unlock()
		if reconnectErr != nil {
			return "", "", fmt.Errorf("storage: wait for notification: %w (reconnect failed: %v)", err, reconnectErr)
		}
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
