package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"nhooyr.io/websocket"

	"escrowchain/core/events"
)

// StreamEvents follows the node's event websocket, invoking handle for every
// record after the given sequence until ctx is cancelled, the server closes
// the stream, or handle returns an error.
func (c *Client) StreamEvents(ctx context.Context, after uint64, handle func(events.Record) error) error {
	url := c.eventsURL(after)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return fmt.Errorf("escrow client: dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client done")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("escrow client: event stream: %w", err)
		}
		var record events.Record
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("escrow client: decode event: %w", err)
		}
		if err := handle(record); err != nil {
			return err
		}
	}
}

func (c *Client) eventsURL(after uint64) string {
	base := c.endpoint
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/events?after=" + strconv.FormatUint(after, 10)
}
