package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/qabelwerk/blockd/pkg/pubsub"
)

// Subprotocol is the websocket subprotocol the gateway negotiates.
const Subprotocol = "v0.ws.block.qabel.de"

// Notifications is a live change feed for a prefix or a single path.
type Notifications struct {
	conn   *websocket.Conn
	events chan pubsub.Event
}

// Events yields change events until the connection dies. The channel is
// closed afterwards.
func (n *Notifications) Events() <-chan pubsub.Event {
	return n.events
}

// Close tears down the websocket.
func (n *Notifications) Close() error {
	return n.conn.Close()
}

// SubscribePrefix opens a change feed for every path under prefix. Requires
// a token that owns the prefix.
func (c *Client) SubscribePrefix(ctx context.Context, prefix string) (*Notifications, error) {
	return c.subscribe(ctx, "/api/v0/websocket/"+prefix)
}

// SubscribeFile opens a change feed for one exact path. Needs no token.
func (c *Client) SubscribeFile(ctx context.Context, prefix, name string) (*Notifications, error) {
	return c.subscribe(ctx, fmt.Sprintf("/api/v0/websocket/%s/%s", prefix, name))
}

func (c *Client) subscribe(ctx context.Context, path string) (*Notifications, error) {
	url := c.baseURL + path
	if strings.HasPrefix(url, "http") {
		url = "ws" + strings.TrimPrefix(url, "http")
	}

	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": {c.token}}
	}

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, errorFromResponse(resp)
		}
		return nil, fmt.Errorf("apiclient: websocket dial: %w", err)
	}

	n := &Notifications{
		conn:   conn,
		events: make(chan pubsub.Event),
	}
	go n.read()
	return n, nil
}

func (n *Notifications) read() {
	defer close(n.events)
	for {
		var event pubsub.Event
		if err := n.conn.ReadJSON(&event); err != nil {
			return
		}
		n.events <- event
	}
}
