package loomclient

import (
	"context"
	"fmt"

	"github.com/run-vibes/loomd/pkg/transport"
)

// Tail subscribes to topic and invokes onEvent for every historical and
// live event until ctx is canceled or the connection closes.
func Tail(ctx context.Context, c *Client, topic string, fromEarliest bool, onEvent func(raw []byte)) error {
	if err := c.Send(ctx, transport.ClientMessage{
		Type:         transport.TypeFirehoseSubscribe,
		Topic:        topic,
		FromEarliest: fromEarliest,
	}); err != nil {
		return err
	}

	for {
		msg, err := c.Recv(ctx)
		if err != nil {
			return err
		}
		switch msg.Type {
		case transport.TypeFirehoseBatch:
			for _, ev := range msg.Events {
				onEvent(ev.Payload)
			}
		case transport.TypeFirehoseEvent:
			onEvent(msg.Payload)
		case transport.TypeError:
			return fmt.Errorf("loomclient: firehose error: %s", msg.Message)
		}
	}
}
