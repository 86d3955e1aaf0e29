// Package bus connects the engine to NATS: lifecycle events go out on one
// subject and analysis requests come in on another.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-forensics/pkg/schema"
)

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("simple-forensics"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

// Close drains pending messages before closing the connection.
func (c *Client) Close() error {
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// QueueSubscribeJSON delivers each message to one member of queue. Replies
// returned by handler are sent to the message's reply subject, if any.
func (c *Client) QueueSubscribeJSON(subject, queue string, timeout time.Duration, handler func(ctx context.Context, data []byte) any) (*nats.Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		reply := handler(ctx, msg.Data)
		if msg.Reply == "" || reply == nil {
			return
		}
		if b, err := json.Marshal(reply); err == nil {
			_ = msg.Respond(b)
		}
	})
}

// EventPublisher publishes lifecycle events on a fixed subject.
type EventPublisher struct {
	client  *Client
	subject string
}

func (c *Client) EventPublisher(subject string) *EventPublisher {
	return &EventPublisher{client: c, subject: subject}
}

func (p *EventPublisher) Publish(ev schema.LifecycleEvent) error {
	return p.client.PublishJSON(p.subject+"."+kindToken(ev.Kind), ev)
}

// kindToken turns an event kind into a single subject token so consumers can
// subscribe to forensics.events.> or to one kind.
func kindToken(k schema.EventKind) string {
	b := make([]byte, 0, len(k)+4)
	for i, r := range string(k) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b = append(b, '_')
			}
			r += 'a' - 'A'
		}
		b = append(b, byte(r))
	}
	return string(b)
}
