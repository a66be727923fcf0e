package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Event is the envelope every bus event travels in: agent lifecycle,
// task completion, scheduled dispatches. Agent is empty for
// swarm-wide events; Data carries the event-specific fields.
type Event struct {
	Type      string         `json:"type"`
	Agent     string         `json:"agent,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Client is a connection to the gateway bus, either the embedded
// server or a remote URL (swarmctl's side of the IPC topics).
type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

// PublishEvent stamps the envelope and publishes it to every topic
// given, so one event can land on both its agent subject and the
// swarm-wide one.
func (c *Client) PublishEvent(ev Event, topics ...string) error {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	for _, topic := range topics {
		if err := c.conn.Publish(topic, data); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

func (c *Client) Request(topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return c.conn.Request(topic, data, timeout)
}

func (c *Client) Close() {
	c.conn.Close()
}
