package natsbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hdresearch/vmswarm/internal/config"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) (*Bus, *Client) {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    0, // random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	t.Cleanup(client.Close)
	return bus, client
}

func TestBusStartStop(t *testing.T) {
	bus, _ := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPublishEventFansOutAndStamps(t *testing.T) {
	_, client := newTestBus(t)

	received := make(chan []byte, 2)
	for _, topic := range []string{TopicAgentEvents("w1"), TopicEventsSwarm} {
		if _, err := client.Subscribe(topic, func(msg *nats.Msg) {
			received <- msg.Data
		}); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
	}

	ev := Event{Type: "agent_ready", Agent: "w1", Data: map[string]any{"vm": "vm-1"}}
	if err := client.PublishEvent(ev, TopicAgentEvents("w1"), TopicEventsSwarm); err != nil {
		t.Fatalf("publish event: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case data := <-received:
			var got Event
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if got.Type != "agent_ready" || got.Agent != "w1" {
				t.Errorf("unexpected event: %+v", got)
			}
			if got.Timestamp == "" {
				t.Error("event published without a timestamp")
			}
			if got.Data["vm"] != "vm-1" {
				t.Errorf("event data lost: %+v", got.Data)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event copy")
		}
	}
}

func TestRequestReply(t *testing.T) {
	bus, client := newTestBus(t)

	if _, err := client.Subscribe(TopicIPC("status"), func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"ok":true}`))
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// A second client connecting by URL, the way swarmctl does.
	remote, err := NewClientFromURL(bus.ClientURL())
	if err != nil {
		t.Fatalf("client from url: %v", err)
	}
	defer remote.Close()

	msg, err := remote.Request(TopicIPC("status"), []byte(`{}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(msg.Data) != `{"ok":true}` {
		t.Errorf("unexpected reply: %s", msg.Data)
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicAgentEvents("w1"); got != "events.agent.w1" {
		t.Errorf("expected events.agent.w1, got %s", got)
	}
	if got := TopicIPC("dispatch"); got != "ipc.tools.dispatch" {
		t.Errorf("expected ipc.tools.dispatch, got %s", got)
	}
}
