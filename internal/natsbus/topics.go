package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentEvents(label string) string {
	return fmt.Sprintf("events.agent.%s", label)
}

// TopicIPC is the request/reply subject the swarmctl CLI uses to
// invoke tool operations on a running gateway.
func TopicIPC(op string) string {
	return fmt.Sprintf("ipc.tools.%s", op)
}

const (
	TopicEventsAll   = "events.>"
	TopicEventsSwarm = "events.swarm"
	TopicEventsAgent = "events.agent.*"
)
