// Package events implements the real-time pub/sub hub that pushes server
// events to connected dashboard clients. It uses gorilla/websocket under the
// hood and exposes a topic-based broadcast API consumed by the dispatcher,
// the agent-facing handlers, and the background sweeps.
//
// Topic naming convention:
//
//	job:<guid>     — lifecycle and progress updates for one analysis job
//	agent:<guid>   — online/offline/revoked transitions and live metrics
//	team:<guid>    — team-wide feed (result created, collection changed)
package events

// MessageType identifies the kind of event carried by a Message.
// The dashboard uses this field to route the payload to the right view.
type MessageType string

const (
	// MsgJobStatus is sent when a job transitions between states
	// (queued → claimed → running → completed | failed | cancelled).
	MsgJobStatus MessageType = "job.status"

	// MsgJobProgress relays a running job's latest progress report: stage,
	// percentage, and the file currently being scanned.
	MsgJobProgress MessageType = "job.progress"

	// MsgAgentStatus is sent when an agent registers, goes silent, or is
	// revoked.
	MsgAgentStatus MessageType = "agent.status"

	// MsgAgentMetrics is sent on every agent heartbeat with the host
	// resource snapshot, published on "agent:<guid>" so the detail page can
	// show live gauges without polling.
	MsgAgentMetrics MessageType = "agent.metrics"

	// MsgResultCreated is sent when a completed job's analysis result is
	// persisted, including the no-change copies produced by input-state
	// deduplication.
	MsgResultCreated MessageType = "result.created"

	// MsgPing is sent periodically to keep the connection alive and let the
	// client detect stale connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"job.status","topic":"job:job_018f...","payload":{"status":"running"}}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - job.status:     {"status":"running","agent_guid":"agt_..."}
	//   - job.progress:   {"stage":"scanning","percentage":40.0}
	//   - agent.status:   {"status":"offline"}
	//   - agent.metrics:  {"cpu_percent":12.5,"mem_percent":60.1,"disk_free_gb":420.0}
	//   - result.created: {"result_guid":"res_...","no_change_copy":false}
	//   - ping:           {} (empty)
	Payload any `json:"payload"`
}

// JobTopic returns the topic for one job's updates.
func JobTopic(jobGUID string) string { return "job:" + jobGUID }

// AgentTopic returns the topic for one agent's updates.
func AgentTopic(agentGUID string) string { return "agent:" + agentGUID }

// TeamTopic returns the team-wide feed topic.
func TeamTopic(teamGUID string) string { return "team:" + teamGUID }
