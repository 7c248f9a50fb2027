package realtime

import "time"

// Frame and content limits.
const (
	// maxFrameBytes caps a single inbound websocket frame.
	// 4000 runes of content can take up to 16 KiB as UTF-8, plus envelope overhead.
	maxFrameBytes = 32 << 10

	// maxContentRunes is the longest message content accepted, counted after trimming.
	maxContentRunes = 4000

	// maxTokenBytes bounds a per-action token before it reaches the verifier.
	maxTokenBytes = 8 << 10
)

// Connection defaults, overridable through GatewayConfig.
const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
