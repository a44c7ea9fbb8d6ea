package stream

import "fmt"

// StreamError wraps a backing-store failure from a stream operation.
// Consumer loops treat it as transient: log, back off, continue.
type StreamError struct {
	Op     string // operation that failed, e.g. "publish", "read_group"
	Stream string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %s: %v", e.Stream, e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ConsumerGroupError wraps a failure creating or inspecting a consumer
// group. Raised at startup, it should fail service start.
type ConsumerGroupError struct {
	Stream string
	Group  string
	Err    error
}

func (e *ConsumerGroupError) Error() string {
	return fmt.Sprintf("consumer group %s on stream %s: %v", e.Group, e.Stream, e.Err)
}

func (e *ConsumerGroupError) Unwrap() error { return e.Err }
