package expo

import (
	"fmt"
	"strings"
)

// HTTPError is a non-2xx response from the gateway.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("push gateway HTTP %d: %s", e.StatusCode, e.Body)
}

// ProtocolError is a 2xx response whose body does not have the expected shape.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "push gateway protocol error: " + e.Reason
}

// TicketError aggregates every non-ok or invalid ticket of one Send call.
type TicketError struct {
	Failed  int
	Total   int
	Samples []string
}

func (e *TicketError) Error() string {
	return fmt.Sprintf("push gateway rejected %d of %d messages: %s", e.Failed, e.Total, strings.Join(e.Samples, "; "))
}
