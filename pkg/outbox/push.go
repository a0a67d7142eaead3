package outbox

// PushMessage is one gateway message; exactly one per target token.
type PushMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Sound string            `json:"sound"`
	Badge int               `json:"badge"`
	Data  map[string]string `json:"data"`
}

// Ticket statuses reported by the gateway.
const (
	TicketOK    = "ok"
	TicketError = "error"
)

// Ticket is the gateway's per-message result.
type Ticket struct {
	Status  string         `json:"status"`
	ID      string         `json:"id,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Content is the user-visible part of a notification.
type Content struct {
	Title string
	Body  string
	Data  map[string]string
}

// Messages fans the content out to one message per token.
func (c Content) Messages(tokens []string) []PushMessage {
	msgs := make([]PushMessage, 0, len(tokens))
	for _, t := range tokens {
		data := make(map[string]string, len(c.Data))
		for k, v := range c.Data {
			data[k] = v
		}
		msgs = append(msgs, PushMessage{
			To:    t,
			Title: c.Title,
			Body:  c.Body,
			Sound: "default",
			Badge: 1,
			Data:  data,
		})
	}
	return msgs
}
