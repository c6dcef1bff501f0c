package msghub

import (
	"unicode/utf8"
)

// Message is a topic-addressed payload travelling through the application.
// Messages are immutable after construction; the payload slice must not be
// mutated by listeners or gateways.
type Message struct {
	topic   string
	payload []byte

	// memoized UTF-8 decoding of the payload
	text    string
	decoded bool
}

// NewMessage creates a message for the given topic. The payload is copied
// so later mutation of the caller's slice cannot leak into the message.
// A nil payload is treated as empty.
func NewMessage(topic string, payload []byte) *Message {
	var p []byte
	if len(payload) > 0 {
		p = make([]byte, len(payload))
		copy(p, payload)
	}
	return &Message{topic: topic, payload: p}
}

// NewTextMessage creates a message whose payload is the UTF-8 encoding of text.
func NewTextMessage(topic, text string) *Message {
	return &Message{topic: topic, payload: []byte(text), text: text, decoded: true}
}

// Topic returns the topic the message is addressed to.
func (m *Message) Topic() string {
	return m.topic
}

// Payload returns the message payload. The returned slice must be treated
// as read-only.
func (m *Message) Payload() []byte {
	return m.payload
}

// PayloadText returns the payload decoded as UTF-8 text. Invalid byte
// sequences are replaced with the Unicode replacement character. The
// decoding is memoized; PayloadText is intended for use on the dispatch
// goroutine.
func (m *Message) PayloadText() string {
	if !m.decoded {
		if utf8.Valid(m.payload) {
			m.text = string(m.payload)
		} else {
			m.text = string([]rune(string(m.payload)))
		}
		m.decoded = true
	}
	return m.text
}

// withTopic returns a message sharing this message's payload under a
// different topic. Used when localizing and re-qualifying topics at
// gateway boundaries.
func (m *Message) withTopic(topic string) *Message {
	return &Message{topic: topic, payload: m.payload, text: m.text, decoded: m.decoded}
}
