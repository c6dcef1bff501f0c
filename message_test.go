package msghub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessagePayloadIsCopied(t *testing.T) {
	payload := []byte("abc")
	msg := NewMessage("t", payload)
	payload[0] = 'x'
	assert.Equal(t, []byte("abc"), msg.Payload())
}

func TestMessagePayloadText(t *testing.T) {
	msg := NewMessage("t", []byte("héllo"))
	assert.Equal(t, "héllo", msg.PayloadText())
	// memoized second call
	assert.Equal(t, "héllo", msg.PayloadText())

	empty := NewMessage("t", nil)
	assert.Equal(t, "", empty.PayloadText())
	assert.Empty(t, empty.Payload())
}

func TestMessagePayloadTextInvalidUTF8(t *testing.T) {
	msg := NewMessage("t", []byte{0xff, 'a'})
	text := msg.PayloadText()
	assert.Contains(t, text, "a")
	assert.Contains(t, text, "�")
}

func TestMessageWithTopic(t *testing.T) {
	msg := NewTextMessage("a/b", "x")
	requalified := msg.withTopic("gw/a/b")
	assert.Equal(t, "gw/a/b", requalified.Topic())
	assert.Equal(t, msg.Payload(), requalified.Payload())
}
