package msghub

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidTopicName(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		want  bool
	}{
		{"simple", "a/b/c", true},
		{"single level", "a", true},
		{"empty levels kept", "a//b", true},
		{"leading slash", "/a", true},
		{"wildcards allowed in names", "a/+/b", true},
		{"empty", "", false},
		{"nul byte", "a\x00b", false},
		{"max length", strings.Repeat("a", 65536), true},
		{"over max length", strings.Repeat("a", 65537), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidTopicName(tt.topic))
		})
	}
}

func TestIsValidTopicFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"simple", "a/b/c", true},
		{"single wildcard level", "a/+/c", true},
		{"trailing multi wildcard", "a/#", true},
		{"bare multi wildcard", "#", true},
		{"bare single wildcard", "+", true},
		{"plus embedded in level", "a/b+/c", false},
		{"hash embedded in level", "a/b#", false},
		{"hash not last", "a/#/b", false},
		{"two hashes", "a/#/#", false},
		{"empty", "", false},
		{"nul byte", "a\x00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidTopicFilter(tt.filter))
		})
	}
}

func TestTopicFilterMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/c", false},
		{"a/+/c", "a/b/c/d", false},
		{"a/#", "a", true},
		{"a/#", "a/b", true},
		{"a/#", "a/b/c", true},
		{"a/#", "b", false},
		{"#", "a", true},
		{"#", "a/b/c", true},
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"+", "a", true},
		{"+", "a/b", false},
		{"a//b", "a//b", true},
	}
	for _, tt := range tests {
		t.Run(tt.filter+" vs "+tt.topic, func(t *testing.T) {
			f := ParseTopicFilter(tt.filter)
			assert.Equal(t, tt.want, f.MatchesTopic(tt.topic))
		})
	}
}

func TestTopicFilterIsSimple(t *testing.T) {
	assert.True(t, ParseTopicFilter("a/b/c").IsSimple())
	assert.False(t, ParseTopicFilter("a/+/c").IsSimple())
	assert.False(t, ParseTopicFilter("a/#").IsSimple())
	assert.False(t, ParseTopicFilter("#").IsSimple())
}

func TestContainsWildcard(t *testing.T) {
	assert.False(t, ContainsWildcard("a/b"))
	assert.True(t, ContainsWildcard("a/+/b"))
	assert.True(t, ContainsWildcard("a/#"))
	assert.False(t, ContainsWildcard("a+b/c"))
}

func TestParseTopicHierarchy(t *testing.T) {
	assert.Equal(t, []string{"a", "", "b"}, ParseTopicHierarchy("a//b"))
	assert.Equal(t, []string{"a"}, ParseTopicHierarchy("a"))
}
