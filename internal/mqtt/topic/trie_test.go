package topic_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyr33x/goqtt/internal/mqtt/topic"
)

func TestInsertAndMatchTopicLiteral(t *testing.T) {
	tr := topic.Empty[string]()
	tr.Insert("a/b", "v1")

	assert.Equal(t, []string{"v1"}, tr.MatchTopic("a/b"))
	assert.Empty(t, tr.MatchTopic("a/c"))
}

func TestSingleWildcardMatchesExactlyOneSegment(t *testing.T) {
	tr := topic.Empty[string]()
	tr.Insert("a/+/c", "v1")

	assert.Equal(t, []string{"v1"}, tr.MatchTopic("a/b/c"))
	assert.Empty(t, tr.MatchTopic("a/b/x/c"), "+ must not span multiple segments")
	assert.Empty(t, tr.MatchTopic("a/c"))
}

func TestMultiWildcardMatchesZeroOrMoreTrailingSegments(t *testing.T) {
	tr := topic.Empty[string]()
	tr.Insert("a/#", "v1")

	assert.Equal(t, []string{"v1"}, tr.MatchTopic("a"))
	assert.Equal(t, []string{"v1"}, tr.MatchTopic("a/b"))
	assert.Equal(t, []string{"v1"}, tr.MatchTopic("a/b/c/d"))
	assert.Empty(t, tr.MatchTopic("x/y"))
}

func TestLoneMultiWildcardMatchesEverythingExceptSystemTopics(t *testing.T) {
	tr := topic.Empty[string]()
	tr.Insert("#", "v1")

	assert.Equal(t, []string{"v1"}, tr.MatchTopic("a/b/c"))
	assert.Empty(t, tr.MatchTopic("$SYS/broker/uptime"), "leading # must not match a $ system topic")
}

func TestLeadingSingleWildcardDoesNotMatchSystemTopic(t *testing.T) {
	tr := topic.Empty[string]()
	tr.Insert("+/status", "v1")

	assert.Empty(t, tr.MatchTopic("$SYS/status"))
	assert.Equal(t, []string{"v1"}, tr.MatchTopic("clients/status"))
}

func TestExplicitSystemTopicFilterStillMatches(t *testing.T) {
	tr := topic.Empty[string]()
	tr.Insert("$SYS/#", "v1")

	assert.Equal(t, []string{"v1"}, tr.MatchTopic("$SYS/broker/clients/connected"))
}

func TestUnionAcrossMultiplePaths(t *testing.T) {
	tr := topic.Empty[string]()
	tr.Insert("a/+", "wild")
	tr.Insert("a/b", "literal")

	got := tr.MatchTopic("a/b")
	sort.Strings(got)
	assert.Equal(t, []string{"literal", "wild"}, got)
}

func TestDeletePrunesEmptySubtrees(t *testing.T) {
	tr := topic.Empty[int]()
	tr.Insert("a/b/c", 1)
	tr.Delete("a/b/c")

	assert.True(t, tr.Empty())
	_, ok := tr.Lookup("a/b/c")
	assert.False(t, ok)
}

func TestDeleteLeavesSiblingPathsIntact(t *testing.T) {
	tr := topic.Empty[int]()
	tr.Insert("a/b", 1)
	tr.Insert("a/c", 2)
	tr.Delete("a/b")

	_, ok := tr.Lookup("a/b")
	assert.False(t, ok)
	v, ok := tr.Lookup("a/c")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestMatchFilterUsedAsPermissionCheck(t *testing.T) {
	perms := topic.Singleton[struct{}]("sensors/+/temp", struct{}{})

	assert.True(t, perms.MatchFilter("sensors/a1/temp"))
	assert.False(t, perms.MatchFilter("sensors/a1/humidity"))
}

func TestValidFilter(t *testing.T) {
	assert.True(t, topic.ValidFilter("a/b/+"))
	assert.True(t, topic.ValidFilter("a/#"))
	assert.True(t, topic.ValidFilter("#"))
	assert.False(t, topic.ValidFilter(""))
	assert.False(t, topic.ValidFilter("a//b"))
	assert.False(t, topic.ValidFilter("a/#/b"), "# must be the final segment")
}

func TestValidTopicName(t *testing.T) {
	assert.True(t, topic.ValidTopicName("a/b/c"))
	assert.False(t, topic.ValidTopicName(""))
	assert.False(t, topic.ValidTopicName("a/+/c"))
	assert.False(t, topic.ValidTopicName("a/#"))
}

func TestUnionMergesTwoTries(t *testing.T) {
	a := topic.Singleton("topic", []string{"x"})
	b := topic.Singleton("topic", []string{"y"})

	merged := topic.Union(a, b, func(a, b []string) []string { return append(a, b...) })
	got, ok := merged.Lookup("topic")
	require.True(t, ok)
	sort.Strings(got)
	assert.Equal(t, []string{"x", "y"}, got)
}
