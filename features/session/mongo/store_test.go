package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/toolflow/runtime/session"
)

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Options{Database: "toolflow"})
	assert.EqualError(t, err, "mongo client is required")
}

func TestDocRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := session.New("s1", time.Minute, now)
	sess.Context.State = session.StateCompleted
	sess.Context.SelectedTool = "search-code"
	sess.Context.Parameters = map[string]any{"query": "foo"}
	sess.Context.History = append(sess.Context.History, session.ExecutionRecord{
		Tool:      "search-code",
		Result:    map[string]any{"matches": []any{}},
		Timestamp: now,
	})

	doc, err := toDoc(sess)
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.SessionID)
	assert.Equal(t, int64(60), doc.TTLSeconds)

	got, err := fromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.TTL, got.TTL)
	assert.Equal(t, session.StateCompleted, got.Context.State)
	assert.Equal(t, "search-code", got.Context.SelectedTool)
	require.Len(t, got.Context.History, 1)
	assert.Equal(t, "search-code", got.Context.History[0].Tool)
}

func TestFromDocRejectsMalformedContext(t *testing.T) {
	t.Parallel()

	_, err := fromDoc(sessionDoc{SessionID: "s1", Context: "{not json"})
	assert.Error(t, err)
}

func TestLiveFilterWindowsExpiry(t *testing.T) {
	t.Parallel()

	s := &Store{ttl: time.Minute}
	now := time.Now().UTC()

	f := s.liveFilter("s1", now)
	assert.Equal(t, "s1", f["session_id"])
	require.Contains(t, f, "last_accessed_at")

	// Without a TTL the store never hides documents.
	s = &Store{}
	f = s.liveFilter("", now)
	assert.NotContains(t, f, "last_accessed_at")
}
