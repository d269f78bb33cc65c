package webhook

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskParser(t *testing.T) {
	p := taskParser{}

	t.Run("Task.ID form key", func(t *testing.T) {
		form := url.Values{"Task.ID": {"123"}}
		res, err := p.Parse(nil, form)
		require.NoError(t, err)
		assert.Equal(t, Result{EventType: "task.updated", ExternalID: "123"}, res)
	})

	t.Run("bare ID form key fallback", func(t *testing.T) {
		form := url.Values{"ID": {"456"}}
		res, err := p.Parse(nil, form)
		require.NoError(t, err)
		assert.Equal(t, "456", res.ExternalID)
	})

	t.Run("no id present", func(t *testing.T) {
		_, err := p.Parse(nil, url.Values{})
		assert.ErrorIs(t, err, ErrNoExternalID)
	})
}

func TestMailParser(t *testing.T) {
	p := mailParser{}

	tests := []struct {
		name       string
		body       string
		wantEvent  string
		wantExtID  string
		wantErrIs  error
	}{
		{
			name:      "nested conversation object",
			body:      `{"event":"message.created","conversation":{"id":"conv-1"}}`,
			wantEvent: "message.created",
			wantExtID: "conv-1",
		},
		{
			name:      "flattened conversation_id",
			body:      `{"type":"message.created","conversation_id":"conv-2"}`,
			wantEvent: "message.created",
			wantExtID: "conv-2",
		},
		{
			name:      "camelCase conversationId",
			body:      `{"event":"message.created","conversationId":"conv-3"}`,
			wantEvent: "message.created",
			wantExtID: "conv-3",
		},
		{
			name:      "nested under message",
			body:      `{"event":"message.created","message":{"conversation_id":"conv-4"}}`,
			wantEvent: "message.created",
			wantExtID: "conv-4",
		},
		{
			name:      "missing event type defaults to unknown",
			body:      `{"conversation_id":"conv-5"}`,
			wantEvent: "unknown",
			wantExtID: "conv-5",
		},
		{
			name:      "no conversation id anywhere",
			body:      `{"event":"message.created"}`,
			wantErrIs: ErrNoExternalID,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := p.Parse([]byte(tc.body), nil)
			if tc.wantErrIs != nil {
				assert.ErrorIs(t, err, tc.wantErrIs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantEvent, res.EventType)
			assert.Equal(t, tc.wantExtID, res.ExternalID)
		})
	}
}

func TestDocParser(t *testing.T) {
	p := docParser{}

	t.Run("flat id field, numeric", func(t *testing.T) {
		res, err := p.Parse([]byte(`{"event":"doc.updated","id":789}`), nil)
		require.NoError(t, err)
		assert.Equal(t, "doc.updated", res.EventType)
		assert.Equal(t, "789", res.ExternalID)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := p.Parse([]byte(`{"event":"doc.updated"}`), nil)
		assert.ErrorIs(t, err, ErrNoExternalID)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := p.Parse([]byte(`not json`), nil)
		assert.Error(t, err)
	})
}
