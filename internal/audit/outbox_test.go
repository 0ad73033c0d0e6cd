package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestNATSOutbox_PublishesEnvelope(t *testing.T) {
	ctrl := gomock.NewController(t)
	js := NewMockJSPublisher(ctrl)

	var gotSubject string
	var gotData []byte
	js.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(subject string, data []byte) error {
		gotSubject = subject
		gotData = data
		return nil
	})

	outbox := NewNATSOutbox(js, "kernel.audit")

	entry := Entry{
		ID:         uuid.New(),
		Principal:  "agent:1",
		Op:         "tab.navigate",
		ObjectID:   "tab:1",
		Result:     ResultSuccess,
		Provenance: ProvenanceAgent,
	}

	require.NoError(t, outbox.Publish(context.Background(), entry))
	assert.Equal(t, "kernel.audit", gotSubject)

	var event OutboxEvent
	require.NoError(t, json.Unmarshal(gotData, &event))
	assert.Equal(t, entry.ID.String(), event.ID)
	assert.Equal(t, "audit_entry", event.AggregateType)
	assert.Equal(t, "tab:1", event.AggregateID)
	assert.Equal(t, "agent:1", event.ActorID)
	assert.Equal(t, "tab.navigate", event.Type)

	var payload Entry
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, entry.ID, payload.ID)
}
