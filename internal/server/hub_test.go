package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepsea-ai/nereid/internal/model"
	"github.com/deepsea-ai/nereid/internal/store"
)

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, ts
}

func TestHubPublishSnapshotsFromStore(t *testing.T) {
	st := store.New(testLogger())
	hub := NewHub(st, testLogger())

	conn, ts := dialHub(t, hub)
	defer ts.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	job, err := st.CreateJob("hub test", []string{"a.fasta"}, model.JobParameters{
		MinSequenceLength: 100, MaxSequenceLength: 2000, ClusteringMethod: "vae",
	})
	require.NoError(t, err)
	_, err = st.CreateStage(job.ID, "Sequence Preprocessing", 1)
	require.NoError(t, err)

	hub.Publish(job.ID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event model.JobUpdateEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, model.JobUpdateEventType, event.Type)
	assert.Equal(t, job.ID, event.Data.Job.ID)
	require.Len(t, event.Data.Stages, 1)
	assert.Equal(t, "Sequence Preprocessing", event.Data.Stages[0].StageName)
}

func TestHubPublishUnknownJobIsNoop(t *testing.T) {
	st := store.New(testLogger())
	hub := NewHub(st, testLogger())

	conn, ts := dialHub(t, hub)
	defer ts.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	hub.Publish(uuid.New())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no payload expected for an unknown job")
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	st := store.New(testLogger())
	hub := NewHub(st, testLogger())

	conn, ts := dialHub(t, hub)
	defer ts.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 5*time.Millisecond)
}
