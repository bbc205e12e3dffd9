package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_DescribeInstanceDecodesReservation(t *testing.T) {
	dispatch := func(ctx context.Context, action string, params map[string]any, out any) error {
		assert.Equal(t, "describe-instance", action)
		raw, _ := json.Marshal(map[string]any{
			"reservations": []map[string]string{{"state": "running", "public_ip": "10.0.0.1"}},
		})
		return json.Unmarshal(raw, out)
	}

	c := NewClient(dispatch)
	inst, err := c.DescribeInstance(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, inst.State)
	assert.Equal(t, "10.0.0.1", inst.PublicIP)
}

func TestClient_DescribeInstanceEmptyReservationsReturnsNotFound(t *testing.T) {
	dispatch := func(ctx context.Context, action string, params map[string]any, out any) error {
		raw, _ := json.Marshal(map[string]any{"reservations": []map[string]string{}})
		return json.Unmarshal(raw, out)
	}

	c := NewClient(dispatch)
	_, err := c.DescribeInstance(context.Background(), "i-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_DescribeASGMembershipMapsStandbyLifecycle(t *testing.T) {
	dispatch := func(ctx context.Context, action string, params map[string]any, out any) error {
		raw, _ := json.Marshal(map[string]string{"asg_name": "workers", "lifecycle_state": "Standby"})
		return json.Unmarshal(raw, out)
	}

	c := NewClient(dispatch)
	m, err := c.DescribeASGMembership(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, "workers", m.Name)
	assert.True(t, m.InStandby)
}

func TestClient_StartStopInstanceDispatchesExpectedAction(t *testing.T) {
	var lastAction string
	dispatch := func(ctx context.Context, action string, params map[string]any, out any) error {
		lastAction = action
		assert.Equal(t, "i-1", params["instance_id"])
		return nil
	}

	c := NewClient(dispatch)
	require.NoError(t, c.StartInstance(context.Background(), "i-1"))
	assert.Equal(t, "start-instance", lastAction)

	require.NoError(t, c.StopInstance(context.Background(), "i-1"))
	assert.Equal(t, "stop-instance", lastAction)
}

func TestParseState_UnknownFallsBack(t *testing.T) {
	assert.Equal(t, StateUnknown, parseState("something-new"))
	assert.Equal(t, StateRunning, parseState("running"))
}

func TestHTTPDispatcher_PostsActionAndDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/start-instance", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "secret")
	err := d.Dispatch(context.Background(), "start-instance", map[string]any{"instance_id": "i-1"}, nil)
	assert.NoError(t, err)
}

func TestHTTPDispatcher_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "")
	err := d.Dispatch(context.Background(), "start-instance", nil, nil)
	assert.Error(t, err)
}
