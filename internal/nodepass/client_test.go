package nodepass_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nodepassproject/npctl/internal/model"
	"github.com/nodepassproject/npctl/internal/nodepass"
	"github.com/nodepassproject/npctl/internal/nodepass/nodepasstest"
	"github.com/nodepassproject/npctl/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceLifecycle(t *testing.T) {
	master := nodepasstest.NewMaster(t, "secret")
	srv := master.Target("a")
	c := nodepass.New(2 * time.Second)
	ctx := context.Background()

	created, err := c.CreateInstance(ctx, srv, "server://:10101/:8080?mode=1")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.InstanceServer, created.Type)
	assert.Equal(t, "server://:10101/:8080?log=info&mode=1", created.FullCommand())

	require.NoError(t, c.UpdatePeerMetadata(ctx, srv, created.ID, model.Peer{Alias: "web", ServiceID: "sid-1", ServiceType: "2"}))

	list, err := c.ListInstances(ctx, srv)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.Peer{Alias: "web", ServiceID: "sid-1", ServiceType: "2"}, list[0].Peer())

	updated, err := c.UpdateInstance(ctx, srv, created.ID, "server://:10102/:8080?mode=1")
	require.NoError(t, err)
	assert.Equal(t, "server://:10102/:8080?mode=1", updated.URL)
	assert.Equal(t, "sid-1", updated.Peer().ServiceID)

	require.NoError(t, c.ControlInstance(ctx, srv, created.ID, nodepass.ActionStop))
	got, _ := master.Get(created.ID)
	assert.Equal(t, model.StatusStopped, got.Status)

	require.NoError(t, c.DeleteInstance(ctx, srv, created.ID))
	err = c.DeleteInstance(ctx, srv, created.ID)
	assert.True(t, nodepass.IsNotFound(err), "second delete should be not found, got %v", err)
	assert.Equal(t, 0, master.Len())
}

func TestAPIKeyRequired(t *testing.T) {
	master := nodepasstest.NewMaster(t, "secret")
	srv := master.Target("a")
	srv.APIKey = "wrong"

	_, err := nodepass.New(time.Second).ListInstances(context.Background(), srv)
	var apiErr *nodepass.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Message)
	assert.False(t, nodepass.IsNotFound(err))
}

func TestCreateRejectedURL(t *testing.T) {
	master := nodepasstest.NewMaster(t, "")
	_, err := nodepass.New(time.Second).CreateInstance(context.Background(), master.Target("a"), "bogus")
	var apiErr *nodepass.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestInfo(t *testing.T) {
	master := nodepasstest.NewMaster(t, "k")
	master.Version = "v1.2.0"
	info, err := nodepass.New(time.Second).Info(context.Background(), master.Target("a"))
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", info.Version)
}

func TestUnknownEnumsPreserved(t *testing.T) {
	master := nodepasstest.NewMaster(t, "")
	master.Put(model.RemoteInstance{ID: "x", Type: "relay", Status: "paused", URL: "relay://h:1/t:2"})
	list, err := nodepass.New(time.Second).ListInstances(context.Background(), master.Target("a"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.InstanceType("relay"), list[0].Type)
	assert.False(t, list[0].Type.Known())
	assert.Equal(t, model.InstanceStatus("paused"), list[0].Status)
}

func TestControlRejectsUnknownAction(t *testing.T) {
	err := nodepass.New(time.Second).ControlInstance(context.Background(), model.Server{URL: "http://127.0.0.1:1"}, "x", "pause")
	assert.Error(t, err)
}

func TestTransportFailureIsClassified(t *testing.T) {
	master := nodepasstest.NewMaster(t, "secret")
	srv := master.Target("edge")
	master.Close()

	_, err := nodepass.New(time.Second).ListInstances(context.Background(), srv)
	require.Error(t, err)

	var ce *security.ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "master edge is unreachable", security.UserMessage(err, false))
	assert.Contains(t, security.DebugMessage(err), master.URL)
	assert.False(t, nodepass.IsNotFound(err))
}
