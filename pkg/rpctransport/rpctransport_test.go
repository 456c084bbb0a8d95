package rpctransport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookos/cook/pkg/config"
	"github.com/cookos/cook/pkg/rpc"
)

type fakeHandler struct {
	createID string
	events   []rpc.BuildEvent
}

func (h *fakeHandler) Create(ctx context.Context, p rpc.CreateParams) (string, error) {
	return h.createID, nil
}
func (h *fakeHandler) Spawn(ctx context.Context, p rpc.SpawnParams) (int, error) { return 42, nil }
func (h *fakeHandler) Transfer(ctx context.Context, p rpc.FileParams) error      { return nil }
func (h *fakeHandler) SendBuildEvent(ctx context.Context, ev rpc.BuildEvent) error {
	h.events = append(h.events, ev)
	return nil
}
func (h *fakeHandler) SendArtifactEvent(ctx context.Context, ev rpc.ArtifactEvent) error { return nil }

func TestClientServerRoundTrip(t *testing.T) {
	addr := config.Address{Type: config.AddressLocal, Address: filepath.Join(t.TempDir(), "cvd.sock")}
	ln, err := Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	h := &fakeHandler{createID: "abc123"}
	go Serve(ln, h)

	conn, err := Dial(addr)
	require.NoError(t, err)
	client := NewClient(conn)
	defer client.Close()

	id, err := client.Create(context.Background(), rpc.CreateParams{})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	pid, err := client.Spawn(context.Background(), rpc.SpawnParams{})
	require.NoError(t, err)
	assert.Equal(t, 42, pid)

	require.NoError(t, client.SendBuildEvent(context.Background(), rpc.BuildEvent{ID: "b1", Status: rpc.StatusDone}))
	assert.Len(t, h.events, 1)
}

func TestDialUnknownAddressType(t *testing.T) {
	_, err := Dial(config.Address{Type: "bogus"})
	assert.Error(t, err)
}
