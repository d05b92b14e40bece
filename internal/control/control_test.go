package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"intercomd/internal/audiopipeline"
	"intercomd/internal/callengine"
	"intercomd/internal/config"
	"intercomd/internal/peerlink"
	"intercomd/internal/settings"
)

type fakeSink struct{}

func (fakeSink) Start() error            { return nil }
func (fakeSink) Stop() error             { return nil }
func (fakeSink) Play([]byte) error       { return nil }
func (fakeSink) SetVolume(float64)       {}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	link := peerlink.New()
	engine := callengine.New(callengine.Config{Port: 0}, link, audiopipeline.Config{}, fakeSink{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)

	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)

	book := config.NewContactBook([]config.Contact{
		{Name: "Kitchen", Host: "127.0.0.1", Port: 47001},
		{Name: "Garage", Host: "127.0.0.1", Port: 47002},
	})

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := New(sockPath, engine, store, book, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(wg.Wait)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", sockPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	return srv, sockPath
}

func roundTrip(t *testing.T, sockPath string, req map[string]any) response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestStatusReturnsIdleState(t *testing.T) {
	_, sock := newTestServer(t)
	resp := roundTrip(t, sock, map[string]any{"cmd": "status"})
	require.True(t, resp.OK)
	require.Equal(t, "idle", resp.State)
}

func TestSetVolumeValidatesRange(t *testing.T) {
	_, sock := newTestServer(t)
	resp := roundTrip(t, sock, map[string]any{"cmd": "set_volume", "value": 1.5})
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)

	resp = roundTrip(t, sock, map[string]any{"cmd": "set_volume", "value": 0.5})
	require.True(t, resp.OK)
}

func TestNextPrevContactNavigatesRing(t *testing.T) {
	_, sock := newTestServer(t)
	resp := roundTrip(t, sock, map[string]any{"cmd": "next_contact"})
	require.True(t, resp.OK)
	require.Equal(t, "Garage", resp.State)

	resp = roundTrip(t, sock, map[string]any{"cmd": "prev_contact"})
	require.True(t, resp.OK)
	require.Equal(t, "Kitchen", resp.State)
}

func TestSetContactsReplacesList(t *testing.T) {
	_, sock := newTestServer(t)
	resp := roundTrip(t, sock, map[string]any{"cmd": "set_contacts", "csv": "Office,10.0.0.5,47000\n"})
	require.True(t, resp.OK)

	resp = roundTrip(t, sock, map[string]any{"cmd": "next_contact"})
	require.True(t, resp.OK)
	require.Equal(t, "Office", resp.State)
}

func TestUnknownCommand(t *testing.T) {
	_, sock := newTestServer(t)
	resp := roundTrip(t, sock, map[string]any{"cmd": "nonsense"})
	require.False(t, resp.OK)
}

func TestConnectToRequiresHostAndPort(t *testing.T) {
	_, sock := newTestServer(t)
	resp := roundTrip(t, sock, map[string]any{"cmd": "connect_to"})
	require.False(t, resp.OK)
}
