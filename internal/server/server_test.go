package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/manager"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/metrics"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/sensor"
)

type fixture struct {
	strap   *bt.MockDevice
	manager *manager.Manager
	server  *Server
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(&bytes.Buffer{}, "", 0)
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	radio := bt.NewMockBTManager(logger)
	strap := bt.NewMockDevice("hr-1", "Strap", sensor.HeartRateServiceUUID)
	radio.AddDevice(strap)

	m := manager.New(logger, manager.Options{Metrics: met})
	hr := device.NewFitnessDevice(logger,
		device.Info{ID: "hr-1", Name: "Strap", Type: device.TypeSensor},
		device.NewBLELink(radio, "hr-1"),
		sensor.NewHeartRateTransport(logger, radio, "hr-1", sensor.Options{}))
	require.NoError(t, m.AddDevice(hr))
	require.NoError(t, m.Assign(manager.RoleHeartRateSource, "hr-1"))
	require.NoError(t, m.ConnectDevice(context.Background(), "hr-1"))

	s := New(logger, m, reg, met)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown(context.Background())
		_ = m.Close(context.Background())
	})
	return &fixture{strap: strap, manager: m, server: s, http: ts}
}

func (f *fixture) heartRate(t *testing.T, bpm byte) {
	t.Helper()
	require.True(t, f.strap.Notify(sensor.HeartRateServiceUUID, sensor.HeartRateMeasurementUUID, []byte{0x00, bpm}))
}

func TestServer_RolesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.heartRate(t, 140)

	resp, err := http.Get(f.http.URL + "/api/roles")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Roles, len(manager.AllRoles))

	var hrRole RoleView
	for _, r := range snap.Roles {
		if r.Role == "heartRateSource" {
			hrRole = r
		}
	}
	assert.Equal(t, "hr-1", hrRole.DeviceID)
	assert.True(t, hrRole.Present)
	assert.True(t, hrRole.Available)
	assert.Equal(t, "connected", strings.ToLower(hrRole.State))

	require.NotNil(t, snap.HeartRateBPM)
	assert.Equal(t, 140, *snap.HeartRateBPM)
	assert.Nil(t, snap.PowerWatts)
	assert.Equal(t, map[string]string{"heartRate": "hr-1"}, snap.Sources)
}

func TestServer_StreamPushesChanges(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Len(t, first.Roles, len(manager.AllRoles))

	f.heartRate(t, 151)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var snap Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		if snap.HeartRateBPM != nil && *snap.HeartRateBPM == 151 {
			break
		}
	}
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fitness_hub_role_changes_total")
}

func TestServer_StartAndShutdown(t *testing.T) {
	f := newFixture(t)
	s := New(log.New(io.Discard, "", 0), f.manager, nil, nil)
	require.NoError(t, s.Start("127.0.0.1:0"))
	require.NotEmpty(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/api/roles")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}
