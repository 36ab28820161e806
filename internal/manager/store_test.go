package manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRecord_SortsByRole(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	raw, err := EncodeRecord([]SavedAssignment{
		{DeviceID: "hr", Role: RoleHeartRateSource, TransportHint: HintHeartRate, AssignedAt: at},
		{DeviceID: "kickr", DeviceName: "KICKR", Role: RolePrimaryTrainer, TransportHint: HintFTMS, AssignedAt: at},
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"version": 1`)
	assert.Contains(t, string(raw), `"role": "primaryTrainer"`)
	assert.Contains(t, string(raw), `"deviceId": "kickr"`)

	decoded, err := DecodeRecord(raw)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, RolePrimaryTrainer, decoded[0].Role)
	assert.Equal(t, "KICKR", decoded[0].DeviceName)
	assert.True(t, at.Equal(decoded[0].AssignedAt))
	assert.Equal(t, RoleHeartRateSource, decoded[1].Role)
}

func TestEncodeRecord_Empty(t *testing.T) {
	raw, err := EncodeRecord(nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"assignments": []`)
}

func TestDecodeRecord(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{
			name: "valid",
			raw:  `{"version":1,"assignments":[{"deviceId":"a","role":"powerSource"},{"deviceId":"b","role":"cadenceSource"}]}`,
			want: []string{"a", "b"},
		},
		{
			name:    "unknown version",
			raw:     `{"version":2,"assignments":[{"deviceId":"a","role":"powerSource"}]}`,
			wantErr: true,
		},
		{
			name:    "missing version",
			raw:     `{"assignments":[{"deviceId":"a","role":"powerSource"}]}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `roles: everywhere`,
			wantErr: true,
		},
		{
			name:    "unknown role",
			raw:     `{"version":1,"assignments":[{"deviceId":"a","role":"rower"}]}`,
			wantErr: true,
		},
		{
			name: "first entry for a role wins",
			raw:  `{"version":1,"assignments":[{"deviceId":"a","role":"powerSource"},{"deviceId":"b","role":"powerSource"}]}`,
			want: []string{"a"},
		},
		{
			name: "entries without device id are dropped",
			raw:  `{"version":1,"assignments":[{"deviceId":"","role":"powerSource"},{"deviceId":"c","role":"speedSource"}]}`,
			want: []string{"c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRecord([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var ids []string
			for _, a := range got {
				ids = append(ids, a.DeviceID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestRoleStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "roles.json")
	store := NewRoleStore(newLogger(), path)
	assert.Nil(t, store.Load())

	require.NoError(t, store.Save([]SavedAssignment{{DeviceID: "a", Role: RoleSpeedSource, TransportHint: HintCSC}}))
	loaded := store.Load()
	require.Len(t, loaded, 1)
	assert.Equal(t, RoleSpeedSource, loaded[0].Role)
	assert.Equal(t, HintCSC, loaded[0].TransportHint)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRoleStore_MalformedFileYieldsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":`), 0644))
	assert.Nil(t, NewRoleStore(newLogger(), path).Load())
}

func TestRoleStore_NilStoresNothing(t *testing.T) {
	var store *RoleStore
	assert.NoError(t, store.Save([]SavedAssignment{{DeviceID: "a"}}))
	assert.Nil(t, store.Load())
}
