package ftms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIndoorBikeData(t *testing.T) {
	tests := []struct {
		name   string
		buf    []byte
		verify func(t *testing.T, d IndoorBikeData)
	}{
		{
			name: "speed cadence power",
			buf:  []byte{0x44, 0x00, 0xC4, 0x09, 0xB4, 0x00, 0xC8, 0x00},
			verify: func(t *testing.T, d IndoorBikeData) {
				assert.False(t, d.Truncated)
				assert.True(t, d.HasInstantaneousSpeed)
				assert.InDelta(t, 25.0, d.InstantaneousSpeedKmh, 0.001)
				assert.True(t, d.HasInstantaneousCadence)
				assert.Equal(t, 90, d.InstantaneousCadenceRpm)
				assert.True(t, d.HasInstantaneousPower)
				assert.Equal(t, int16(200), d.InstantaneousPowerWatts)
				assert.False(t, d.HasHeartRate)
			},
		},
		{
			name: "more data bit hides speed",
			buf:  []byte{0x41, 0x00, 0xC8, 0x00},
			verify: func(t *testing.T, d IndoorBikeData) {
				assert.False(t, d.HasInstantaneousSpeed)
				assert.True(t, d.HasInstantaneousPower)
				assert.Equal(t, int16(200), d.InstantaneousPowerWatts)
			},
		},
		{
			name: "signed power",
			buf:  []byte{0x41, 0x00, 0xF6, 0xFF},
			verify: func(t *testing.T, d IndoorBikeData) {
				assert.Equal(t, int16(-10), d.InstantaneousPowerWatts)
			},
		},
		{
			name: "cadence rounds half steps",
			buf:  []byte{0x05, 0x00, 0xB5, 0x00},
			verify: func(t *testing.T, d IndoorBikeData) {
				// 181 half-rpm
				assert.Equal(t, 91, d.InstantaneousCadenceRpm)
			},
		},
		{
			name: "heart rate after skipped fields",
			buf: []byte{
				0x81, 0x03, // more data, avg power, energy, heart rate
				0x64, 0x00, // average power
				0x10, 0x00, 0x20, 0x00, 0x01, // energy
				0x8C,
			},
			verify: func(t *testing.T, d IndoorBikeData) {
				assert.False(t, d.Truncated)
				assert.Equal(t, int16(100), d.AveragePowerWatts)
				assert.Equal(t, uint16(16), d.TotalEnergyKJ)
				assert.True(t, d.HasHeartRate)
				assert.Equal(t, uint8(140), d.HeartRateBpm)
			},
		},
		{
			name: "truncated power keeps earlier fields",
			buf:  []byte{0x44, 0x00, 0xC4, 0x09, 0xB4, 0x00, 0xC8},
			verify: func(t *testing.T, d IndoorBikeData) {
				assert.True(t, d.Truncated)
				assert.True(t, d.HasInstantaneousSpeed)
				assert.True(t, d.HasInstantaneousCadence)
				assert.False(t, d.HasInstantaneousPower)
			},
		},
		{
			name: "truncated field hides later ones",
			buf:  []byte{0x40, 0x02, 0x01},
			verify: func(t *testing.T, d IndoorBikeData) {
				assert.True(t, d.Truncated)
				assert.False(t, d.HasInstantaneousSpeed)
				assert.False(t, d.HasHeartRate)
			},
		},
		{
			name: "missing flags",
			buf:  []byte{0x44},
			verify: func(t *testing.T, d IndoorBikeData) {
				assert.True(t, d.Truncated)
				assert.False(t, d.HasInstantaneousPower)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.verify(t, DecodeIndoorBikeData(tt.buf))
		})
	}
}

func TestEncodeIndoorBikeData_DecodesBack(t *testing.T) {
	in := IndoorBikeData{
		HasInstantaneousSpeed:   true,
		InstantaneousSpeedKmh:   31.25,
		HasInstantaneousCadence: true,
		InstantaneousCadenceRpm: 88,
		HasInstantaneousPower:   true,
		InstantaneousPowerWatts: 245,
		HasHeartRate:            true,
		HeartRateBpm:            151,
	}
	out := DecodeIndoorBikeData(EncodeIndoorBikeData(in))
	assert.InDelta(t, in.InstantaneousSpeedKmh, out.InstantaneousSpeedKmh, 0.001)
	out.InstantaneousSpeedKmh = in.InstantaneousSpeedKmh
	assert.Equal(t, in, out)

	powerOnly := DecodeIndoorBikeData(EncodeIndoorBikeData(IndoorBikeData{HasInstantaneousPower: true, InstantaneousPowerWatts: 180}))
	assert.False(t, powerOnly.HasInstantaneousSpeed)
	assert.Equal(t, int16(180), powerOnly.InstantaneousPowerWatts)
}

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  []byte
	}{
		{"power", TargetPower(200), []byte{0x05, 0xC8, 0x00}},
		{"power clamped high", TargetPower(2000), []byte{0x05, 0xDC, 0x05}},
		{"power clamped low", TargetPower(10), []byte{0x05, 0x19, 0x00}},
		{"resistance", TargetResistance(-5), []byte{0x04, 0xFB, 0xFF}},
		{"speed", TargetSpeed(30.5), []byte{0x02, 0xEA, 0x0B}},
		{"inclination", TargetInclination(-2.5), []byte{0x03, 0xE7, 0xFF}},
		{"heart rate", TargetHeartRate(150), []byte{0x06, 0x96}},
		{"cadence", TargetCadence(90), []byte{0x14, 0xB4, 0x00}},
		{
			"simulation",
			Simulation(SimulationParameters{WindSpeed: 1.5, Grade: 4.5, RollingResistance: 0.004, WindResistanceCoefficient: 0.51}),
			[]byte{0x11, 0xDC, 0x05, 0xC2, 0x01, 0x28, 0x33},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeCommand(tt.state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := EncodeCommand(Idle())
	assert.ErrorIs(t, err, ErrNothingToEncode)
}

func TestDecodeCommand(t *testing.T) {
	for _, s := range []State{
		TargetPower(320),
		TargetResistance(40),
		TargetSpeed(27.5),
		TargetInclination(3.5),
		TargetHeartRate(140),
		TargetCadence(92.5),
		Simulation(SimulationParameters{WindSpeed: -2, Grade: -1.5, RollingResistance: 0.005, WindResistanceCoefficient: 0.6}),
	} {
		buf, err := EncodeCommand(s)
		require.NoError(t, err, s.String())
		got, err := DecodeCommand(buf)
		require.NoError(t, err, s.String())
		assert.Equal(t, s.String(), got.String())
	}

	_, err := DecodeCommand(nil)
	assert.ErrorIs(t, err, ErrEmptyCommand)
	_, err = DecodeCommand([]byte{byte(OpRequestControl)})
	assert.ErrorIs(t, err, ErrNotTargetCommand)
	_, err = DecodeCommand([]byte{byte(OpSetTargetPower), 0xC8})
	assert.ErrorIs(t, err, ErrShortCommand)
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse(EncodeResponse(OpSetTargetPower, ResultSuccess))
	require.NoError(t, err)
	assert.Equal(t, OpSetTargetPower, resp.RequestOpCode)
	assert.True(t, resp.Success())
	assert.Nil(t, resp.Parameters)

	resp, err = DecodeResponse([]byte{0x80, 0x00, 0x05, 0xAA})
	require.NoError(t, err)
	assert.False(t, resp.Success())
	assert.Equal(t, ResultControlNotPermitted, resp.Result)
	assert.Equal(t, []byte{0xAA}, resp.Parameters)

	_, err = DecodeResponse([]byte{0x05, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrNotResponse)
	_, err = DecodeResponse([]byte{0x80, 0x05})
	assert.ErrorIs(t, err, ErrShortResponse)
	_, err = DecodeResponse(nil)
	assert.ErrorIs(t, err, ErrNotResponse)
}

func TestStateAccessorsAndClamp(t *testing.T) {
	s := TargetPower(180)
	w, ok := s.Power()
	assert.True(t, ok)
	assert.Equal(t, 180, w)
	_, ok = s.Cadence()
	assert.False(t, ok)

	op, ok := s.OpCode()
	assert.True(t, ok)
	assert.Equal(t, OpSetTargetPower, op)
	_, ok = Idle().OpCode()
	assert.False(t, ok)

	assert.Equal(t, 25, ClampPower(-40))
	assert.Equal(t, 1500, ClampPower(1501))
	assert.Equal(t, 700, ClampPower(700))
	assert.Equal(t, TargetPower(1500), TargetPower(9000).clamped())
	assert.Equal(t, "idle", Idle().String())
	assert.True(t, Idle().IsIdle())
}
