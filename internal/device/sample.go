package device

import "time"

// PowerSample is one instantaneous power reading.
type PowerSample struct {
	Watts     int
	Timestamp time.Time
}

// Equal compares values only.
func (s PowerSample) Equal(other PowerSample) bool { return s.Watts == other.Watts }

// CadenceSample is one cadence reading in revolutions per minute.
type CadenceSample struct {
	RPM       int
	Timestamp time.Time
}

func (s CadenceSample) Equal(other CadenceSample) bool { return s.RPM == other.RPM }

// SpeedSample is one speed reading in km/h.
type SpeedSample struct {
	KMH       float64
	Timestamp time.Time
}

func (s SpeedSample) Equal(other SpeedSample) bool { return s.KMH == other.KMH }

// HeartRateSample is one heart rate reading in beats per minute.
type HeartRateSample struct {
	BPM       int
	Timestamp time.Time
}

func (s HeartRateSample) Equal(other HeartRateSample) bool { return s.BPM == other.BPM }
