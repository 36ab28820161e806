package sensor

// revolutionCounter turns cumulative revolution counts and 1/1024 s event
// times into a rate. Event times always roll over at 16 bits; revMask sets
// where the revolution counter rolls over.
type revolutionCounter struct {
	revMask  uint32
	lastRevs uint32
	lastTime uint16
	hasLast  bool
}

// update records a reading and returns revolutions per second since the
// previous one. ok is false for the first reading and for a repeated event
// time, which means no new revolution happened.
func (c *revolutionCounter) update(revs uint32, eventTime uint16) (perSecond float64, ok bool) {
	if !c.hasLast {
		c.lastRevs, c.lastTime, c.hasLast = revs, eventTime, true
		return 0, false
	}
	revDiff := (revs - c.lastRevs) & c.revMask
	timeDiff := eventTime - c.lastTime
	c.lastRevs, c.lastTime = revs, eventTime
	if timeDiff == 0 {
		return 0, false
	}
	return float64(revDiff) * 1024 / float64(timeDiff), true
}

func (c *revolutionCounter) clear() {
	*c = revolutionCounter{revMask: c.revMask}
}
