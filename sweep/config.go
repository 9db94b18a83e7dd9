package sweep

import (
	"math"
	"time"

	"github.com/calvinmclean/servorig"
)

// DefaultDwell is used when neither a per-step nor a fallback duration is usable
const DefaultDwell = time.Second

// Config describes the motion sequence for one actuator
type Config struct {
	ID    servorig.ActuatorID `yaml:"id"`
	Label string              `yaml:"label"`

	// Positions are commanded in order and wrap back to the start
	Positions []int `yaml:"positions"`

	// DurationsMS holds the dwell after each step. It is indexed by the position cursor
	// modulo its own length, so it does not need to match the length of Positions.
	DurationsMS []float64 `yaml:"durations_ms"`
	// DurationMS is the fallback dwell for steps without a usable entry in DurationsMS
	DurationMS *float64 `yaml:"duration_ms"`

	Speed        int     `yaml:"speed"`
	Acceleration int     `yaml:"acceleration"`
	StartDelayMS float64 `yaml:"start_delay_ms"`

	LogFile string `yaml:"log_file"`
}

// maxDurationMS is the first millisecond value that no longer fits in a Duration
const maxDurationMS = float64(math.MaxInt64) / float64(time.Millisecond)

// ValidDuration converts milliseconds to a Duration, rejecting NaN, infinities, negative
// values and values too large for a Duration
func ValidDuration(ms float64) (time.Duration, bool) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 || ms >= maxDurationMS {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// Dwell returns the delay that follows the command issued at cursor idx
func (c Config) Dwell(idx int) time.Duration {
	if n := len(c.DurationsMS); n > 0 {
		if d, ok := ValidDuration(c.DurationsMS[idx%n]); ok {
			return d
		}
	}
	return c.FallbackDwell()
}

// FallbackDwell returns DurationMS if it is valid, otherwise DefaultDwell
func (c Config) FallbackDwell() time.Duration {
	if c.DurationMS != nil {
		if d, ok := ValidDuration(*c.DurationMS); ok {
			return d
		}
	}
	return DefaultDwell
}

// StartDelay returns the delay before the first command. Invalid values mean no delay.
func (c Config) StartDelay() time.Duration {
	d, ok := ValidDuration(c.StartDelayMS)
	if !ok {
		return 0
	}
	return d
}

// InitialPayload is sent with the first successful command: torque on, speed and
// acceleration set, then the target
func (c Config) InitialPayload(target int) servorig.Payload {
	return servorig.Payload{
		servorig.RegTorqueEnable: 1,
		servorig.RegGoalSpeed:    c.Speed,
		servorig.RegAcceleration: c.Acceleration,
		servorig.RegGoalPosition: target,
	}
}

// PositionPayload only moves the actuator to target
func PositionPayload(target int) servorig.Payload {
	return servorig.Payload{servorig.RegGoalPosition: target}
}
