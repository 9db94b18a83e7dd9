package servorig

import (
	"fmt"
	"sort"
	"time"
)

// ActuatorID is the bus address of a single servo. Valid ids are positive.
type ActuatorID int

func (id ActuatorID) Valid() bool {
	return id > 0
}

// Register names a writable control register on an actuator
type Register string

const (
	RegTorqueEnable Register = "torque_enable"
	RegAcceleration Register = "acceleration"
	RegGoalPosition Register = "goal_position"
	RegGoalSpeed    Register = "goal_speed"
)

// order is the write order of the registers. Torque, acceleration and speed must be latched
// before the goal position starts the move.
func (r Register) order() int {
	switch r {
	case RegTorqueEnable:
		return 0
	case RegAcceleration:
		return 1
	case RegGoalSpeed:
		return 2
	case RegGoalPosition:
		return 3
	default:
		return 4
	}
}

// Payload maps named registers to the values that should be written to them
type Payload map[Register]int

// Registers returns the payload's register names in write order
func (p Payload) Registers() []Register {
	regs := make([]Register, 0, len(p))
	for r := range p {
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].order() != regs[j].order() {
			return regs[i].order() < regs[j].order()
		}
		return regs[i] < regs[j]
	})
	return regs
}

// Snapshot is the most recent register state reported by one actuator
type Snapshot struct {
	Position    int
	Speed       int
	Load        int
	Current     int
	Temperature int
	Status      int
	Moving      bool

	UpdatedAt time.Time
}

// Columns returns the eight CSV column names used for one actuator, in row order
func Columns(id ActuatorID) []string {
	return []string{
		fmt.Sprintf("target pos (%d)", id),
		fmt.Sprintf("pos (%d)", id),
		fmt.Sprintf("speed (%d)", id),
		fmt.Sprintf("load (%d)", id),
		fmt.Sprintf("current (%d)", id),
		fmt.Sprintf("temp (%d)", id),
		fmt.Sprintf("status (%d)", id),
		fmt.Sprintf("moving (%d)", id),
	}
}

// ColumnsPerActuator is the number of fields each actuator contributes to a row
const ColumnsPerActuator = 8

// Events receives what the transport observes. Implementations must not block for long;
// they are called from the transport's own goroutine.
type Events interface {
	// Discovered reports actuators seen for the first time
	Discovered(ids []ActuatorID)
	// Telemetry replaces the latest snapshot for id
	Telemetry(id ActuatorID, snap Snapshot)
	// Error reports a transport failure that did not stop the transport
	Error(err error)
}
