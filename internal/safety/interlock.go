package safety

import (
	"time"

	"github.com/rvguard/rvguard/pkg/types"
)

// Condition is a single named predicate over the vehicle-state snapshot.
// True means this aspect of the vehicle is safe for the protected operation.
type Condition struct {
	Name  string
	Check func(types.VehicleState) bool
}

// Interlock blocks operation of one feature until every condition holds.
// Engaged means the feature's motion commands are refused.
type Interlock struct {
	Name       string
	Feature    string
	Action     types.SafeStateAction
	Conditions []Condition

	engaged   bool
	engagedAt time.Time
	reason    string
}

// evaluate returns whether all conditions hold, and the name of the first
// failing condition when they do not.
func (il *Interlock) evaluate(vs types.VehicleState) (bool, string) {
	for _, c := range il.Conditions {
		if !c.Check(vs) {
			return false, c.Name
		}
	}
	return true, ""
}

func (il *Interlock) snapshot() types.InterlockSnapshot {
	snap := types.InterlockSnapshot{
		Name:    il.Name,
		Feature: il.Feature,
		Action:  il.Action,
		Engaged: il.engaged,
		Reason:  il.reason,
	}
	if il.engaged {
		at := il.engagedAt
		snap.EngagedAt = &at
	}
	return snap
}

// Near-stationary threshold. Chassis speed sensors jitter around zero, so
// "stopped" for slides and awnings is anything under half a mile per hour.
const creepSpeedMPH = 0.5

// DefaultInterlocks returns the standard rule set for the motion-capable
// RV subsystems.
func DefaultInterlocks() []*Interlock {
	parked := Condition{
		Name:  "transmission in PARK",
		Check: func(vs types.VehicleState) bool { return vs.Parked() },
	}
	brakeSet := Condition{
		Name:  "parking brake set",
		Check: func(vs types.VehicleState) bool { return vs.ParkingBrake },
	}
	nearStationary := Condition{
		Name:  "speed below creep threshold",
		Check: func(vs types.VehicleState) bool { return vs.SpeedMPH < creepSpeedMPH },
	}
	fullyStopped := Condition{
		Name:  "speed is zero",
		Check: func(vs types.VehicleState) bool { return vs.SpeedMPH == 0 },
	}
	windGuard := Condition{
		Name:  "wind guard reports safe",
		Check: func(vs types.VehicleState) bool { return vs.WindSafe },
	}

	return []*Interlock{
		{
			Name:       "slide_room_motion",
			Feature:    "slides",
			Action:     types.ActionMaintainPosition,
			Conditions: []Condition{parked, brakeSet, nearStationary},
		},
		{
			Name:       "awning_extension",
			Feature:    "awnings",
			Action:     types.ActionStopOperation,
			Conditions: []Condition{nearStationary, windGuard},
		},
		{
			Name:       "leveling_jack_motion",
			Feature:    "leveling_jacks",
			Action:     types.ActionMaintainPosition,
			Conditions: []Condition{parked, brakeSet, fullyStopped},
		},
	}
}
