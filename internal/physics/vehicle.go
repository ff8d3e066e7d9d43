package physics

import (
	"math"

	"poleposition/raceserver/internal/gameplay"
)

// inputDeadZone separates "no throttle" from a deliberate forward or reverse command.
const inputDeadZone = 1e-6

// Controls is one tick of driver input.
type Controls struct {
	Acceleration float64 `json:"acceleration" msgpack:"acceleration"`
	Steering     float64 `json:"steering" msgpack:"steering"`
	Brake        float64 `json:"brake" msgpack:"brake"`
}

// Clamped forces steering and acceleration into [-1, 1] and brake into [0, 1].
// NaN axes collapse to zero.
func (c Controls) Clamped() Controls {
	return Controls{
		Acceleration: clamp(c.Acceleration, -1, 1),
		Steering:     clamp(c.Steering, -1, 1),
		Brake:        clamp(c.Brake, 0, 1),
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// StepResult reports what a simulation tick did to the vehicle.
type StepResult struct {
	Speed     float64
	Recovered bool
	Reason    RecoveryReason
}

// RecoveryReason names why a vehicle was teleported back to its checkpoint.
type RecoveryReason string

const (
	RecoveryNone     RecoveryReason = ""
	RecoveryStuck    RecoveryReason = "stuck"
	RecoveryWrongWay RecoveryReason = "wrong_way"
)

// Vehicle is the authoritative drive model for one kart. It runs on the server
// only; remote copies on clients are driven by their state buffers.
type Vehicle struct {
	tuning gameplay.KartTuning
	body   Body

	input Controls
	speed float64

	downTime     float64
	wrongWay     bool
	wrongWayTime float64
	respawn      Pose

	lastYaw float64
	hasYaw  bool
}

// NewVehicle wraps body with the kart tuning. The body's current pose is the
// initial recovery target.
func NewVehicle(body Body, tuning gameplay.KartTuning) *Vehicle {
	return &Vehicle{
		tuning:   tuning,
		body:     body,
		downTime: tuning.MaxDownTimeSeconds,
		respawn:  body.Pose(),
	}
}

// Body exposes the driven body.
func (v *Vehicle) Body() Body { return v.body }

// SetInput stores the latest controls, clamped.
func (v *Vehicle) SetInput(c Controls) { v.input = c.Clamped() }

// Input returns the clamped controls applied on the next tick.
func (v *Vehicle) Input() Controls { return v.input }

// Speed is the body speed measured after the last tick.
func (v *Vehicle) Speed() float64 { return v.speed }

// DownTime is the remaining stuck allowance in seconds.
func (v *Vehicle) DownTime() float64 { return v.downTime }

// SetRespawn records the pose used by recovery.
func (v *Vehicle) SetRespawn(p Pose) { v.respawn = p }

// MarkWrongWay starts the wrong-way timer if it is not already running.
func (v *Vehicle) MarkWrongWay() {
	if !v.wrongWay {
		v.wrongWay = true
		v.wrongWayTime = 0
	}
}

// ClearWrongWay stops the wrong-way timer.
func (v *Vehicle) ClearWrongWay() {
	v.wrongWay = false
	v.wrongWayTime = 0
}

// WrongWay reports whether the wrong-way timer is running.
func (v *Vehicle) WrongWay() bool { return v.wrongWay }

// Step applies one fixed tick of dt seconds.
func (v *Vehicle) Step(dt float64) StepResult {
	if v == nil || v.body == nil || dt <= 0 {
		return StepResult{}
	}
	//1.- Core drive: steering, motor or engine brake, foot brake.
	v.drive(v.input)
	//2.- Assists in fixed order.
	v.tractionControl()
	v.addDownForce()
	v.limitSpeed()
	v.steerHelper(dt)
	//3.- Recover before integrating so this tick ends at the respawn pose.
	reason := v.recoveryDue(dt)
	if reason != RecoveryNone {
		v.recover()
	}
	v.body.Integrate(dt)
	v.speed = v.body.Velocity().Length()
	return StepResult{Speed: v.speed, Recovered: reason != RecoveryNone, Reason: reason}
}

func (v *Vehicle) drive(in Controls) {
	steer := v.tuning.MaxSteeringAngleDeg * in.Steering
	for _, axle := range v.body.Axles() {
		for _, wheel := range axle.wheels() {
			if axle.Steering {
				wheel.SteerAngleDeg = steer
			}
			if !axle.Motor {
				continue
			}
			switch {
			case in.Acceleration > inputDeadZone:
				wheel.MotorTorque = v.tuning.ForwardMotorTorque
				wheel.BrakeTorque = 0
			case in.Acceleration < -inputDeadZone:
				wheel.MotorTorque = -v.tuning.BackwardMotorTorque
				wheel.BrakeTorque = 0
			default:
				wheel.MotorTorque = 0
				wheel.BrakeTorque = v.tuning.EngineBrake
			}
			if in.Brake > 0 {
				wheel.BrakeTorque = v.tuning.FootBrake
			}
		}
	}
}

// tractionControl cuts torque on wheels spinning past the slip limit.
func (v *Vehicle) tractionControl() {
	limit := v.tuning.SlipLimit
	for _, axle := range v.body.Axles() {
		for _, wheel := range axle.wheels() {
			if wheel.Hit.ForwardSlip < limit {
				continue
			}
			excess := (wheel.Hit.ForwardSlip - limit) / (1 - limit)
			wheel.MotorTorque -= wheel.MotorTorque * excess * limit
		}
	}
}

func (v *Vehicle) addDownForce() {
	speed := v.body.Velocity().Length()
	up := v.body.Pose().Rotation.Up()
	v.body.AddForce(up.Scale(-v.tuning.DownForce * speed))
}

func (v *Vehicle) limitSpeed() {
	velocity := v.body.Velocity()
	if velocity.Length() > v.tuning.TopSpeedMps {
		v.body.SetVelocity(velocity.ClampMagnitude(v.tuning.TopSpeedMps))
	}
}

// steerHelper drains the stuck timer while any wheel is airborne or off track,
// otherwise refills it and turns the velocity toward the new heading.
func (v *Vehicle) steerHelper(dt float64) {
	for _, axle := range v.body.Axles() {
		for _, wheel := range axle.wheels() {
			if !wheel.Hit.Grounded || wheel.Hit.Surface == v.tuning.OffTrackSurface {
				v.downTime -= dt
				return
			}
		}
	}
	v.downTime = v.tuning.MaxDownTimeSeconds

	yaw := v.body.Pose().Rotation.YawDeg()
	if v.hasYaw {
		delta := WrapAngleDeg(yaw - v.lastYaw)
		//1.- Large heading jumps are orientation flips, not steering.
		if math.Abs(delta) < v.tuning.SteerHelperGuardDeg {
			turn := AngleAxis(delta*v.tuning.SteerHelper, Up)
			v.body.SetVelocity(turn.Rotate(v.body.Velocity()))
		}
	}
	v.lastYaw = yaw
	v.hasYaw = true
}

func (v *Vehicle) recoveryDue(dt float64) RecoveryReason {
	if v.wrongWay {
		v.wrongWayTime += dt
		if v.wrongWayTime >= v.tuning.WrongWayLimitSeconds {
			return RecoveryWrongWay
		}
	}
	if v.downTime <= 0 {
		return RecoveryStuck
	}
	return RecoveryNone
}

func (v *Vehicle) recover() {
	v.body.Teleport(v.respawn)
	v.body.SetVelocity(Vec3{})
	v.downTime = v.tuning.MaxDownTimeSeconds
	v.ClearWrongWay()
	v.hasYaw = false
}
