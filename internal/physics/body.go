package physics

import (
	"math"

	"poleposition/raceserver/internal/gameplay"
)

const gravity = 9.81

// GroundHit is a wheel's contact as last reported by the physics engine.
type GroundHit struct {
	Grounded    bool
	Surface     string
	ForwardSlip float64
}

// Wheel is the command and contact slot shared between simulator and engine.
type Wheel struct {
	SteerAngleDeg float64
	MotorTorque   float64
	BrakeTorque   float64
	Hit           GroundHit
}

// Axle pairs two wheels with their drive roles.
type Axle struct {
	Left     Wheel
	Right    Wheel
	Steering bool
	Motor    bool
}

func (a *Axle) wheels() [2]*Wheel { return [2]*Wheel{&a.Left, &a.Right} }

// Pose is a rigid transform.
type Pose struct {
	Position Vec3 `json:"position" msgpack:"position"`
	Rotation Quat `json:"rotation" msgpack:"rotation"`
}

// Body is the rigid body and wheel set the vehicle simulator drives. The
// simulator writes wheel commands and forces, then calls Integrate once per tick.
type Body interface {
	Axles() []*Axle
	Pose() Pose
	Velocity() Vec3
	SetVelocity(Vec3)
	AddForce(Vec3)
	Teleport(Pose)
	Integrate(dt float64)
}

// SurfaceFunc reports the surface under a world position and whether the
// wheel touches the ground there.
type SurfaceFunc func(position Vec3) (surface string, grounded bool)

// KinematicBody is a flat-ground bicycle model used when no external engine
// is attached. Tyre force is capped by grip, which downforce increases.
type KinematicBody struct {
	tuning   gameplay.KartTuning
	axles    []*Axle
	pose     Pose
	velocity Vec3
	force    Vec3
	surface  SurfaceFunc
	grip     float64
}

// NewKinematicBody places a two-axle kart with front steering and rear drive at start.
func NewKinematicBody(tuning gameplay.KartTuning, start Pose, surface SurfaceFunc) *KinematicBody {
	if surface == nil {
		surface = func(Vec3) (string, bool) { return "asphalt", true }
	}
	body := &KinematicBody{
		tuning:  tuning,
		axles:   []*Axle{{Steering: true}, {Motor: true}},
		pose:    Pose{Position: start.Position, Rotation: start.Rotation.Normalized()},
		surface: surface,
		grip:    1.2,
	}
	body.refreshContacts(0)
	return body
}

func (b *KinematicBody) Axles() []*Axle      { return b.axles }
func (b *KinematicBody) Pose() Pose          { return b.pose }
func (b *KinematicBody) Velocity() Vec3      { return b.velocity }
func (b *KinematicBody) SetVelocity(v Vec3)  { b.velocity = v }
func (b *KinematicBody) AddForce(force Vec3) { b.force = b.force.Add(force) }

func (b *KinematicBody) Teleport(p Pose) {
	b.pose = Pose{Position: p.Position, Rotation: p.Rotation.Normalized()}
	b.force = Vec3{}
	b.refreshContacts(0)
}

// Integrate advances the body by dt seconds.
func (b *KinematicBody) Integrate(dt float64) {
	if dt <= 0 {
		return
	}
	mass := b.tuning.MassKg
	up := b.pose.Rotation.Up()
	forward := b.pose.Rotation.Forward()
	//1.- Downforce adds to the normal load and so to the available grip.
	load := mass*gravity + math.Max(0, -b.force.Dot(up))
	wheelCount := 0
	for _, axle := range b.axles {
		wheelCount += len(axle.wheels())
	}
	perWheelGrip := b.grip * load / float64(wheelCount)

	//2.- Tyre force per driven wheel is torque over radius capped by grip.
	var drive, brake, steer float64
	steering := 0
	for _, axle := range b.axles {
		for _, wheel := range axle.wheels() {
			if !wheel.Hit.Grounded {
				continue
			}
			if axle.Motor {
				traction := wheel.MotorTorque / b.tuning.WheelRadiusM
				drive += math.Copysign(math.Min(math.Abs(traction), perWheelGrip), traction)
			}
			brake += math.Min(wheel.BrakeTorque/b.tuning.WheelRadiusM, perWheelGrip)
			if axle.Steering {
				steer += wheel.SteerAngleDeg
				steering++
			}
		}
	}

	//3.- Longitudinal speed changes by drive force, brakes pull it toward zero.
	along := b.velocity.Dot(forward)
	lateral := b.velocity.Sub(forward.Scale(along))
	along += drive / mass * dt
	if stop := brake / mass * dt; stop >= math.Abs(along) {
		along = 0
	} else {
		along -= math.Copysign(stop, along)
	}
	velocity := forward.Scale(along).Add(lateral)
	planar := b.force.Sub(up.Scale(b.force.Dot(up)))
	velocity = velocity.Add(planar.Scale(dt / mass))
	velocity.Y = 0
	b.velocity = velocity
	b.force = Vec3{}

	//4.- Heading follows the bicycle model for the mean steer angle.
	if steering > 0 {
		angle := steer / float64(steering) * math.Pi / 180
		yawRate := along / b.tuning.WheelBaseM * math.Tan(angle)
		b.pose.Rotation = FromYaw(yawRate * dt * 180 / math.Pi).Mul(b.pose.Rotation).Normalized()
	}
	b.pose.Position = b.pose.Position.Add(b.velocity.Scale(dt))
	b.refreshContacts(perWheelGrip)
}

// refreshContacts samples the surface and estimates forward slip as the share
// of commanded torque the tyre could not transmit.
func (b *KinematicBody) refreshContacts(perWheelGrip float64) {
	surface, grounded := b.surface(b.pose.Position)
	for _, axle := range b.axles {
		for _, wheel := range axle.wheels() {
			slip := 0.0
			demand := math.Abs(wheel.MotorTorque) / b.tuning.WheelRadiusM
			if perWheelGrip > 0 && demand > perWheelGrip {
				slip = math.Min(1, (demand-perWheelGrip)/demand)
			}
			wheel.Hit = GroundHit{Grounded: grounded, Surface: surface, ForwardSlip: slip}
		}
	}
}
