package physics

import "math"

// Quat is a unit rotation quaternion.
type Quat struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
	W float64 `json:"w" msgpack:"w"`
}

// Identity is the rotation that leaves vectors unchanged.
var Identity = Quat{W: 1}

// AngleAxis builds a rotation of degrees around axis.
func AngleAxis(degrees float64, axis Vec3) Quat {
	axis = axis.Normalized()
	if axis == (Vec3{}) {
		return Identity
	}
	half := degrees * math.Pi / 360
	s := math.Sin(half)
	return Quat{X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s, W: math.Cos(half)}
}

// FromYaw builds a rotation about the world up axis.
func FromYaw(degrees float64) Quat { return AngleAxis(degrees, Up) }

// Mul returns the rotation that applies r first and then q.
func (q Quat) Mul(r Quat) Quat {
	return Quat{
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
	}
}

func (q Quat) Dot(r Quat) float64 { return q.X*r.X + q.Y*r.Y + q.Z*r.Z + q.W*r.W }

// Normalized returns q scaled to unit length; the zero quaternion maps to Identity.
func (q Quat) Normalized() Quat {
	n := math.Sqrt(q.Dot(q))
	if n == 0 {
		return Identity
	}
	return Quat{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// Rotate applies q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	u := Vec3{q.X, q.Y, q.Z}
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}

// Up is the body's local up axis in world space.
func (q Quat) Up() Vec3 { return q.Rotate(Up) }

// Forward is the body's local forward axis in world space.
func (q Quat) Forward() Vec3 { return q.Rotate(Forward) }

// YawDeg is the heading around the up axis in [0, 360).
func (q Quat) YawDeg() float64 {
	f := q.Forward()
	yaw := math.Atan2(f.X, f.Z) * 180 / math.Pi
	if yaw < 0 {
		yaw += 360
	}
	return yaw
}

// Slerp spherically interpolates between a and b along the shortest arc.
func Slerp(a, b Quat, t float64) Quat {
	a, b = a.Normalized(), b.Normalized()
	cos := a.Dot(b)
	//1.- Flip one end so the blend takes the short way round.
	if cos < 0 {
		b = Quat{-b.X, -b.Y, -b.Z, -b.W}
		cos = -cos
	}
	//2.- Nearly parallel rotations fall back to normalised lerp.
	if cos > 0.9995 {
		return Quat{
			X: a.X + (b.X-a.X)*t,
			Y: a.Y + (b.Y-a.Y)*t,
			Z: a.Z + (b.Z-a.Z)*t,
			W: a.W + (b.W-a.W)*t,
		}.Normalized()
	}
	theta := math.Acos(cos)
	sin := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sin
	wb := math.Sin(t*theta) / sin
	return Quat{
		X: a.X*wa + b.X*wb,
		Y: a.Y*wa + b.Y*wb,
		Z: a.Z*wa + b.Z*wb,
		W: a.W*wa + b.W*wb,
	}
}
