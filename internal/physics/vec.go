package physics

import "math"

// Vec3 is a right-handed, Y-up vector in metres or metres per second.
type Vec3 struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

var (
	Up      = Vec3{Y: 1}
	Forward = Vec3{Z: 1}
)

func (v Vec3) Add(o Vec3) Vec3         { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3         { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3    { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Dot(o Vec3) float64      { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Length() float64         { return math.Sqrt(v.Dot(v)) }
func (v Vec3) Distance(o Vec3) float64 { return v.Sub(o).Length() }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Normalized returns the unit vector, or the zero vector when v has no length.
func (v Vec3) Normalized() Vec3 {
	length := v.Length()
	if length == 0 {
		return Vec3{}
	}
	return v.Scale(1 / length)
}

// Lerp blends a towards b without clamping t.
func Lerp(a, b Vec3, t float64) Vec3 {
	return a.Add(b.Sub(a).Scale(t))
}

// ClampMagnitude rescales v so its length does not exceed limit. A non-positive
// limit disables the clamp.
func (v Vec3) ClampMagnitude(limit float64) Vec3 {
	//1.- Leave the vector untouched when the guard is off or already satisfied.
	if !(limit > 0) {
		return v
	}
	sq := v.Dot(v)
	if sq == 0 || sq <= limit*limit {
		return v
	}
	//2.- Scale uniformly so direction is preserved.
	return v.Scale(limit / math.Sqrt(sq))
}

// WrapAngleDeg normalises an angle to the [-180, 180) range.
func WrapAngleDeg(angle float64) float64 {
	wrapped := math.Mod(angle+180, 360)
	if wrapped < 0 {
		wrapped += 360
	}
	return wrapped - 180
}
