package mesh

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mat3 is a row-major 3x3 matrix value.
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity matrix
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Mul returns m*o.
func (m Mat3) Mul(o Mat3) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j]
		}
	}
	return r
}

// MulVec returns m*v.
func (m Mat3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	return Mat3{
		{m[0][0], m[1][0], m[2][0]},
		{m[0][1], m[1][1], m[2][1]},
		{m[0][2], m[1][2], m[2][2]},
	}
}

// Add returns m+o.
func (m Mat3) Add(o Mat3) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][j] + o[i][j]
		}
	}
	return r
}

// Sub returns m-o.
func (m Mat3) Sub(o Mat3) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][j] - o[i][j]
		}
	}
	return r
}

// Scale returns f*m.
func (m Mat3) Scale(f float64) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = f * m[i][j]
		}
	}
	return r
}

// Trace returns the sum of the diagonal.
func (m Mat3) Trace() float64 {
	return m[0][0] + m[1][1] + m[2][2]
}

// Outer returns the outer product a*bᵀ.
func Outer(a, b r3.Vec) Mat3 {
	return Mat3{
		{a.X * b.X, a.X * b.Y, a.X * b.Z},
		{a.Y * b.X, a.Y * b.Y, a.Y * b.Z},
		{a.Z * b.X, a.Z * b.Y, a.Z * b.Z},
	}
}

// Skew returns [v]x, the matrix with Skew(v)*w == v×w.
func Skew(v r3.Vec) Mat3 {
	return Mat3{
		{0, -v.Z, v.Y},
		{v.Z, 0, -v.X},
		{-v.Y, v.X, 0},
	}
}

// ExpSO3 maps a rotation vector to a rotation matrix (Rodrigues).
func ExpSO3(phi r3.Vec) Mat3 {
	theta := r3.Norm(phi)
	K := Skew(phi)
	K2 := K.Mul(K)
	var a, b float64
	if theta < 1e-8 {
		// Taylor expansion keeps small angles exact to machine precision
		a = 1 - theta*theta/6
		b = 0.5 - theta*theta/24
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / (theta * theta)
	}
	return Identity3().Add(K.Scale(a)).Add(K2.Scale(b))
}

// LogSO3 returns the rotation vector of a rotation matrix.
func LogSO3(R Mat3) r3.Vec {
	cosTheta := math.Max(-1, math.Min(1, (R.Trace()-1)/2))
	theta := math.Acos(cosTheta)
	w := r3.Vec{X: R[2][1] - R[1][2], Y: R[0][2] - R[2][0], Z: R[1][0] - R[0][1]}

	if theta < 1e-8 {
		return r3.Scale(0.5, w)
	}
	if math.Pi-theta < 1e-6 {
		// Near pi the antisymmetric part vanishes; recover the axis from the
		// symmetric part instead.
		axis := r3.Vec{
			X: math.Sqrt(math.Max(0, (R[0][0]+1)/2)),
			Y: math.Sqrt(math.Max(0, (R[1][1]+1)/2)),
			Z: math.Sqrt(math.Max(0, (R[2][2]+1)/2)),
		}
		switch {
		case axis.X >= axis.Y && axis.X >= axis.Z:
			axis.Y = math.Copysign(axis.Y, R[0][1]+R[1][0])
			axis.Z = math.Copysign(axis.Z, R[0][2]+R[2][0])
		case axis.Y >= axis.Z:
			axis.X = math.Copysign(axis.X, R[0][1]+R[1][0])
			axis.Z = math.Copysign(axis.Z, R[1][2]+R[2][1])
		default:
			axis.X = math.Copysign(axis.X, R[0][2]+R[2][0])
			axis.Y = math.Copysign(axis.Y, R[1][2]+R[2][1])
		}
		return r3.Scale(theta, r3.Unit(axis))
	}
	return r3.Scale(theta/(2*math.Sin(theta)), w)
}

// Apply maps a local point into the common frame.
func (p Pose) Apply(q r3.Vec) r3.Vec {
	return r3.Add(p.Rotation.MulVec(q), p.Translation)
}

// Compose returns p∘o: first o, then p. The timestamp of o is kept.
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		Rotation:    p.Rotation.Mul(o.Rotation),
		Translation: p.Apply(o.Translation),
		Timestamp:   o.Timestamp,
	}
}

// Inverse returns the pose mapping the common frame back into p's frame.
func (p Pose) Inverse() Pose {
	rt := p.Rotation.T()
	return Pose{
		Rotation:    rt,
		Translation: r3.Scale(-1, rt.MulVec(p.Translation)),
		Timestamp:   p.Timestamp,
	}
}

// Relative returns the pose of o expressed in p's frame (p⁻¹∘o).
func (p Pose) Relative(o Pose) Pose {
	return p.Inverse().Compose(o)
}

// Perturb applies a left increment: R ← Exp(phi)R, t ← t + dt.
func (p Pose) Perturb(phi, dt r3.Vec) Pose {
	return Pose{
		Rotation:    ExpSO3(phi).Mul(p.Rotation),
		Translation: r3.Add(p.Translation, dt),
		Timestamp:   p.Timestamp,
	}
}

// RebaseWindow re-expresses every pose relative to the first one in place,
// so the first pose becomes the identity. Timestamps are untouched.
func RebaseWindow(poses []Pose) {
	if len(poses) == 0 {
		return
	}
	r0t := poses[0].Rotation.T()
	p0 := poses[0].Translation
	for i := range poses {
		poses[i].Translation = r0t.MulVec(r3.Sub(poses[i].Translation, p0))
		poses[i].Rotation = r0t.Mul(poses[i].Rotation)
	}
}

// RotationToQuat converts a rotation matrix to a unit quaternion with a
// non-negative real part.
func RotationToQuat(R Mat3) quat.Number {
	var q quat.Number
	tr := R.Trace()
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (R[2][1] - R[1][2]) / s,
			Jmag: (R[0][2] - R[2][0]) / s,
			Kmag: (R[1][0] - R[0][1]) / s,
		}
	case R[0][0] > R[1][1] && R[0][0] > R[2][2]:
		s := math.Sqrt(1+R[0][0]-R[1][1]-R[2][2]) * 2
		q = quat.Number{
			Real: (R[2][1] - R[1][2]) / s,
			Imag: s / 4,
			Jmag: (R[0][1] + R[1][0]) / s,
			Kmag: (R[0][2] + R[2][0]) / s,
		}
	case R[1][1] > R[2][2]:
		s := math.Sqrt(1+R[1][1]-R[0][0]-R[2][2]) * 2
		q = quat.Number{
			Real: (R[0][2] - R[2][0]) / s,
			Imag: (R[0][1] + R[1][0]) / s,
			Jmag: s / 4,
			Kmag: (R[1][2] + R[2][1]) / s,
		}
	default:
		s := math.Sqrt(1+R[2][2]-R[0][0]-R[1][1]) * 2
		q = quat.Number{
			Real: (R[1][0] - R[0][1]) / s,
			Imag: (R[0][2] + R[2][0]) / s,
			Jmag: (R[1][2] + R[2][1]) / s,
			Kmag: s / 4,
		}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return quat.Scale(1/quat.Abs(q), q)
}

// QuatToRotation converts a quaternion (normalized first) to a rotation matrix.
func QuatToRotation(q quat.Number) Mat3 {
	n := quat.Abs(q)
	if n == 0 {
		return Identity3()
	}
	q = quat.Scale(1/n, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return Mat3{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// Yaw returns the heading of a rotation about the z axis in radians.
func Yaw(R Mat3) float64 {
	return math.Atan2(R[1][0], R[0][0])
}

// RotationAngle returns the geodesic angle between two rotations in radians.
func RotationAngle(a, b Mat3) float64 {
	return r3.Norm(LogSO3(a.T().Mul(b)))
}
