package tfgraph

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

const tolerance = 1e-9

func assertVectorNear(t *testing.T, expected, actual Vector3) {
	t.Helper()
	assert.InDelta(t, expected.X, actual.X, tolerance)
	assert.InDelta(t, expected.Y, actual.Y, tolerance)
	assert.InDelta(t, expected.Z, actual.Z, tolerance)
}

func assertQuaternionNear(t *testing.T, expected, actual Quaternion) {
	t.Helper()
	// q and -q represent the same rotation
	if expected.W*actual.W+expected.X*actual.X+expected.Y*actual.Y+expected.Z*actual.Z < 0 {
		actual = Quaternion{X: -actual.X, Y: -actual.Y, Z: -actual.Z, W: -actual.W}
	}
	assert.InDelta(t, expected.X, actual.X, tolerance)
	assert.InDelta(t, expected.Y, actual.Y, tolerance)
	assert.InDelta(t, expected.Z, actual.Z, tolerance)
	assert.InDelta(t, expected.W, actual.W, tolerance)
}

// zRotation returns a rotation of the given angle about the Z axis.
func zRotation(radians float64) Quaternion {
	return Quaternion{Z: math.Sin(radians / 2), W: math.Cos(radians / 2)}
}

func TestIdentityRotateIsNoop(t *testing.T) {
	v := Vector3{X: 1, Y: 2, Z: 3}
	assertVectorNear(t, v, IdentityQuaternion().Rotate(v))
}

func TestRotate90AboutZ(t *testing.T) {
	q := zRotation(math.Pi / 2)
	assertVectorNear(t, Vector3{Y: 1}, q.Rotate(Vector3{X: 1}))
	assertVectorNear(t, Vector3{X: -1}, q.Rotate(Vector3{Y: 1}))
	assertVectorNear(t, Vector3{Z: 1}, q.Rotate(Vector3{Z: 1}))
}

func TestMultiplyComposesRotations(t *testing.T) {
	q45 := zRotation(math.Pi / 4)
	q90 := zRotation(math.Pi / 2)
	assertQuaternionNear(t, q90, q45.Multiply(q45))
}

func TestConjugateUndoesRotation(t *testing.T) {
	q := zRotation(1.2345)
	v := Vector3{X: 0.3, Y: -0.7, Z: 2.1}
	assertVectorNear(t, v, q.Conjugate().Rotate(q.Rotate(v)))
}

func TestNormalize(t *testing.T) {
	q := Quaternion{X: 0, Y: 0, Z: 3, W: 4}.Normalize()
	assert.InDelta(t, 1.0, math.Sqrt(q.X*q.X+q.Y*q.Y+q.Z*q.Z+q.W*q.W), tolerance)

	// Degenerate zero quaternion normalizes to identity
	assertQuaternionNear(t, IdentityQuaternion(), Quaternion{}.Normalize())
}

func TestIsFinite(t *testing.T) {
	assert.True(t, IdentityQuaternion().IsFinite())
	assert.False(t, Quaternion{X: math.NaN(), W: 1}.IsFinite())
	assert.False(t, Vector3{X: math.Inf(1)}.IsFinite())
	assert.True(t, Vector3{}.IsFinite())
}
