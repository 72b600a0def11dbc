package tfgraph

import (
	"fmt"

	"github.com/tessel-la/robo-boy/errors"
)

// Transform is a rigid-body translation plus rotation relating two frames.
// An edge transform expresses the child frame in the parent frame's basis.
type Transform struct {
	Translation Vector3    `json:"translation"`
	Rotation    Quaternion `json:"rotation"`
}

// IdentityTransform returns the no-op transform.
func IdentityTransform() Transform {
	return Transform{Rotation: IdentityQuaternion()}
}

// Compose returns the transform equivalent to applying o then t, i.e. the
// chain parent→mid composed with mid→child. Translations add in the parent
// frame's basis; rotations compose by quaternion multiplication and are
// normalized to counter floating-point drift.
func (t Transform) Compose(o Transform) Transform {
	return Transform{
		Translation: t.Translation.Add(t.Rotation.Rotate(o.Translation)),
		Rotation:    t.Rotation.Multiply(o.Rotation).Normalize(),
	}
}

// Inverse returns the reverse transform, for walking an edge child→parent.
func (t Transform) Inverse() Transform {
	qi := t.Rotation.Normalize().Conjugate()
	return Transform{
		Translation: qi.Rotate(t.Translation.Neg()),
		Rotation:    qi,
	}
}

// IsFinite reports whether every numeric component is finite.
func (t Transform) IsFinite() bool {
	return t.Translation.IsFinite() && t.Rotation.IsFinite()
}

// Edge is one directed transform relation from the upstream feed: the child
// frame's pose expressed in the parent frame, at a point in time.
type Edge struct {
	Parent    string    `json:"parent"`
	Child     string    `json:"child"`
	Transform Transform `json:"transform"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
}

// Validate checks an edge before storage. Non-finite numerics and
// self-referential or unnamed frames are malformed.
func (e Edge) Validate() error {
	if e.Parent == "" || e.Child == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: empty frame name (parent=%q child=%q)", errors.ErrMalformedEdge, e.Parent, e.Child),
			"Edge", "Validate", "check frame names")
	}
	if e.Parent == e.Child {
		return errors.WrapInvalid(
			fmt.Errorf("%w: self-referential frame %q", errors.ErrMalformedEdge, e.Parent),
			"Edge", "Validate", "check frame names")
	}
	if !e.Transform.IsFinite() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: non-finite transform for %s->%s", errors.ErrMalformedEdge, e.Parent, e.Child),
			"Edge", "Validate", "check numeric components")
	}
	return nil
}

// Pair names a requested resolution: the pose of Target expressed in the
// Source frame. Frames are referenced by name only; resolution fails
// gracefully when a frame has never been seen.
type Pair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// String formats the pair for logs and error messages.
func (p Pair) String() string {
	return p.Source + "->" + p.Target
}

// Resolved is the outcome of resolving one pair against one snapshot.
// Ephemeral: produced per scheduler tick, never persisted.
type Resolved struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Transform Transform `json:"transform"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
	Stale     bool      `json:"stale,omitempty"`
	Error     string    `json:"error,omitempty"`
}
