package scene

import (
	"fmt"
	"strings"

	"github.com/achilleasa/gsplat/types"
	"github.com/chewxy/math32"
)

// CameraModel selects the projection used by the rasterizer.
type CameraModel uint8

// Supported camera models.
const (
	Pinhole CameraModel = iota
	Ortho
	Fisheye
)

func (m CameraModel) String() string {
	switch m {
	case Pinhole:
		return "pinhole"
	case Ortho:
		return "ortho"
	case Fisheye:
		return "fisheye"
	}
	panic(fmt.Sprintf("scene: unsupported camera model %d", m))
}

// ParseCameraModel maps a model name to a CameraModel.
func ParseCameraModel(name string) (CameraModel, error) {
	switch strings.ToLower(name) {
	case "pinhole", "":
		return Pinhole, nil
	case "ortho":
		return Ortho, nil
	case "fisheye":
		return Fisheye, nil
	}
	return Pinhole, fmt.Errorf("%w: %q", ErrUnknownCameraModel, name)
}

// The camera type describes a single view of the scene.
type Camera struct {
	Position types.Vec3
	LookAt   types.Vec3
	Up       types.Vec3
	Pitch    float32
	Yaw      float32

	// World to camera transform; refreshed by Update.
	ViewMat types.Mat4

	// Horizontal field of view in radians for pinhole and fisheye cameras.
	FOV float32

	// World units covered by the image width for ortho cameras.
	OrthoWidth float32
}

func NewCamera(fov float32) *Camera {
	c := &Camera{
		Position:   types.Vec3{0, 0, 0},
		LookAt:     types.Vec3{0, 0, 1},
		Up:         types.Vec3{0, 1, 0},
		FOV:        fov,
		OrthoWidth: 2,
	}
	c.Update()
	return c
}

// Update applies the pending pitch/yaw rotation and refreshes the view matrix.
func (c *Camera) Update() {
	dir := c.LookAt.Sub(c.Position).Normalize()
	pitchAxis := dir.Cross(c.Up)
	pitchQuat := types.QuatFromAxisAngle(pitchAxis.Normalize(), c.Pitch)
	yawQuat := types.QuatFromAxisAngle(c.Up.Normalize(), c.Yaw)

	orientQuat := pitchQuat.Mul(yawQuat).Normalize()

	dir = orientQuat.Rotate(dir)
	c.LookAt = c.Position.Add(dir)
	c.Pitch, c.Yaw = 0, 0

	c.ViewMat = types.LookAtV(c.Position, c.LookAt, c.Up)
}

// Intrinsics returns the row-major 3x3 intrinsics matrix for the given frame
// size and camera model. The principal point sits at the frame center.
func (c *Camera) Intrinsics(width, height int, model CameraModel) types.Mat3 {
	cx, cy := 0.5*float32(width), 0.5*float32(height)

	var f float32
	switch model {
	case Ortho:
		f = float32(width) / c.OrthoWidth
	case Fisheye:
		// Equidistant mapping: the half-width pixel maps to half the FOV.
		f = 0.5 * float32(width) / (0.5 * c.FOV)
	default:
		f = 0.5 * float32(width) / math32.Tan(0.5*c.FOV)
	}

	return types.Mat3{
		f, 0, cx,
		0, f, cy,
		0, 0, 1,
	}
}

func (c *Camera) String() string {
	return fmt.Sprintf("Camera(pos: %v, lookAt: %v, fov: %3.3f)", c.Position, c.LookAt, c.FOV)
}
