package scene

import (
	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/types"
	"github.com/chewxy/math32"
)

// Cameras is a batch of C views sharing an image size and camera model.
type Cameras struct {
	Viewmats *device.Buffer // [C,4,4] row-major world to camera
	Ks       *device.Buffer // [C,3,3] row-major intrinsics

	Width  int
	Height int
	Model  CameraModel
}

// NewCameras packs the view and intrinsics matrices of the given cameras.
func NewCameras(width, height int, model CameraModel, cams ...*Camera) (*Cameras, error) {
	if len(cams) == 0 {
		return nil, ErrNoCameras
	}

	viewmats := device.Alloc[float32]("viewmats", len(cams), 4, 4)
	ks := device.Alloc[float32]("Ks", len(cams), 3, 3)
	vm, kd := device.Data[float32](viewmats), device.Data[float32](ks)
	for c, cam := range cams {
		view := cam.ViewMat
		copy(vm[c*16:], view[:])
		k := cam.Intrinsics(width, height, model)
		copy(kd[c*9:], k[:])
	}

	return &Cameras{
		Viewmats: viewmats,
		Ks:       ks,
		Width:    width,
		Height:   height,
		Model:    model,
	}, nil
}

// OrbitCameras places n cameras on a horizontal circle of the given radius
// around the origin, all looking at the origin.
func OrbitCameras(n int, radius, fov float32) []*Camera {
	cams := make([]*Camera, n)
	for i := range cams {
		angle := 2 * math32.Pi * float32(i) / float32(n)
		sin, cos := math32.Sincos(angle)
		cam := NewCamera(fov)
		cam.Position = types.Vec3{radius * sin, 0.2 * radius, -radius * cos}
		cam.LookAt = types.Vec3{}
		cam.OrthoWidth = radius
		cam.Update()
		cams[i] = cam
	}
	return cams
}

// Len returns the number of cameras.
func (c *Cameras) Len() int {
	return c.Viewmats.Dim(0)
}

// Validate checks the viewmat and intrinsics shapes.
func (c *Cameras) Validate() error {
	if c.Viewmats == nil || c.Viewmats.Dim(0) == 0 {
		return ErrNoCameras
	}
	if err := c.Viewmats.CheckShape(-1, 4, 4); err != nil {
		return err
	}
	return c.Ks.CheckShape(c.Len(), 3, 3)
}
