package cmd

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/renderer"
	"github.com/achilleasa/gsplat/scene"
	"github.com/chewxy/math32"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

type gradParam struct {
	name     string
	param    *device.Buffer
	analytic *device.Buffer
}

// GradCheck compares the analytic scene gradients of a small synthetic scene
// against central finite differences of a random linear loss on the frame.
func GradCheck(ctx *cli.Context) error {
	if err := setupLogging(ctx); err != nil {
		return err
	}

	opts, err := loadOptions(ctx)
	if err != nil {
		return err
	}
	opts.ViewmatGrads = true
	model, err := scene.ParseCameraModel(ctx.String("camera"))
	if err != nil {
		return err
	}
	seed := uint64(ctx.Int64("seed"))
	eps := float32(ctx.Float64("eps"))

	g, err := scene.RandomGaussians(scene.SyntheticOptions{
		Count:      ctx.Int("count"),
		Channels:   3,
		Extent:     0.3,
		MinScale:   1.5,
		MaxScale:   2,
		MinOpacity: 0.3,
		MaxOpacity: 0.6,
		Seed:       seed,
	})
	if err != nil {
		return err
	}
	cams, err := scene.NewCameras(16, 16, model, scene.OrbitCameras(1, 4, math32.Pi/3)...)
	if err != nil {
		return err
	}
	r, err := newRenderer(opts)
	if err != nil {
		return err
	}

	frame, st, err := r.Render(context.Background(), g, cams)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(seed, 1))
	weights := device.Alloc[float32]("v_colors", frame.Colors.Shape()...)
	ws := device.Data[float32](weights)
	for i := range ws {
		ws[i] = float32(rng.NormFloat64())
	}
	grads, err := r.Backward(context.Background(), st, renderer.FrameGrads{Colors: weights})
	if err != nil {
		return err
	}

	var lossErr error
	loss := func() float64 {
		frame, _, err := r.Render(context.Background(), g, cams)
		if err != nil {
			lossErr = err
			return 0
		}
		var total float64
		for i, v := range device.Data[float32](frame.Colors) {
			total += float64(ws[i]) * float64(v)
		}
		return total
	}

	n := g.Len()
	params := []gradParam{
		{"means", g.Means, grads.Means.ToDense(n)},
		{"opacities", g.Opacities, grads.Opacities.ToDense(n)},
		{"colors", g.Colors, grads.Colors.ToDense(n)},
		{"viewmats", cams.Viewmats, grads.Viewmats},
	}
	if qs, ok := g.Cov.(scene.QuatScale); ok {
		params = append(params,
			gradParam{"quats", qs.Quats, grads.Quats.ToDense(n)},
			gradParam{"scales", qs.Scales, grads.Scales.ToDense(n)},
		)
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Parameter", "Elements", "Max abs error", "Max rel error", "Failed"})
	failed := 0
	for _, p := range params {
		data := device.Data[float32](p.param)
		analytic := device.Data[float32](p.analytic)
		var maxAbs, maxRel float64
		bad := 0
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			plus := loss()
			data[i] = orig - eps
			minus := loss()
			data[i] = orig
			if lossErr != nil {
				return lossErr
			}

			numeric := (plus - minus) / (2 * float64(eps))
			diff := math.Abs(numeric - float64(analytic[i]))
			scale := math.Max(math.Abs(numeric), math.Abs(float64(analytic[i])))
			maxAbs = math.Max(maxAbs, diff)
			if scale > 0 {
				maxRel = math.Max(maxRel, diff/scale)
			}
			if diff > 2e-2*scale+5e-3 {
				bad++
			}
		}
		failed += bad
		table.Append([]string{
			p.name,
			fmt.Sprintf("%d", len(data)),
			fmt.Sprintf("%.3e", maxAbs),
			fmt.Sprintf("%.3e", maxRel),
			fmt.Sprintf("%d", bad),
		})
	}
	table.Render()
	logger.Noticef("gradient check (%s mode, %s camera)\n%s", opts.Mode, model, buf.String())

	if failed != 0 {
		return fmt.Errorf("gradient check failed for %d elements", failed)
	}
	return nil
}
