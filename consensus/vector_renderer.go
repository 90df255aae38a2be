package consensus

import (
	"image/color"
	"image/png"
	"io"
	"os"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	// Premultiply: multiply RGB by alpha
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// VectorRenderer renders one merged item's annotations as vector graphics
type VectorRenderer struct {
	Item        *Item
	Schema      *LabelSchema
	Colors      map[int]LabelColor
	Padding     float64           // Padding in item pixels
	Resolution  canvas.Resolution // Resolution for PNG output (default: 300 DPI)
	GridSpacing float64           // Grid line spacing in item pixels; 0 disables
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(item *Item, schema *LabelSchema) *VectorRenderer {
	palette := DefaultPalette()
	colors := make(map[int]LabelColor)
	for i := range item.Annotations {
		label := item.Annotations[i].Label
		if _, ok := colors[label]; !ok && label >= 0 {
			colors[label] = palette[label%len(palette)]
		}
	}

	return &VectorRenderer{
		Item:        item,
		Schema:      schema,
		Colors:      colors,
		Padding:     20.0,
		Resolution:  canvas.DPI(300), // 300 DPI default for PNG output
		GridSpacing: 0,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the annotations as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	width := float64(r.Item.Width) + 2*r.Padding
	height := float64(r.Item.Height) + 2*r.Padding

	svgRenderer := svg.New(w, width, height, nil)

	r.renderToCanvas(svgRenderer, width, height)

	// Close SVG renderer to write closing tags
	return svgRenderer.Close()
}

// RenderToPNG writes the annotations as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	width := float64(r.Item.Width) + 2*r.Padding
	height := float64(r.Item.Height) + 2*r.Padding

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)

	r.renderToCanvas(rast, width, height)

	// Rasterizer implements draw.Image interface, which embeds image.Image
	return png.Encode(w, rast)
}

// SaveSVG renders to an SVG file
func (r *VectorRenderer) SaveSVG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.RenderToSVG(f)
}

// renderToCanvas renders the annotations to a canvas renderer (shared logic for SVG and PNG)
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, width, height float64) {
	// Draw white background
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// Helper to transform item points to canvas points.
	// Item Y points down, canvas Y points up.
	toCanvas := func(p orb.Point) (float64, float64) {
		tx := p.X() + r.Padding
		ty := height - (p.Y() + r.Padding)
		return tx, ty
	}

	// Item frame
	frameStyle := canvas.DefaultStyle
	frameStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	frameStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	frameStyle.StrokeWidth = 1.0

	framePath := &canvas.Path{}
	fx0, fy0 := toCanvas(orb.Point{0, 0})
	fx1, fy1 := toCanvas(orb.Point{float64(r.Item.Width), float64(r.Item.Height)})
	framePath.MoveTo(fx0, fy0)
	framePath.LineTo(fx1, fy0)
	framePath.LineTo(fx1, fy1)
	framePath.LineTo(fx0, fy1)
	framePath.Close()
	renderer.RenderPath(framePath, frameStyle, canvas.Identity)

	// Render filled regions first (polygons and masks)
	for i := range r.Item.Annotations {
		a := &r.Item.Annotations[i]
		lc := r.colorFor(a.Label)

		fillStyle := canvas.DefaultStyle
		fillStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(lc.Fill)}
		fillStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		switch a.Type {
		case Polygon:
			if len(a.Points) < 3 {
				continue
			}
			cp := ringPath(closedRing(a.Points), toCanvas)
			renderer.RenderPath(cp, fillStyle, canvas.Identity)
		case Mask:
			if len(a.RLE) == 0 || a.MaskWidth <= 0 {
				continue
			}
			// Each foreground row span becomes a unit-height rectangle
			rz := newRaster(r.Item.Width, r.Item.Height)
			rz.addRuns(a.RLE, a.MaskWidth)
			for y := range rz.rows {
				for _, s := range mergeSpans(rz.rows[y]) {
					cx, cy := toCanvas(orb.Point{float64(s.x0), float64(y + 1)})
					rect := canvas.Rectangle(float64(s.x1-s.x0), 1.0)
					rect = rect.Translate(cx, cy)
					renderer.RenderPath(rect, fillStyle, canvas.Identity)
				}
			}
		}
	}

	// Render outlines (boxes, polygon borders, polylines)
	for i := range r.Item.Annotations {
		a := &r.Item.Annotations[i]
		lc := r.colorFor(a.Label)

		strokeStyle := canvas.DefaultStyle
		strokeStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		strokeStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(lc.Outline)}
		strokeStyle.StrokeWidth = 2.0

		switch a.Type {
		case Box:
			cp := ringPath(boxRing(a.Box, a.Rotation), toCanvas)
			renderer.RenderPath(cp, strokeStyle, canvas.Identity)
		case Polygon:
			cp := ringPath(closedRing(a.Points), toCanvas)
			renderer.RenderPath(cp, strokeStyle, canvas.Identity)
		case PolyLine:
			if len(a.Points) < 2 {
				continue
			}
			cp := &canvas.Path{}
			for j, p := range a.Points {
				cx, cy := toCanvas(p)
				if j == 0 {
					cp.MoveTo(cx, cy)
				} else {
					cp.LineTo(cx, cy)
				}
			}
			renderer.RenderPath(cp, strokeStyle, canvas.Identity)
		}
	}

	// Render grid lines
	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.5
		gridStyle.Dashes = []float64{10.0, 10.0}

		maxX := float64(r.Item.Width)
		maxY := float64(r.Item.Height)

		// Vertical grid lines
		for x := 0.0; x <= maxX; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(orb.Point{x, 0})
			x2, y2 := toCanvas(orb.Point{x, maxY})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}

		// Horizontal grid lines
		for y := 0.0; y <= maxY; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(orb.Point{0, y})
			x2, y2 := toCanvas(orb.Point{maxX, y})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// Render point markers and skeletons on top
	for i := range r.Item.Annotations {
		a := &r.Item.Annotations[i]
		lc := r.colorFor(a.Label)

		markerStyle := canvas.DefaultStyle
		markerStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(lc.Outline)}
		markerStyle.Stroke = canvas.Paint{Color: canvas.Black}
		markerStyle.StrokeWidth = 0.5

		switch a.Type {
		case Points:
			for j, p := range a.Points {
				if a.PointVisibility(j) == VisibilityAbsent {
					continue
				}
				cx, cy := toCanvas(p)
				dot := canvas.Circle(3.0)
				dot = dot.Translate(cx, cy)
				renderer.RenderPath(dot, markerStyle, canvas.Identity)
			}
		case Skeleton:
			for _, el := range a.Elements {
				if el.Visibility == VisibilityAbsent {
					continue
				}
				c := lc.Outline
				if el.Visibility == VisibilityHidden {
					c.A = 110
				}
				hiddenStyle := markerStyle
				hiddenStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(c)}
				cx, cy := toCanvas(el.Point)
				dot := canvas.Circle(3.0)
				dot = dot.Translate(cx, cy)
				renderer.RenderPath(dot, hiddenStyle, canvas.Identity)
			}
		}
	}
}

// colorFor returns the color for a label, assigning from the palette on demand
func (r *VectorRenderer) colorFor(label int) LabelColor {
	if lc, ok := r.Colors[label]; ok {
		return lc
	}
	palette := DefaultPalette()
	lc := palette[0]
	if label >= 0 {
		lc = palette[label%len(palette)]
	}
	r.Colors[label] = lc
	return lc
}

// ringPath builds a closed canvas path from a ring
func ringPath(ring orb.Ring, toCanvas func(orb.Point) (float64, float64)) *canvas.Path {
	cp := &canvas.Path{}
	for i, pt := range ring {
		cx, cy := toCanvas(pt)
		if i == 0 {
			cp.MoveTo(cx, cy)
		} else {
			cp.LineTo(cx, cy)
		}
	}
	cp.Close()
	return cp
}
