package consensus

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// LabelColor defines the colors for one label's annotations
type LabelColor struct {
	Fill    color.NRGBA
	Outline color.NRGBA
}

// DefaultPalette returns distinct colors cycled across labels
func DefaultPalette() []LabelColor {
	return []LabelColor{
		{ // Blue
			Fill:    color.NRGBA{100, 149, 237, 120}, // Cornflower blue
			Outline: color.NRGBA{0, 0, 139, 255},     // Dark blue
		},
		{ // Red
			Fill:    color.NRGBA{255, 99, 71, 120}, // Tomato
			Outline: color.NRGBA{139, 0, 0, 255},   // Dark red
		},
		{ // Green
			Fill:    color.NRGBA{144, 238, 144, 120}, // Light green
			Outline: color.NRGBA{0, 100, 0, 255},     // Dark green
		},
		{ // Yellow
			Fill:    color.NRGBA{255, 255, 150, 120}, // Light yellow
			Outline: color.NRGBA{184, 134, 11, 255},  // Dark goldenrod
		},
		{ // Purple
			Fill:    color.NRGBA{216, 191, 216, 120}, // Thistle
			Outline: color.NRGBA{128, 0, 128, 255},   // Purple
		},
		{ // Cyan
			Fill:    color.NRGBA{175, 238, 238, 120}, // Pale turquoise
			Outline: color.NRGBA{0, 139, 139, 255},   // Dark cyan
		},
	}
}

// ItemRenderer renders one merged item's annotations into an image
type ItemRenderer struct {
	Item       *Item
	Schema     *LabelSchema
	Colors     map[int]LabelColor
	Scale      float64 // Pixels per item unit
	Padding    int     // Padding around the image
	DrawScores bool    // Annotate shapes with their combined score
}

// NewItemRenderer creates a renderer with default settings
func NewItemRenderer(item *Item, schema *LabelSchema) *ItemRenderer {
	palette := DefaultPalette()
	colors := make(map[int]LabelColor)
	for i := range item.Annotations {
		label := item.Annotations[i].Label
		if _, ok := colors[label]; !ok && label >= 0 {
			colors[label] = palette[label%len(palette)]
		}
	}

	return &ItemRenderer{
		Item:       item,
		Schema:     schema,
		Colors:     colors,
		Scale:      1.0,
		Padding:    30,
		DrawScores: true,
	}
}

// Render creates the annotated image
func (r *ItemRenderer) Render() *image.RGBA {
	width := int(float64(r.Item.Width)*r.Scale) + 2*r.Padding
	height := int(float64(r.Item.Height)*r.Scale) + 2*r.Padding

	// Limit size
	if width > 4000 {
		r.Scale *= float64(4000) / float64(width)
		width = 4000
		height = int(float64(r.Item.Height)*r.Scale) + 2*r.Padding
	}
	if height > 4000 {
		r.Scale *= float64(4000) / float64(height)
		height = 4000
		width = int(float64(r.Item.Width)*r.Scale) + 2*r.Padding
	}

	// Ensure positive dimensions even for items without sizes
	minSize := 2*r.Padding + 1
	if width < minSize {
		width = minSize
	}
	if height < minSize {
		height = minSize
	}

	// Create image with light background
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{240, 240, 240, 255})
		}
	}

	// Item frame
	frame := color.NRGBA{180, 180, 180, 255}
	fw := int(float64(r.Item.Width) * r.Scale)
	fh := int(float64(r.Item.Height) * r.Scale)
	r.drawLine(img, r.Padding, r.Padding, r.Padding+fw, r.Padding, frame, 1)
	r.drawLine(img, r.Padding+fw, r.Padding, r.Padding+fw, r.Padding+fh, frame, 1)
	r.drawLine(img, r.Padding+fw, r.Padding+fh, r.Padding, r.Padding+fh, frame, 1)
	r.drawLine(img, r.Padding, r.Padding+fh, r.Padding, r.Padding, frame, 1)

	toImage := func(p orb.Point) (int, int) {
		return int(p.X()*r.Scale) + r.Padding, int(p.Y()*r.Scale) + r.Padding
	}

	// First pass: filled regions (polygons and masks, semi-transparent)
	for i := range r.Item.Annotations {
		a := &r.Item.Annotations[i]
		lc := r.colorFor(a.Label)

		switch a.Type {
		case Polygon:
			if len(a.Points) >= 3 {
				rz := newRaster(r.Item.Width, r.Item.Height)
				rz.addRing(closedRing(a.Points))
				r.fillRows(img, rz, lc.Fill)
			}
		case Mask:
			if len(a.RLE) > 0 && a.MaskWidth > 0 {
				rz := newRaster(r.Item.Width, r.Item.Height)
				rz.addRuns(a.RLE, a.MaskWidth)
				r.fillRows(img, rz, lc.Fill)
			}
		}
	}

	// Second pass: outlines (boxes, polygon borders, polylines)
	for i := range r.Item.Annotations {
		a := &r.Item.Annotations[i]
		lc := r.colorFor(a.Label)

		switch a.Type {
		case Box:
			r.drawRing(img, boxRing(a.Box, a.Rotation), lc.Outline, toImage)
		case Polygon:
			r.drawRing(img, closedRing(a.Points), lc.Outline, toImage)
		case PolyLine:
			for j := 1; j < len(a.Points); j++ {
				x1, y1 := toImage(a.Points[j-1])
				x2, y2 := toImage(a.Points[j])
				r.drawLine(img, x1, y1, x2, y2, lc.Outline, 2)
			}
		}
	}

	// Third pass: point markers and skeletons on top
	for i := range r.Item.Annotations {
		a := &r.Item.Annotations[i]
		lc := r.colorFor(a.Label)

		switch a.Type {
		case Points:
			for j, p := range a.Points {
				if a.PointVisibility(j) == VisibilityAbsent {
					continue
				}
				ix, iy := toImage(p)
				drawDot(img, ix, iy, 3, lc.Outline)
			}
		case Skeleton:
			for _, el := range a.Elements {
				if el.Visibility == VisibilityAbsent {
					continue
				}
				ix, iy := toImage(el.Point)
				c := lc.Outline
				if el.Visibility == VisibilityHidden {
					c.A = 110
				}
				drawDot(img, ix, iy, 3, c)
			}
		}
	}

	// Score labels
	if r.DrawScores {
		for i := range r.Item.Annotations {
			a := &r.Item.Annotations[i]
			if a.Type == Tag {
				continue
			}
			b := a.GetBound()
			ix, iy := toImage(b.Min)
			drawText(img, ix, iy-3, fmt.Sprintf("%.2f", a.GetScore()), color.RGBA{0, 0, 0, 255})
		}
	}

	r.drawLegend(img)

	return img
}

// colorFor returns the color for a label, assigning from the palette on demand
func (r *ItemRenderer) colorFor(label int) LabelColor {
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

// fillRows blends the rasterized spans into the image, scaled
func (r *ItemRenderer) fillRows(img *image.RGBA, rz *raster, c color.NRGBA) {
	bounds := img.Bounds()
	for y := range rz.rows {
		spans := mergeSpans(rz.rows[y])
		iy0 := int(float64(y)*r.Scale) + r.Padding
		iy1 := int(float64(y+1)*r.Scale) + r.Padding
		if iy1 == iy0 {
			iy1 = iy0 + 1
		}
		for _, s := range spans {
			ix0 := int(float64(s.x0)*r.Scale) + r.Padding
			ix1 := int(float64(s.x1)*r.Scale) + r.Padding
			if ix1 == ix0 {
				ix1 = ix0 + 1
			}
			for iy := iy0; iy < iy1; iy++ {
				for ix := ix0; ix < ix1; ix++ {
					if ix >= 0 && ix < bounds.Max.X && iy >= 0 && iy < bounds.Max.Y {
						img.Set(ix, iy, blendColors(img.RGBAAt(ix, iy), c))
					}
				}
			}
		}
	}
}

// drawRing draws a closed ring outline
func (r *ItemRenderer) drawRing(img *image.RGBA, ring orb.Ring, c color.NRGBA, toImage func(orb.Point) (int, int)) {
	for j := 1; j < len(ring); j++ {
		x1, y1 := toImage(ring[j-1])
		x2, y2 := toImage(ring[j])
		r.drawLine(img, x1, y1, x2, y2, c, 2)
	}
}

// drawLine draws a line with the given thickness
func (r *ItemRenderer) drawLine(img *image.RGBA, x1, y1, x2, y2 int, c color.NRGBA, thickness int) {
	drawSegment(img, x1, y1, x2, y2, c, thickness)
}

// drawLegend adds swatches with label names to the top-left corner
func (r *ItemRenderer) drawLegend(img *image.RGBA) {
	labels := make([]int, 0, len(r.Colors))
	seen := make(map[int]bool)
	hasTag := make(map[int]bool)
	for i := range r.Item.Annotations {
		a := &r.Item.Annotations[i]
		if !seen[a.Label] {
			seen[a.Label] = true
			labels = append(labels, a.Label)
		}
		if a.Type == Tag {
			hasTag[a.Label] = true
		}
	}
	sort.Ints(labels)

	y := 15
	for _, label := range labels {
		lc := r.colorFor(label)

		// Color swatch (12x12 square)
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-6, lc.Outline)
			}
		}

		name, ok := r.Schema.Name(label)
		if !ok {
			name = fmt.Sprintf("label %d", label)
		}
		if hasTag[label] {
			name += " (tag)"
		}
		drawText(img, 28, y+4, name, color.RGBA{0, 0, 0, 255})

		y += 18
	}
}

// SavePNG saves the rendered item to a file
func (r *ItemRenderer) SavePNG(path string) error {
	img := r.Render()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return png.Encode(f, img)
}

// SourceOverlayRenderer draws every source's raw annotations for one item in
// per-source colors, for inspecting disagreement before merging
type SourceOverlayRenderer struct {
	Sources []Source
	Key     string
	Colors  map[string]color.NRGBA // source name -> outline color
	Scale   float64
	Padding int
}

// NewSourceOverlayRenderer creates an overlay renderer with default settings
func NewSourceOverlayRenderer(sources []Source, key string) *SourceOverlayRenderer {
	palette := DefaultPalette()
	colors := make(map[string]color.NRGBA)
	for i, src := range sources {
		colors[src.Name] = palette[i%len(palette)].Outline
	}

	return &SourceOverlayRenderer{
		Sources: sources,
		Key:     key,
		Colors:  colors,
		Scale:   1.0,
		Padding: 30,
	}
}

// SetColor overrides the color for one source
func (r *SourceOverlayRenderer) SetColor(sourceName, hexColor string) {
	c := parseHexColor(hexColor)
	r.Colors[sourceName] = color.NRGBA{c.R, c.G, c.B, 255}
}

// Render creates the overlay image
func (r *SourceOverlayRenderer) Render() *image.RGBA {
	// Use the first present item's dimensions
	var itemW, itemH int
	for i := range r.Sources {
		if it := r.Sources[i].ItemByKey(r.Key); it != nil {
			itemW, itemH = it.Width, it.Height
			break
		}
	}

	width := int(float64(itemW)*r.Scale) + 2*r.Padding
	height := int(float64(itemH)*r.Scale) + 2*r.Padding
	minSize := 2*r.Padding + 1
	if width < minSize {
		width = minSize
	}
	if height < minSize {
		height = minSize
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{240, 240, 240, 255})
		}
	}

	toImage := func(p orb.Point) (int, int) {
		return int(p.X()*r.Scale) + r.Padding, int(p.Y()*r.Scale) + r.Padding
	}

	for i := range r.Sources {
		src := &r.Sources[i]
		item := src.ItemByKey(r.Key)
		if item == nil {
			continue
		}
		c := r.Colors[src.Name]

		for j := range item.Annotations {
			a := &item.Annotations[j]
			switch a.Type {
			case Box:
				ring := boxRing(a.Box, a.Rotation)
				for k := 1; k < len(ring); k++ {
					x1, y1 := toImage(ring[k-1])
					x2, y2 := toImage(ring[k])
					drawSegment(img, x1, y1, x2, y2, c, 1)
				}
			case Polygon, Mask:
				ring := closedRing(a.Points)
				if a.Type == Mask {
					ring = boxRing(RectFromBound(rleBound(a.RLE, a.MaskWidth)), 0)
				}
				for k := 1; k < len(ring); k++ {
					x1, y1 := toImage(ring[k-1])
					x2, y2 := toImage(ring[k])
					drawSegment(img, x1, y1, x2, y2, c, 1)
				}
			case PolyLine:
				for k := 1; k < len(a.Points); k++ {
					x1, y1 := toImage(a.Points[k-1])
					x2, y2 := toImage(a.Points[k])
					drawSegment(img, x1, y1, x2, y2, c, 1)
				}
			case Points:
				for k, p := range a.Points {
					if a.PointVisibility(k) == VisibilityAbsent {
						continue
					}
					ix, iy := toImage(p)
					drawDot(img, ix, iy, 2, c)
				}
			case Skeleton:
				for _, el := range a.Elements {
					if el.Visibility == VisibilityAbsent {
						continue
					}
					ix, iy := toImage(el.Point)
					drawDot(img, ix, iy, 2, c)
				}
			}
		}
	}

	// Legend with source names
	names := make([]string, 0, len(r.Sources))
	for i := range r.Sources {
		names = append(names, r.Sources[i].Name)
	}
	sort.Strings(names)

	y := 15
	for _, name := range names {
		c := r.Colors[name]
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-6, c)
			}
		}
		drawText(img, 28, y+4, name, color.RGBA{0, 0, 0, 255})
		y += 18
	}

	return img
}

// SavePNG saves the overlay to a file
func (r *SourceOverlayRenderer) SavePNG(path string) error {
	img := r.Render()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return png.Encode(f, img)
}

// blendColors performs alpha blending of a foreground color over a background
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bg.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bg.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bg.B)*invAlpha),
		A: 255,
	}
}

// drawSegment draws a line using integer stepping
func drawSegment(img *image.RGBA, x1, y1, x2, y2 int, c color.NRGBA, thickness int) {
	bounds := img.Bounds()
	dx := x2 - x1
	dy := y2 - y1
	steps := abs(dx)
	if abs(dy) > steps {
		steps = abs(dy)
	}
	if steps == 0 {
		steps = 1
	}

	half := thickness / 2
	for s := 0; s <= steps; s++ {
		x := x1 + dx*s/steps
		y := y1 + dy*s/steps
		for oy := -half; oy <= half; oy++ {
			for ox := -half; ox <= half; ox++ {
				px, py := x+ox, y+oy
				if px >= 0 && px < bounds.Max.X && py >= 0 && py < bounds.Max.Y {
					img.Set(px, py, c)
				}
			}
		}
	}
}

// drawDot draws a filled circle
func drawDot(img *image.RGBA, cx, cy, radius int, c color.NRGBA) {
	bounds := img.Bounds()
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < bounds.Max.X && y >= 0 && y < bounds.Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	// Default to red if parsing fails
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}

	if hex[0] == '#' {
		hex = hex[1:]
	}

	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}

	return color.RGBA{r, g, b, 255}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
