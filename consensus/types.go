package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
)

// AnnotationType identifies the geometric variant of an Annotation.
type AnnotationType int

const (
	// Tag is a label-only annotation with no geometry.
	Tag AnnotationType = iota
	// Box is an axis-aligned or rotated bounding box.
	Box
	// Polygon is a closed region described by its outline.
	Polygon
	// Mask is a raster region stored as run-length counts.
	Mask
	// PolyLine is an open chain of vertices.
	PolyLine
	// Points is a set of keypoints with optional per-point visibility.
	Points
	// Skeleton is a group of named sub-points on a shared sub-label schema.
	Skeleton
)

var annotationTypeNames = map[AnnotationType]string{
	Tag:      "tag",
	Box:      "box",
	Polygon:  "polygon",
	Mask:     "mask",
	PolyLine: "polyline",
	Points:   "points",
	Skeleton: "skeleton",
}

// ShapeTypes lists every geometric annotation type, in merge processing order.
// Tag is handled separately because it has no shape.
var ShapeTypes = []AnnotationType{Box, Polygon, Mask, PolyLine, Points, Skeleton}

func (t AnnotationType) String() string {
	if name, ok := annotationTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// MarshalJSON encodes the type as its lowercase name.
func (t AnnotationType) MarshalJSON() ([]byte, error) {
	name, ok := annotationTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown annotation type %d", int(t))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a lowercase type name.
func (t *AnnotationType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for typ, n := range annotationTypeNames {
		if n == name {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown annotation type %q", name)
}

// Visibility describes whether a keypoint is present in the media.
type Visibility int

const (
	// VisibilityAbsent marks a point that does not exist in this annotation.
	VisibilityAbsent Visibility = iota
	// VisibilityHidden marks a point that exists but is occluded.
	VisibilityHidden
	// VisibilityVisible marks a directly visible point.
	VisibilityVisible
)

// SkeletonElement is one named sub-point of a skeleton annotation.
type SkeletonElement struct {
	Name       string     `json:"name"`
	Point      orb.Point  `json:"point"`
	Visibility Visibility `json:"visibility,omitempty"`
}

// Rect is an annotation bounding box in pixel coordinates.
// W and H may be zero for degenerate boxes (for example a bare point).
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Area returns W*H.
func (r Rect) Area() float64 {
	return r.W * r.H
}

// Bound converts the rect to an orb.Bound.
func (r Rect) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{r.X, r.Y},
		Max: orb.Point{r.X + r.W, r.Y + r.H},
	}
}

// RectFromBound converts an orb.Bound back to a Rect.
func RectFromBound(b orb.Bound) Rect {
	return Rect{
		X: b.Min[0],
		Y: b.Min[1],
		W: b.Max[0] - b.Min[0],
		H: b.Max[1] - b.Min[1],
	}
}

// Annotation is one labeled geometric object inside an Item. The Type field
// selects which geometry fields are meaningful:
//
//	Tag      - none
//	Box      - Box, Rotation
//	Polygon  - Points (outline ring, implicitly closed)
//	Mask     - RLE (alternating background/foreground run lengths, row-major
//	           over MaskWidth columns)
//	PolyLine - Points (open vertex chain)
//	Points   - Points, Visibility
//	Skeleton - Elements
type Annotation struct {
	Type       AnnotationType    `json:"type"`
	Label      int               `json:"label"`
	Box        Rect              `json:"box"`
	Rotation   float64           `json:"rotation,omitempty"`
	Points     []orb.Point       `json:"points,omitempty"`
	Visibility []Visibility      `json:"visibility,omitempty"`
	RLE        []int             `json:"rle,omitempty"`
	MaskWidth  int               `json:"maskWidth,omitempty"`
	Elements   []SkeletonElement `json:"elements,omitempty"`
	Score      *float64          `json:"score,omitempty"`
	ZOrder     int               `json:"zOrder,omitempty"`
	Group      int               `json:"group,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy of the annotation.
func (a *Annotation) Clone() *Annotation {
	out := *a
	out.Points = append([]orb.Point(nil), a.Points...)
	out.Visibility = append([]Visibility(nil), a.Visibility...)
	out.RLE = append([]int(nil), a.RLE...)
	out.Elements = append([]SkeletonElement(nil), a.Elements...)
	if a.Score != nil {
		score := *a.Score
		out.Score = &score
	}
	if a.Attributes != nil {
		out.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// GetScore returns the annotation confidence, defaulting to 1 when unset.
func (a *Annotation) GetScore() float64 {
	if a.Score == nil {
		return 1
	}
	return *a.Score
}

// PointVisibility returns the visibility of point i, defaulting to visible
// when no visibility array is present.
func (a *Annotation) PointVisibility(i int) Visibility {
	if i < 0 || len(a.Visibility) <= i {
		return VisibilityVisible
	}
	return a.Visibility[i]
}

// GetBound returns the bounding box of the annotation's geometry.
// Point-set and skeleton bounds cover only the non-absent points.
func (a *Annotation) GetBound() orb.Bound {
	switch a.Type {
	case Box:
		return a.Box.Bound()
	case Polygon, PolyLine:
		return pointsBound(a.Points)
	case Points:
		var pts []orb.Point
		for i, p := range a.Points {
			if a.PointVisibility(i) != VisibilityAbsent {
				pts = append(pts, p)
			}
		}
		return pointsBound(pts)
	case Skeleton:
		var pts []orb.Point
		for _, e := range a.Elements {
			if e.Visibility != VisibilityAbsent {
				pts = append(pts, e.Point)
			}
		}
		return pointsBound(pts)
	case Mask:
		return rleBound(a.RLE, a.MaskWidth)
	}
	return orb.Bound{}
}

func pointsBound(pts []orb.Point) orb.Bound {
	if len(pts) == 0 {
		return orb.Bound{}
	}
	b := orb.Bound{Min: pts[0], Max: pts[0]}
	for _, p := range pts[1:] {
		b = b.Extend(p)
	}
	return b
}

// Item is one media unit identified by a cross-source key. Width and Height
// are the media dimensions in pixels, required by pixel-scale metrics.
type Item struct {
	Key         string       `json:"key"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Annotations []Annotation `json:"annotations"`
}

// Source is one contributor's full annotation set. Sources are identified by
// their index in the slice passed to Engine.Merge.
type Source struct {
	Name   string       `json:"name"`
	Schema *LabelSchema `json:"schema"`
	Items  []Item       `json:"items"`
}

// ItemByKey returns the item with the given key, or nil.
func (s *Source) ItemByKey(key string) *Item {
	for i := range s.Items {
		if s.Items[i].Key == key {
			return &s.Items[i]
		}
	}
	return nil
}

// Dataset is a merged annotation set together with the schema it is
// expressed in. It is the primary output of a merge call.
type Dataset struct {
	Schema *LabelSchema `json:"schema"`
	Items  []Item       `json:"items"`
}

// ItemByKey returns the item with the given key, or nil.
func (d *Dataset) ItemByKey(key string) *Item {
	for i := range d.Items {
		if d.Items[i].Key == key {
			return &d.Items[i]
		}
	}
	return nil
}
