package devserver

import (
	"math"

	"github.com/harunnryd/signstream/pkg/landmarks"
)

// Hand shapes derived from which fingers are extended.
const (
	ShapeFist     = "fist"
	ShapeOpen     = "open"
	ShapePoint    = "point"
	ShapeThumbsUp = "thumbs_up"
	ShapePeace    = "peace"
	ShapeLShape   = "l_shape"
	ShapeThree    = "three"
	ShapePartial  = "partial"
	ShapeUnknown  = "unknown"
)

// Movement directions of the hand centre across a window.
const (
	DirectionStill = "still"
	DirectionRight = "horizontal"
	DirectionLeft  = "horizontal_left"
	DirectionUp    = "vertical_up"
	DirectionDown  = "vertical_down"

	stillDisplacement  = 0.02
	extensionRatio     = 1.2
	minFramesPerWindow = 3
	handPoints         = 21
)

type finger struct {
	name      string
	tip, base int
}

var fingers = []finger{
	{"thumb", 4, 2},
	{"index", 8, 5},
	{"middle", 12, 9},
	{"ring", 16, 13},
	{"pinky", 20, 17},
}

// Features summarises the hands over one window of frames.
type Features struct {
	Shapes       []string
	Velocity     float64
	HeightAvg    float64
	TwoHands     bool
	HandDistance float64
	Direction    string
	Smoothness   float64
}

func extractFeatures(window []landmarks.FrameRecord) (Features, bool) {
	if len(window) < minFramesPerWindow {
		return Features{}, false
	}
	var f Features
	var left, right []landmarks.Point
	for _, rec := range window {
		if len(rec.LeftHand) >= handPoints {
			left = append(left, handCenter(rec.LeftHand))
			f.Shapes = append(f.Shapes, handShape(rec.LeftHand))
		}
		if len(rec.RightHand) >= handPoints {
			right = append(right, handCenter(rec.RightHand))
			f.Shapes = append(f.Shapes, handShape(rec.RightHand))
		}
	}
	if len(left) == 0 && len(right) == 0 {
		return Features{}, false
	}

	var speeds []float64
	for _, path := range [][]landmarks.Point{left, right} {
		if len(path) > 1 {
			speeds = append(speeds, velocity(path))
		}
	}
	f.Velocity = mean(speeds)
	f.TwoHands = len(left) > 0 && len(right) > 0
	all := append(append([]landmarks.Point(nil), left...), right...)
	heights := make([]float64, len(all))
	for i, p := range all {
		heights[i] = p[1]
	}
	f.HeightAvg = mean(heights)
	if f.TwoHands {
		f.HandDistance = avgDistance(left, right)
	}
	// Track the dominant hand so two-handed windows do not jump between centres.
	path := right
	if len(left) > len(right) {
		path = left
	}
	f.Direction = direction(path)
	f.Smoothness = smoothness(path)
	return f, true
}

func handCenter(hand landmarks.Set) landmarks.Point {
	wrist, middleBase := hand[0], hand[9]
	return landmarks.Point{
		(wrist[0] + middleBase[0]) / 2,
		(wrist[1] + middleBase[1]) / 2,
		(wrist[2] + middleBase[2]) / 2,
	}
}

// handShape classifies a hand by its extended fingers. A finger is extended when its
// tip is clearly farther from the wrist than its base.
func handShape(hand landmarks.Set) string {
	if len(hand) < handPoints {
		return ShapeUnknown
	}
	wrist := hand[0]
	extended := map[string]bool{}
	for _, fg := range fingers {
		if dist2(hand[fg.tip], wrist) > dist2(hand[fg.base], wrist)*extensionRatio {
			extended[fg.name] = true
		}
	}
	switch len(extended) {
	case 0:
		return ShapeFist
	case 5:
		return ShapeOpen
	case 1:
		if extended["index"] {
			return ShapePoint
		}
		if extended["thumb"] {
			return ShapeThumbsUp
		}
	case 2:
		if extended["index"] && extended["middle"] {
			return ShapePeace
		}
		if extended["index"] && extended["thumb"] {
			return ShapeLShape
		}
	case 3:
		return ShapeThree
	}
	return ShapePartial
}

func steps(path []landmarks.Point) []float64 {
	if len(path) < 2 {
		return nil
	}
	out := make([]float64, 0, len(path)-1)
	for i := 1; i < len(path); i++ {
		out = append(out, dist3(path[i], path[i-1]))
	}
	return out
}

func velocity(path []landmarks.Point) float64 {
	return mean(steps(path))
}

// smoothness is 1/(1+mean jerk); a window too short to measure jerk scores 0.
func smoothness(path []landmarks.Point) float64 {
	v := steps(path)
	if len(v) < 3 {
		return 0
	}
	acc := make([]float64, 0, len(v)-1)
	for i := 1; i < len(v); i++ {
		acc = append(acc, v[i]-v[i-1])
	}
	jerk := make([]float64, 0, len(acc)-1)
	for i := 1; i < len(acc); i++ {
		jerk = append(jerk, math.Abs(acc[i]-acc[i-1]))
	}
	return 1 / (1 + mean(jerk))
}

func direction(path []landmarks.Point) string {
	if len(path) < 2 {
		return DirectionStill
	}
	start, end := path[0], path[len(path)-1]
	dx, dy := end[0]-start[0], end[1]-start[1]
	if math.Abs(dx) < stillDisplacement && math.Abs(dy) < stillDisplacement {
		return DirectionStill
	}
	if math.Abs(dx) > math.Abs(dy) {
		if dx > 0 {
			return DirectionRight
		}
		return DirectionLeft
	}
	// Image y grows downwards.
	if dy < 0 {
		return DirectionUp
	}
	return DirectionDown
}

func avgDistance(left, right []landmarks.Point) float64 {
	n := min(len(left), len(right))
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = dist3(left[i], right[i])
	}
	return mean(d)
}

func dist2(a, b landmarks.Point) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}

func dist3(a, b landmarks.Point) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}
