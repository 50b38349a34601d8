package landmarks

import "math"

type Family string

const (
	FamilyPose      Family = "pose"
	FamilyLeftHand  Family = "left_hand"
	FamilyRightHand Family = "right_hand"
	FamilyFace      Family = "face"
)

// Families lists every landmark family in composition order.
var Families = []Family{FamilyPose, FamilyLeftHand, FamilyRightHand, FamilyFace}

// Point is one (x, y, z) keypoint in normalized device space.
type Point [3]float64

// Set is an ordered landmark sequence. A nil Set means the family was not detected.
type Set []Point

// FrameRecord is one extraction result.
type FrameRecord struct {
	Timestamp     int64 `json:"timestamp"`
	SequenceIndex int   `json:"sequence_index"`
	Pose          Set   `json:"pose,omitempty"`
	LeftHand      Set   `json:"left_hand,omitempty"`
	RightHand     Set   `json:"right_hand,omitempty"`
	Face          Set   `json:"face,omitempty"`
}

// Family returns the set stored for f.
func (r FrameRecord) Family(f Family) Set {
	switch f {
	case FamilyPose:
		return r.Pose
	case FamilyLeftHand:
		return r.LeftHand
	case FamilyRightHand:
		return r.RightHand
	case FamilyFace:
		return r.Face
	}
	return nil
}

// SetFamily stores s as the set for f.
func (r *FrameRecord) SetFamily(f Family, s Set) {
	switch f {
	case FamilyPose:
		r.Pose = s
	case FamilyLeftHand:
		r.LeftHand = s
	case FamilyRightHand:
		r.RightHand = s
	case FamilyFace:
		r.Face = s
	}
}

// Batch is a released group of records. Only Frames and Timestamp go on the wire.
type Batch struct {
	Frames    []FrameRecord `json:"frames"`
	Timestamp int64         `json:"timestamp"`

	Seq     uint64 `json:"-"`
	Session string `json:"-"`
	Short   bool   `json:"-"`
}

func (b Batch) Len() int { return len(b.Frames) }

type TranslationResult struct {
	Translation string   `json:"translation"`
	Words       []string `json:"words"`
}

// Normalize guarantees Words is never nil.
func (t TranslationResult) Normalize() TranslationResult {
	if t.Words == nil {
		t.Words = []string{}
	}
	return t
}

// Snapshot is the versioned view of the latest landmarks handed to renderers.
type Snapshot struct {
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Pose      Set    `json:"pose,omitempty"`
	LeftHand  Set    `json:"left_hand,omitempty"`
	RightHand Set    `json:"right_hand,omitempty"`
	Face      Set    `json:"face,omitempty"`
}

// SnapshotOf copies the landmark sets of r into a snapshot.
func SnapshotOf(version uint64, r FrameRecord) Snapshot {
	return Snapshot{
		Version:   version,
		Timestamp: r.Timestamp,
		Pose:      r.Pose.Clone(),
		LeftHand:  r.LeftHand.Clone(),
		RightHand: r.RightHand.Clone(),
		Face:      r.Face.Clone(),
	}
}

// Round3 rounds half away from zero to three decimals.
func Round3(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	r := math.Round(v*1000) / 1000
	if r == 0 {
		return 0
	}
	return r
}

// Quantize returns a rounded copy of s, preserving nil.
func Quantize(s Set) Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for i, p := range s {
		out[i] = Point{Round3(p[0]), Round3(p[1]), Round3(p[2])}
	}
	return out
}

func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}
