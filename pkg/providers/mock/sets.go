package mock

import "github.com/harunnryd/signstream/pkg/landmarks"

const (
	PosePoints = 33
	HandPoints = 21
	FacePoints = 468
)

// OpenHand returns a 21-point hand with every finger extended, wrist at (cx, cy).
func OpenHand(cx, cy float64) landmarks.Set {
	hand := make(landmarks.Set, HandPoints)
	hand[0] = landmarks.Point{cx, cy, 0}
	// Each finger: base joint then three joints moving away from the wrist.
	for finger := 0; finger < 5; finger++ {
		dx := float64(finger-2) * 0.03
		for joint := 1; joint <= 4; joint++ {
			idx := finger*4 + joint
			hand[idx] = landmarks.Point{cx + dx*float64(joint), cy - 0.04*float64(joint), -0.01 * float64(joint)}
		}
	}
	return hand
}

// Fist returns a 21-point hand whose fingertips fold back onto the palm.
func Fist(cx, cy float64) landmarks.Set {
	hand := OpenHand(cx, cy)
	for finger := 0; finger < 5; finger++ {
		base := hand[finger*4+1]
		tip := finger*4 + 4
		hand[tip] = landmarks.Point{(base[0] + cx) / 2, (base[1] + cy) / 2, base[2]}
	}
	return hand
}

// Pose returns a simple upright 33-point body.
func Pose() landmarks.Set {
	pose := make(landmarks.Set, PosePoints)
	for i := range pose {
		pose[i] = landmarks.Point{0.5 + float64(i%3-1)*0.1, 0.1 + float64(i)*0.025, 0}
	}
	return pose
}

// FaceMesh returns a full 468-point mesh on a small grid.
func FaceMesh() landmarks.Set {
	mesh := make(landmarks.Set, FacePoints)
	for i := range mesh {
		mesh[i] = landmarks.Point{0.4 + float64(i%26)*0.008, 0.1 + float64(i/26)*0.008, 0}
	}
	return mesh
}

// FullBody returns sets for every family with both hands open.
func FullBody() map[landmarks.Family]landmarks.Set {
	return map[landmarks.Family]landmarks.Set{
		landmarks.FamilyPose:      Pose(),
		landmarks.FamilyLeftHand:  OpenHand(0.3, 0.6),
		landmarks.FamilyRightHand: OpenHand(0.7, 0.6),
		landmarks.FamilyFace:      FaceMesh(),
	}
}
