package landmarks

// FaceKeypoint names a semantic point of the face mesh.
type FaceKeypoint struct {
	Name  string
	Index int
}

// FaceKeypoints is the fixed subset of the 468-point face mesh kept in records.
var FaceKeypoints = []FaceKeypoint{
	{Name: "forehead", Index: 10},
	{Name: "chin", Index: 152},
	{Name: "left_cheek", Index: 234},
	{Name: "right_cheek", Index: 454},
	{Name: "left_brow", Index: 105},
	{Name: "right_brow", Index: 334},
	{Name: "nose_tip", Index: 1},
}

// ReduceFace picks FaceKeypoints out of a full mesh. Indices beyond the mesh are skipped;
// nil is returned when nothing could be selected.
func ReduceFace(mesh Set) Set {
	if len(mesh) == 0 {
		return nil
	}
	out := make(Set, 0, len(FaceKeypoints))
	for _, kp := range FaceKeypoints {
		if kp.Index < len(mesh) {
			out = append(out, mesh[kp.Index])
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
