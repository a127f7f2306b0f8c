package types

import "time"

// Point is a position in detector image coordinates.
type Point struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
}

// Size is the extent of a bounding box, in pixels or normalized units
// depending on the detector.
type Size struct {
	Width  float64 `msgpack:"width" json:"width"`
	Height float64 `msgpack:"height" json:"height"`
}

// Bounds is a face bounding box.
type Bounds struct {
	Origin Point `msgpack:"origin" json:"origin"`
	Size   Size  `msgpack:"size" json:"size"`
}

// Face is one detected face in a frame.
//
// FaceID is only set when the detector runs with tracking enabled; nothing
// in the capture path relies on it.
type Face struct {
	FaceID    int     `msgpack:"face_id" json:"face_id"`
	YawAngle  float64 `msgpack:"yaw_angle" json:"yaw_angle"` // degrees, 0 = facing the camera
	RollAngle float64 `msgpack:"roll_angle" json:"roll_angle"`
	Bounds    Bounds  `msgpack:"bounds" json:"bounds"`
}

// Frame is the detector output for one processed preview frame.
// Frames are independent of each other.
type Frame struct {
	Seq       uint64    `msgpack:"seq" json:"seq"`
	Timestamp time.Time `msgpack:"timestamp" json:"timestamp"`
	Faces     []Face    `msgpack:"faces" json:"faces"`
}
