package detect

import (
	iface "PeopleDetServer/interface"
	"PeopleDetServer/render"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// BuildResponse encodes the annotated frame as a PNG data URI and fills the
// JSON payload.
func BuildResponse(res *iface.DetectionResult) (*iface.PredictResponse, error) {
	resp := &iface.PredictResponse{
		Status:      StatusSuccess,
		PeopleCount: res.Count,
		ThreatLevel: res.ThreatLevel,
		FPS:         res.FPS,
		Logs:        res.Logs,
		Detections:  res.Detections,
	}
	if res.AnnotatedImage != nil {
		png, err := render.EncodePNG(res.AnnotatedImage)
		if err != nil {
			return nil, err
		}
		resp.AnnotatedImage = render.DataURI(png)
	}
	return resp, nil
}

func ErrorResponse(msg string) iface.ErrorResponse {
	return iface.ErrorResponse{Status: StatusError, Message: msg}
}
