package detect

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// letterboxFill is the pad color used by the model's training pipeline.
const letterboxFill = 114

// Detector produces raw model output for one frame.
type Detector interface {
	Infer(img gocv.Mat) (RawOutput, error)
	Close() error
}

// YOLO runs an ONNX single-output detection model through the OpenCV
// DNN module.
type YOLO struct {
	net       gocv.Net
	inputSize int
}

// NewYOLO loads the model from modelPath. inputSize is the square input
// edge the model was exported with.
func NewYOLO(modelPath string, inputSize int) (*YOLO, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("load model %s: network is empty", modelPath)
	}
	return &YOLO{
		net:       net,
		inputSize: inputSize,
	}, nil
}

// Infer letterboxes the frame, runs a forward pass and returns the raw
// output tensor together with the letterbox transform.
func (y *YOLO) Infer(img gocv.Mat) (RawOutput, error) {
	if img.Empty() {
		return RawOutput{}, fmt.Errorf("empty input image")
	}

	lb := FitLetterbox(img.Cols(), img.Rows(), y.inputSize)
	boxed := letterboxImage(img, y.inputSize, lb)
	defer boxed.Close()

	blob := gocv.BlobFromImage(boxed, 1.0/255.0,
		image.Pt(y.inputSize, y.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	y.net.SetInput(blob, "")
	output := y.net.Forward("")
	defer output.Close()

	sizes := output.Size()
	if len(sizes) != 3 || sizes[1] < 5 {
		return RawOutput{}, fmt.Errorf("unexpected output shape %v", sizes)
	}
	attrs, cells := sizes[1], sizes[2]

	data, err := output.DataPtrFloat32()
	if err != nil {
		return RawOutput{}, fmt.Errorf("read output tensor: %w", err)
	}

	return RawOutput{
		Data:      append([]float32(nil), data...),
		Cells:     cells,
		Classes:   attrs - 4,
		Letterbox: lb,
	}, nil
}

// Close releases the network.
func (y *YOLO) Close() error {
	return y.net.Close()
}

// letterboxImage scales img into a square canvas padded with the
// model's fill color.
func letterboxImage(img gocv.Mat, inputSize int, lb Letterbox) gocv.Mat {
	scaledW := int(math.Round(float64(img.Cols()) * float64(lb.Scale)))
	scaledH := int(math.Round(float64(img.Rows()) * float64(lb.Scale)))

	canvas := gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(letterboxFill, letterboxFill, letterboxFill, 0),
		inputSize, inputSize, gocv.MatTypeCV8UC3)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(scaledW, scaledH), 0, 0, gocv.InterpolationLinear)

	padX := int(lb.PadX)
	padY := int(lb.PadY)
	roi := canvas.Region(image.Rect(padX, padY, padX+scaledW, padY+scaledH))
	resized.CopyTo(&roi)
	roi.Close()

	return canvas
}
