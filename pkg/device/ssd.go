package device

import (
	"fmt"
	"image"
	"sync"

	"github.com/cyclopcam/edgecv/pkg/nn"
	"gocv.io/x/gocv"
)

// Number of values per detection in the output of an SSD network:
// [batch, class, confidence, x1, y1, x2, y2], with coordinates normalized to [0,1]
const ssdRowSize = 7

// Default input size of MobileNet SSD
const DefaultSSDInputSize = 300

type SSDOptions struct {
	ModelFile     string   // eg frozen_inference_graph.pb
	ConfigFile    string   // eg ssd_mobilenet_v1_coco.pbtxt
	Classes       []string // Class names. If nil, nn.COCOClasses
	ClassIDOffset int      // Subtracted from the network's class IDs. SSD COCO models use 0 for background, so the default is 1.
	InputSize     int      // Zero = DefaultSSDInputSize
}

// SSDDetector runs a Single Shot Detector network with OpenCV's DNN module
type SSDDetector struct {
	lock     sync.Mutex // gocv.Net is not safe for concurrent use
	net      gocv.Net
	config   nn.ModelConfig
	idOffset int
}

// LoadSSD loads the network. The detector must be closed when no longer needed.
func LoadSSD(opt SSDOptions) (*SSDDetector, error) {
	net := gocv.ReadNet(opt.ModelFile, opt.ConfigFile)
	if net.Empty() {
		return nil, fmt.Errorf("Failed to load detector model %v", opt.ModelFile)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	classes := opt.Classes
	idOffset := opt.ClassIDOffset
	if classes == nil {
		classes = nn.COCOClasses
		if idOffset == 0 {
			idOffset = 1
		}
	}
	size := opt.InputSize
	if size == 0 {
		size = DefaultSSDInputSize
	}
	return &SSDDetector{
		net: net,
		config: nn.ModelConfig{
			Architecture: "ssd",
			Width:        size,
			Height:       size,
			Classes:      classes,
		},
		idOffset: idOffset,
	}, nil
}

func (d *SSDDetector) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.net.Close()
}

func (d *SSDDetector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *SSDDetector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if img.NChan != 3 {
		return nil, fmt.Errorf("SSD detector requires RGB images, not %v channels", img.NChan)
	}
	whole, err := gocv.NewMatFromBytes(img.ImageHeight, img.ImageWidth, gocv.MatTypeCV8UC3, img.Pixels)
	if err != nil {
		return nil, fmt.Errorf("Failed to wrap image: %w", err)
	}
	defer whole.Close()
	input := whole
	if !img.IsWhole() {
		input = whole.Region(image.Rect(img.CropX, img.CropY, img.CropX+img.CropWidth, img.CropY+img.CropHeight))
		defer input.Close()
	}

	size := d.config.Width
	if params.InferenceSize != 0 {
		size = params.InferenceSize
	}
	// Pixels are already RGB, so no channel swap
	blob := gocv.BlobFromImage(input, 1.0/127.5, image.Pt(size, size), gocv.NewScalar(127.5, 127.5, 127.5, 0), false, false)
	defer blob.Close()

	d.lock.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.lock.Unlock()
	defer out.Close()

	nRows := out.Total() / ssdRowSize
	if nRows == 0 {
		return []nn.ObjectDetection{}, nil
	}
	rows := out.Reshape(1, nRows)
	defer rows.Close()

	return parseSSDRows(nRows, rows.GetFloatAt, d.idOffset, len(d.config.Classes), params.ProbabilityThreshold, img), nil
}

// Convert SSD output rows into pixel space detections of the crop's parent image
func parseSSDRows(nRows int, at func(row, col int) float32, idOffset, nClasses int, threshold float32, img nn.ImageCrop) []nn.ObjectDetection {
	if threshold == 0 {
		threshold = nn.DefaultProbabilityThreshold
	}
	w := float32(img.CropWidth)
	h := float32(img.CropHeight)
	out := []nn.ObjectDetection{}
	for i := 0; i < nRows; i++ {
		confidence := at(i, 2)
		if confidence < threshold {
			continue
		}
		class := int(at(i, 1)) - idOffset
		if class < 0 || class >= nClasses {
			continue
		}
		x1 := img.CropX + int(at(i, 3)*w)
		y1 := img.CropY + int(at(i, 4)*h)
		x2 := img.CropX + int(at(i, 5)*w)
		y2 := img.CropY + int(at(i, 6)*h)
		out = append(out, nn.ObjectDetection{
			Class:      class,
			Confidence: confidence,
			Box:        nn.MakeRect(x1, y1, x2, y2),
		})
	}
	return out
}
