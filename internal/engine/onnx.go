package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXMetadata describes the age/gender model's tensors.
// The output vector holds one probability per entry of GenderClasses followed
// by the regressed age at AgeIndex.
type ONNXMetadata struct {
	InputShape    []int64  `json:"input_shape"`
	OutputShape   []int64  `json:"output_shape"`
	ImageSize     int      `json:"image_size"`
	GenderClasses []string `json:"gender_classes"`
	AgeIndex      int      `json:"age_index"`
}

// ONNXAgeGender runs an in-process ONNX model over pre-cropped face images.
// The whole frame is treated as a single face.
type ONNXAgeGender struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     ONNXMetadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXAgeGender loads the model. libPath may be empty to use the default
// onnxruntime shared library location.
func NewONNXAgeGender(libPath, modelPath, metadataPath string) (*ONNXAgeGender, error) {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var metadata ONNXMetadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := metadata.validate(); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXAgeGender{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (m ONNXMetadata) validate() error {
	if m.ImageSize <= 0 {
		return fmt.Errorf("metadata image_size must be positive")
	}
	if len(m.GenderClasses) == 0 {
		return fmt.Errorf("metadata gender_classes is empty")
	}
	outLen := int64(1)
	for _, d := range m.OutputShape {
		outLen *= d
	}
	if int64(m.AgeIndex) >= outLen || int64(len(m.GenderClasses)) > outLen {
		return fmt.Errorf("metadata output_shape %v too small for classes and age index %d", m.OutputShape, m.AgeIndex)
	}
	return nil
}

func (s *ONNXAgeGender) EstimateAgeGender(_ context.Context, frame []byte) ([]types.AgeGenderFace, error) {
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDecode, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), Preprocess(img, s.Metadata.ImageSize))
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	age, gender := s.Metadata.Interpret(s.outputTensor.GetData())
	b := img.Bounds()
	return []types.AgeGenderFace{{
		Loc:    []int{b.Min.Y, b.Max.X, b.Max.Y, b.Min.X},
		Age:    age,
		Gender: gender,
	}}, nil
}

// Interpret turns the raw output vector into (age, gender label).
func (m ONNXMetadata) Interpret(out []float32) (int, string) {
	best := 0
	for i := 1; i < len(m.GenderClasses); i++ {
		if out[i] > out[best] {
			best = i
		}
	}
	age := int(math.Round(float64(out[m.AgeIndex])))
	if age < 0 {
		age = 0
	}
	return age, m.GenderClasses[best]
}

// Preprocess resizes the image to size x size and lays it out as CHW floats in [0, 1].
func Preprocess(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	bounds := resized.Bounds()
	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*size + x
			data[i] = float32(r>>8) / 255
			data[plane+i] = float32(g>>8) / 255
			data[2*plane+i] = float32(b>>8) / 255
		}
	}
	return data
}

func (s *ONNXAgeGender) Close() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
	ort.DestroyEnvironment()
}
