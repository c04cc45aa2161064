package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// OperationKind names one of the recognized image operations
type OperationKind string

// Operation kinds
const (
	KindResize       OperationKind = "Resize"
	KindGrayScale    OperationKind = "GrayScale"
	KindNoise        OperationKind = "Noise"
	KindInvertColors OperationKind = "InvertColors"
)

// ErrUnknownOperation is returned when an operation tag is not recognized
var ErrUnknownOperation = errors.New("unknown operation")

// Operation is a closed variant over the recognized operation kinds.
// Only the parameter matching Kind is meaningful.
//
// On the wire it is externally tagged: unit variants encode as a bare
// string ("GrayScale"), parameterized ones as a single-key object
// ({"Resize":{"scaling_factor":0.5}}).
type Operation struct {
	Kind          OperationKind
	ScalingFactor float32
	NoiseLevel    float32
}

// Resize scales an image by factor
func Resize(factor float32) Operation {
	return Operation{Kind: KindResize, ScalingFactor: factor}
}

// GrayScale converts an image to grayscale
func GrayScale() Operation {
	return Operation{Kind: KindGrayScale}
}

// Noise adds noise at the given level
func Noise(level float32) Operation {
	return Operation{Kind: KindNoise, NoiseLevel: level}
}

// InvertColors inverts every channel
func InvertColors() Operation {
	return Operation{Kind: KindInvertColors}
}

// Validate checks the kind is known and its parameters are usable
func (o Operation) Validate() error {
	switch o.Kind {
	case KindResize:
		if o.ScalingFactor <= 0 {
			return fmt.Errorf("resize scaling factor must be positive, got %v", o.ScalingFactor)
		}
	case KindNoise:
		if o.NoiseLevel < 0 {
			return fmt.Errorf("noise level must not be negative, got %v", o.NoiseLevel)
		}
	case KindGrayScale, KindInvertColors:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, o.Kind)
	}
	return nil
}

func (o Operation) String() string {
	switch o.Kind {
	case KindResize:
		return fmt.Sprintf("Resize(%g)", o.ScalingFactor)
	case KindNoise:
		return fmt.Sprintf("Noise(%g)", o.NoiseLevel)
	default:
		return string(o.Kind)
	}
}

type resizeParams struct {
	ScalingFactor *float32 `json:"scaling_factor"`
}

type noiseParams struct {
	NoiseLevel *float32 `json:"noise_level"`
}

// MarshalJSON implements json.Marshaler
func (o Operation) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case KindResize:
		return json.Marshal(map[OperationKind]resizeParams{KindResize: {ScalingFactor: &o.ScalingFactor}})
	case KindNoise:
		return json.Marshal(map[OperationKind]noiseParams{KindNoise: {NoiseLevel: &o.NoiseLevel}})
	case KindGrayScale, KindInvertColors:
		return json.Marshal(string(o.Kind))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, o.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler
func (o *Operation) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return err
		}
		switch kind := OperationKind(tag); kind {
		case KindGrayScale, KindInvertColors:
			*o = Operation{Kind: kind}
			return nil
		case KindResize, KindNoise:
			return fmt.Errorf("operation %q requires parameters", tag)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownOperation, tag)
		}
	}

	var tagged map[OperationKind]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("decode operation: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("operation must have exactly one tag, got %d", len(tagged))
	}

	for kind, raw := range tagged {
		switch kind {
		case KindResize:
			var p resizeParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode Resize: %w", err)
			}
			if p.ScalingFactor == nil {
				return errors.New("Resize requires scaling_factor")
			}
			*o = Resize(*p.ScalingFactor)
		case KindNoise:
			var p noiseParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode Noise: %w", err)
			}
			if p.NoiseLevel == nil {
				return errors.New("Noise requires noise_level")
			}
			*o = Noise(*p.NoiseLevel)
		case KindGrayScale, KindInvertColors:
			// serde also accepts {"GrayScale":null}
			if string(bytes.TrimSpace(raw)) != "null" {
				return fmt.Errorf("operation %q takes no parameters", kind)
			}
			*o = Operation{Kind: kind}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownOperation, kind)
		}
	}
	return nil
}
