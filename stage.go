package atlas

import (
	"encoding"
	"encoding/json"
	"fmt"
)

// Stage is the activation state of the hierarchical fit. Blocks are
// enabled progressively and never disabled: affine motion first, then the
// principal-geodesic subspace with its latent coordinates, then the
// residual velocity fields. When every block is active and the bound gain
// stays below threshold, the fit is converged.
type Stage int

const (
	StageAffine    Stage = iota + 1 // Only affine motion is optimized.
	StagePG                         // + subspace and latent coordinates.
	StageResidual                   // + residual velocity fields.
	StageConverged                  // All blocks converged; loop terminates.
)

var (
	stageNames = [...]string{
		StageAffine:    "Affine",
		StagePG:        "PG",
		StageResidual:  "Residual",
		StageConverged: "Converged",
	}
	stageByName = map[string]Stage{
		"Affine":    StageAffine,
		"PG":        StagePG,
		"Residual":  StageResidual,
		"Converged": StageConverged,
	}
)

// Compile-time interface checks.
var (
	_ fmt.Stringer             = Stage(0)
	_ json.Marshaler           = Stage(0)
	_ json.Unmarshaler         = (*Stage)(nil)
	_ encoding.TextMarshaler   = Stage(0)
	_ encoding.TextUnmarshaler = (*Stage)(nil)
)

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool { return s >= StageAffine && s <= StageConverged }

// String returns the name of the stage. For invalid values it returns
// "Stage(n)".
func (s Stage) String() string {
	if s.IsValid() {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("atlas: invalid stage: %d", int(s))
	}
	return []byte(stageNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	v, ok := stageByName[string(text)]
	if !ok {
		return fmt.Errorf("atlas: invalid stage: %q", text)
	}
	*s = v
	return nil
}

// MarshalJSON implements json.Marshaler. Stage serializes as a string.
func (s Stage) MarshalJSON() ([]byte, error) {
	text, err := s.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(text))
}

// UnmarshalJSON implements json.Unmarshaler. Expects a JSON string.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("atlas: invalid stage: %s", data)
	}
	return s.UnmarshalText([]byte(str))
}

// Block identifies one parameter block of the model.
type Block int

const (
	BlockAffine Block = iota + 1
	BlockSubspace
	BlockLatent
	BlockResidual
	BlockTemplate
)

// Active reports whether the block runs at this stage. The template block
// runs at every non-terminal stage.
func (s Stage) Active(b Block) bool {
	switch s {
	case StageAffine:
		return b == BlockAffine || b == BlockTemplate
	case StagePG:
		return b != BlockResidual
	case StageResidual:
		return true
	default:
		return false
	}
}

// Advance returns the next stage when the outer-loop relative bound gain
// has fallen below threshold, and s otherwise. Activation is monotone:
// the returned stage is never earlier than s. A NaN gain keeps the
// current stage.
func (s Stage) Advance(gain, threshold float64) Stage {
	if s == StageConverged || !s.IsValid() {
		return s
	}
	if gain < threshold {
		return s + 1
	}
	return s
}
