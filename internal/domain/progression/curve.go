// Package progression contains the domain model of the progression engine:
// user records, community configuration, and the level curve family that
// converts accumulated XP to a level and back.
package progression

import (
	"fmt"
	"math"

	"github.com/progression-hub/progression-engine/internal/domain/shared"
)

// DefaultPartition is the partition used when callers do not specify one.
// The reward reconciler only reacts to events tagged with this partition.
const DefaultPartition = "default"

// Canonical parameters of the system default quadratic curve:
// xpForLevel(n) = a·n² + b·n + c, so level 1 requires 155 XP and the
// cumulative threshold for level 2 is 375.
const (
	DefaultQuadraticA = 5
	DefaultQuadraticB = 50
	DefaultQuadraticC = 100
)

// hardLevelCap bounds level computation for curves without an explicit
// maxLevel so a tiny per-level step can never turn a lookup into an
// unbounded loop.
const hardLevelCap = 1_000_000

// LevelPlacement locates a total-XP value on a curve.
type LevelPlacement struct {
	// Level is the computed level (0-based, non-negative).
	Level int

	// XPIntoLevel is the XP accumulated past the level's threshold.
	XPIntoLevel int64

	// XPToNext is the XP still needed to reach the next level.
	// Zero when the curve's maxLevel has been reached.
	XPToNext int64
}

// Curve converts between levels and XP.
//
// Invariant: XPForLevel and LevelFromTotalXP are exact inverses at integer
// level boundaries: LevelFromTotalXP(TotalXPForLevel(n)) yields level n with
// zero XPIntoLevel.
type Curve interface {
	// XPForLevel returns the single-level requirement (not cumulative) for
	// the given level. Level 0 requires 0 XP. Negative levels fail with
	// shared.ErrInvalidArgument.
	XPForLevel(level int) (int64, error)

	// TotalXPForLevel returns the cumulative XP threshold of a level: the
	// sum of per-level requirements from 0.
	TotalXPForLevel(level int) (int64, error)

	// LevelFromTotalXP places a total-XP value on the curve. Negative XP is
	// clamped to zero rather than erroring.
	LevelFromTotalXP(totalXP int64) LevelPlacement

	// MaxLevel returns the level cap and whether one is set.
	MaxLevel() (int, bool)
}

// ══════════════════════════════════════════════════════════════════════════════
// STEP CURVE (shared implementation for all preset kinds)
// ══════════════════════════════════════════════════════════════════════════════

// stepCurve implements Curve from a per-level requirement function.
type stepCurve struct {
	step     func(level int) int64
	maxLevel int
	hasMax   bool
}

func (c *stepCurve) cap() int {
	if c.hasMax && c.maxLevel < hardLevelCap {
		return c.maxLevel
	}
	return hardLevelCap
}

func (c *stepCurve) XPForLevel(level int) (int64, error) {
	if level < 0 {
		return 0, shared.NewDomainError("curve", "XPForLevel", shared.ErrInvalidArgument, "level cannot be negative")
	}
	if level == 0 {
		return 0, nil
	}
	if c.hasMax && level > c.maxLevel {
		return 0, shared.NewDomainError("curve", "XPForLevel", shared.ErrInvalidArgument,
			fmt.Sprintf("level %d exceeds curve cap %d", level, c.maxLevel))
	}
	return c.step(level), nil
}

func (c *stepCurve) TotalXPForLevel(level int) (int64, error) {
	if level < 0 {
		return 0, shared.NewDomainError("curve", "TotalXPForLevel", shared.ErrInvalidArgument, "level cannot be negative")
	}
	if c.hasMax && level > c.maxLevel {
		return 0, shared.NewDomainError("curve", "TotalXPForLevel", shared.ErrInvalidArgument,
			fmt.Sprintf("level %d exceeds curve cap %d", level, c.maxLevel))
	}
	var total int64
	for n := 1; n <= level; n++ {
		total += c.step(n)
	}
	return total, nil
}

func (c *stepCurve) LevelFromTotalXP(totalXP int64) LevelPlacement {
	if totalXP < 0 {
		totalXP = 0
	}

	level := 0
	var consumed int64
	limit := c.cap()

	for level < limit {
		next := c.step(level + 1)
		if next <= 0 {
			// Non-increasing step: stop rather than loop forever.
			break
		}
		if consumed+next > totalXP {
			break
		}
		consumed += next
		level++
	}

	placement := LevelPlacement{
		Level:       level,
		XPIntoLevel: totalXP - consumed,
	}
	if !(c.hasMax && level >= c.maxLevel) && level < hardLevelCap {
		placement.XPToNext = c.step(level+1) - placement.XPIntoLevel
	}
	return placement
}

func (c *stepCurve) MaxLevel() (int, bool) {
	return c.maxLevel, c.hasMax
}

// ══════════════════════════════════════════════════════════════════════════════
// PRESET CONSTRUCTORS
// ══════════════════════════════════════════════════════════════════════════════

// NewQuadraticCurve builds a curve with per-level requirement a·n² + b·n + c.
// maxLevel <= 0 means uncapped.
func NewQuadraticCurve(a, b, c int64, maxLevel int) (Curve, error) {
	if a < 0 || b < 0 || c < 0 || (a == 0 && b == 0 && c == 0) {
		return nil, shared.NewDomainError("curve", "NewQuadraticCurve", shared.ErrInvalidArgument, "coefficients must be non-negative and not all zero")
	}
	return &stepCurve{
		step: func(n int) int64 {
			l := int64(n)
			return a*l*l + b*l + c
		},
		maxLevel: maxLevel,
		hasMax:   maxLevel > 0,
	}, nil
}

// NewLinearCurve builds a curve with per-level requirement slope·n + intercept.
func NewLinearCurve(slope, intercept int64, maxLevel int) (Curve, error) {
	if slope < 0 || intercept < 0 || (slope == 0 && intercept == 0) {
		return nil, shared.NewDomainError("curve", "NewLinearCurve", shared.ErrInvalidArgument, "slope and intercept must be non-negative and not both zero")
	}
	return &stepCurve{
		step: func(n int) int64 {
			return slope*int64(n) + intercept
		},
		maxLevel: maxLevel,
		hasMax:   maxLevel > 0,
	}, nil
}

// NewExponentialCurve builds a curve with per-level requirement
// round(scale·base^n). The base must exceed 1 so cumulative totals stay
// strictly monotonic.
func NewExponentialCurve(base float64, scale int64, maxLevel int) (Curve, error) {
	if base <= 1 || scale <= 0 {
		return nil, shared.NewDomainError("curve", "NewExponentialCurve", shared.ErrInvalidArgument, "base must exceed 1 and scale must be positive")
	}
	return &stepCurve{
		step: func(n int) int64 {
			return int64(math.Round(float64(scale) * math.Pow(base, float64(n))))
		},
		maxLevel: maxLevel,
		hasMax:   maxLevel > 0,
	}, nil
}

// NewLookupCurve builds a curve from sorted cumulative thresholds: element i
// is the total XP required to reach level i+1. The table length is an
// implicit level cap.
func NewLookupCurve(thresholds []int64, maxLevel int) (Curve, error) {
	if len(thresholds) == 0 {
		return nil, shared.NewDomainError("curve", "NewLookupCurve", shared.ErrInvalidArgument, "threshold table cannot be empty")
	}
	var prev int64
	for i, t := range thresholds {
		if t <= prev {
			return nil, shared.NewDomainError("curve", "NewLookupCurve", shared.ErrInvalidArgument,
				fmt.Sprintf("thresholds must be strictly increasing and positive (index %d)", i))
		}
		prev = t
	}

	table := make([]int64, len(thresholds))
	copy(table, thresholds)

	levelCap := len(table)
	if maxLevel > 0 && maxLevel < levelCap {
		levelCap = maxLevel
	}

	return &stepCurve{
		step: func(n int) int64 {
			if n < 1 || n > len(table) {
				return 0
			}
			if n == 1 {
				return table[0]
			}
			return table[n-1] - table[n-2]
		},
		maxLevel: levelCap,
		hasMax:   true,
	}, nil
}

// DefaultCurve returns the system default quadratic curve.
func DefaultCurve() Curve {
	c, _ := NewQuadraticCurve(DefaultQuadraticA, DefaultQuadraticB, DefaultQuadraticC, 0)
	return c
}

// ══════════════════════════════════════════════════════════════════════════════
// DESCRIPTORS (serializable presets)
// ══════════════════════════════════════════════════════════════════════════════

// CurveKind tags a serializable curve preset.
type CurveKind string

const (
	CurveQuadratic   CurveKind = "quadratic"
	CurveLinear      CurveKind = "linear"
	CurveExponential CurveKind = "exponential"
	CurveLookup      CurveKind = "lookup"
)

// CurveDescriptor is a tagged variant describing a curve preset. Only the
// fields relevant to the tagged kind are consulted. The dynamic-callback
// resolution tier supplies a Curve directly and bypasses descriptors.
type CurveDescriptor struct {
	Kind CurveKind `json:"kind"`

	// Quadratic coefficients.
	A int64 `json:"a,omitempty"`
	B int64 `json:"b,omitempty"`
	C int64 `json:"c,omitempty"`

	// Linear parameters.
	Slope     int64 `json:"slope,omitempty"`
	Intercept int64 `json:"intercept,omitempty"`

	// Exponential parameters.
	Base  float64 `json:"base,omitempty"`
	Scale int64   `json:"scale,omitempty"`

	// Lookup table of cumulative thresholds.
	Thresholds []int64 `json:"thresholds,omitempty"`

	// MaxLevel caps the computed level. Zero means uncapped.
	MaxLevel int `json:"max_level,omitempty"`
}

// curveBuilder converts a descriptor into a concrete Curve.
type curveBuilder func(CurveDescriptor) (Curve, error)

// Builders keyed by descriptor tag.
var curveBuilders = map[CurveKind]curveBuilder{
	CurveQuadratic: func(d CurveDescriptor) (Curve, error) {
		return NewQuadraticCurve(d.A, d.B, d.C, d.MaxLevel)
	},
	CurveLinear: func(d CurveDescriptor) (Curve, error) {
		return NewLinearCurve(d.Slope, d.Intercept, d.MaxLevel)
	},
	CurveExponential: func(d CurveDescriptor) (Curve, error) {
		return NewExponentialCurve(d.Base, d.Scale, d.MaxLevel)
	},
	CurveLookup: func(d CurveDescriptor) (Curve, error) {
		return NewLookupCurve(d.Thresholds, d.MaxLevel)
	},
}

// BuildCurve converts a serializable descriptor into a concrete Curve.
func BuildCurve(d CurveDescriptor) (Curve, error) {
	builder, ok := curveBuilders[d.Kind]
	if !ok {
		return nil, shared.NewDomainError("curve", "BuildCurve", shared.ErrInvalidArgument,
			fmt.Sprintf("unknown curve kind %q", d.Kind))
	}
	return builder(d)
}
