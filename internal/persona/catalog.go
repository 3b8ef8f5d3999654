// Package persona holds the persona catalog and the deterministic rule engine
// that evaluates it.
//
// A catalog is loaded once per process and is immutable afterwards. Rules are
// evaluated in declaration order and every satisfied persona is reported.
package persona

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MoonCraze/trader-selection/internal/model"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var (
	ErrInvalidCatalog = errors.New("persona: invalid catalog")
	ErrUnknownField   = errors.New("persona: unknown feature field")
	ErrUnknownOp      = errors.New("persona: unknown operator")
)

// Op is a threshold comparison.
type Op string

const (
	OpGTE Op = ">="
	OpGT  Op = ">"
	OpLTE Op = "<="
	OpLT  Op = "<"
)

var fields = map[string]func(model.FeatureVector) float64{
	"total_pnl":     func(f model.FeatureVector) float64 { return f.TotalPnL },
	"realized_pnl":  func(f model.FeatureVector) float64 { return f.RealizedPnL },
	"roi":           func(f model.FeatureVector) float64 { return f.ROI },
	"win_rate":      func(f model.FeatureVector) float64 { return f.WinRate },
	"loss_rate":     func(f model.FeatureVector) float64 { return f.LossRate },
	"total_trades":  func(f model.FeatureVector) float64 { return f.TotalTrades },
	"total_volume":  func(f model.FeatureVector) float64 { return f.TotalVolume },
	"avg_profit":    func(f model.FeatureVector) float64 { return f.AvgProfit },
	"profit_factor": func(f model.FeatureVector) float64 { return f.ProfitFactor },
}

// Predicate is one threshold test over a feature field.
type Predicate struct {
	Field     string  `yaml:"field" json:"field"`
	Op        Op      `yaml:"op" json:"op"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Guard     bool    `yaml:"guard,omitempty" json:"guard,omitempty"`

	value func(model.FeatureVector) float64
}

// holds reports whether fv satisfies the predicate.
func (p Predicate) holds(v float64) bool {
	switch p.Op {
	case OpGTE:
		return v >= p.Threshold
	case OpGT:
		return v > p.Threshold
	case OpLTE:
		return v <= p.Threshold
	case OpLT:
		return v < p.Threshold
	}
	return false
}

// margin is how far v clears the threshold, relative to the threshold's
// magnitude, clipped to [0,1].
func (p Predicate) margin(v float64) float64 {
	scale := math.Max(math.Abs(p.Threshold), 1)
	var m float64
	switch p.Op {
	case OpGTE, OpGT:
		m = (v - p.Threshold) / scale
	default:
		m = (p.Threshold - v) / scale
	}
	return math.Max(0, math.Min(1, m))
}

// Definition is one persona of the catalog.
type Definition struct {
	Name           string             `yaml:"name" json:"name"`
	Description    string             `yaml:"description,omitempty" json:"description,omitempty"`
	BaseConfidence float64            `yaml:"base_confidence" json:"base_confidence"`
	RiskFloor      model.RiskCategory `yaml:"risk_floor" json:"risk_floor"`
	Predicates     []Predicate        `yaml:"predicates" json:"predicates"`
}

// Evaluate returns the rule confidence and whether every predicate held.
// Confidence rises monotonically with the mean margin of non-guard
// predicates and never exceeds 1.
func (d Definition) Evaluate(fv model.FeatureVector) (float64, bool) {
	var sum float64
	var scored int
	for _, p := range d.Predicates {
		v := p.value(fv)
		if !p.holds(v) {
			return 0, false
		}
		if p.Guard {
			continue
		}
		sum += p.margin(v)
		scored++
	}
	conf := d.BaseConfidence
	if scored > 0 {
		conf += (1 - d.BaseConfidence) * sum / float64(scored)
	}
	return math.Min(conf, 1), true
}

type catalogFile struct {
	Version  string       `yaml:"version"`
	Personas []Definition `yaml:"personas"`
}

// Catalog is an immutable, ordered persona table.
type Catalog struct {
	version string
	defs    []Definition
	index   map[string]int
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded persona catalog: %v", err))
	}
	return c
}

// Load reads a catalog from a YAML file. An empty path yields the default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog. The catalog version combines
// the declared version with a digest of the content, so edited rules
// invalidate cached runs even without a version bump.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if len(f.Personas) == 0 {
		return nil, fmt.Errorf("%w: no personas", ErrInvalidCatalog)
	}

	c := &Catalog{
		defs:  make([]Definition, len(f.Personas)),
		index: make(map[string]int, len(f.Personas)),
	}
	for i, d := range f.Personas {
		if d.Name == "" || d.Name == model.Unclassified {
			return nil, fmt.Errorf("%w: persona %d has reserved or empty name", ErrInvalidCatalog, i)
		}
		if _, dup := c.index[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate persona %q", ErrInvalidCatalog, d.Name)
		}
		if d.BaseConfidence < 0 || d.BaseConfidence > 1 {
			return nil, fmt.Errorf("%w: %s base_confidence %v outside [0,1]", ErrInvalidCatalog, d.Name, d.BaseConfidence)
		}
		if d.RiskFloor == "" {
			d.RiskFloor = model.RiskLow
		}
		if !d.RiskFloor.Valid() {
			return nil, fmt.Errorf("%w: %s risk_floor %q", ErrInvalidCatalog, d.Name, d.RiskFloor)
		}
		if len(d.Predicates) == 0 {
			return nil, fmt.Errorf("%w: %s has no predicates", ErrInvalidCatalog, d.Name)
		}
		preds := make([]Predicate, len(d.Predicates))
		for j, p := range d.Predicates {
			get, ok := fields[p.Field]
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, d.Name, p.Field)
			}
			switch p.Op {
			case OpGTE, OpGT, OpLTE, OpLT:
			default:
				return nil, fmt.Errorf("%w: %s %q", ErrUnknownOp, d.Name, p.Op)
			}
			p.value = get
			preds[j] = p
		}
		d.Predicates = preds
		c.defs[i] = d
		c.index[d.Name] = i
	}

	sum := sha256.Sum256(data)
	c.version = f.Version + "-" + hex.EncodeToString(sum[:6])
	return c, nil
}

// Version identifies the catalog content.
func (c *Catalog) Version() string { return c.version }

// Len returns the number of personas.
func (c *Catalog) Len() int { return len(c.defs) }

// Definitions returns the personas in declaration order.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Lookup returns the named persona.
func (c *Catalog) Lookup(name string) (Definition, bool) {
	i, ok := c.index[name]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

// RiskFloor returns the minimum risk category of persona. Unknown personas,
// including Unclassified, have no floor.
func (c *Catalog) RiskFloor(persona string) model.RiskCategory {
	if d, ok := c.Lookup(persona); ok {
		return d.RiskFloor
	}
	return model.RiskLow
}

// Classify evaluates every rule in catalog order and returns all matches.
// No match yields an empty slice.
func (c *Catalog) Classify(fv model.FeatureVector) []model.RuleMatch {
	matches := []model.RuleMatch{}
	for i, d := range c.defs {
		if conf, ok := d.Evaluate(fv); ok {
			matches = append(matches, model.RuleMatch{Persona: d.Name, Confidence: conf, Order: i})
		}
	}
	return matches
}
