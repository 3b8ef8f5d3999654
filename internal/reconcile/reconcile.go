// Package reconcile merges rule matches and archetype group evidence into one
// persona label per trader.
//
// Groups never assign labels on their own. A group whose members mostly match
// a persona only raises the confidence of members whose rules also matched
// it.
package reconcile

import (
	"math"
	"sort"

	"github.com/MoonCraze/trader-selection/internal/model"
)

// Config holds reconciliation constants.
type Config struct {
	// ConsensusBoost is the confidence added for a member sitting on its
	// group's centroid. It decays linearly to 0 at the group's edge.
	ConsensusBoost float64
}

// DefaultConfig returns the production reconciliation constants.
func DefaultConfig() Config {
	return Config{ConsensusBoost: 0.1}
}

// Reconciler applies the reconciliation table.
type Reconciler struct {
	cfg Config
}

// New returns a Reconciler. A negative boost is treated as 0.
func New(cfg Config) *Reconciler {
	if cfg.ConsensusBoost < 0 {
		cfg.ConsensusBoost = 0
	}
	return &Reconciler{cfg: cfg}
}

// Best picks the highest-confidence match. Ties go to the earliest catalog
// entry.
func Best(matches []model.RuleMatch) (model.RuleMatch, bool) {
	if len(matches) == 0 {
		return model.RuleMatch{}, false
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Confidence > best.Confidence || (m.Confidence == best.Confidence && m.Order < best.Order) {
			best = m
		}
	}
	return best, true
}

// Reconcile labels one trader. consensus is the persona agreed by the
// trader's group, or "" when the group has none.
func (r *Reconciler) Reconcile(matches []model.RuleMatch, groupID int, fit float64, consensus string) model.ClassificationResult {
	res := model.ClassificationResult{
		Persona:     model.Unclassified,
		Evidence:    model.EvidenceNone,
		GroupID:     groupID,
		GroupFit:    fit,
		RuleMatches: matches,
	}

	if len(matches) == 0 {
		if consensus != "" {
			res.Evidence = model.EvidenceArchetype
		}
		return res
	}

	// The label follows the reconciled confidence, not the raw one.
	fit = math.Max(0, math.Min(1, fit))
	reconciled := make([]model.RuleMatch, len(matches))
	for i, m := range matches {
		if m.Persona == consensus {
			m.Confidence = math.Min(1, m.Confidence+r.cfg.ConsensusBoost*(1-fit))
		}
		reconciled[i] = m
	}
	best, _ := Best(reconciled)

	res.Persona = best.Persona
	res.Confidence = best.Confidence
	res.Evidence = model.EvidenceRule
	if best.Persona == consensus {
		res.Evidence = model.EvidenceBoth
	}
	return res
}

// Member is one trader's input to group consensus.
type Member struct {
	GroupID int
	Matches []model.RuleMatch
}

// Consensus returns, per group id, the persona matched by the most members,
// provided strictly more than half of the group's members match it. Every
// match of a member counts, so the result depends on which rules fired and
// not on their confidences. Count ties go to the earliest catalog entry.
// Groups without a consensus are absent from the result.
func Consensus(members []Member) map[int]string {
	type tally struct {
		persona string
		order   int
		count   int
	}
	sizes := make(map[int]int)
	votes := make(map[int]map[string]*tally)
	for _, m := range members {
		sizes[m.GroupID]++
		g := votes[m.GroupID]
		seen := make(map[string]bool, len(m.Matches))
		for _, match := range m.Matches {
			if seen[match.Persona] {
				continue
			}
			seen[match.Persona] = true
			if g == nil {
				g = make(map[string]*tally)
				votes[m.GroupID] = g
			}
			t := g[match.Persona]
			if t == nil {
				t = &tally{persona: match.Persona, order: match.Order}
				g[match.Persona] = t
			}
			t.count++
		}
	}

	out := make(map[int]string, len(votes))
	for gid, g := range votes {
		ts := make([]*tally, 0, len(g))
		for _, t := range g {
			ts = append(ts, t)
		}
		sort.Slice(ts, func(i, j int) bool {
			if ts[i].count != ts[j].count {
				return ts[i].count > ts[j].count
			}
			if ts[i].order != ts[j].order {
				return ts[i].order < ts[j].order
			}
			return ts[i].persona < ts[j].persona
		})
		if 2*ts[0].count > sizes[gid] {
			out[gid] = ts[0].persona
		}
	}
	return out
}
