// Package ranking builds instrument combinations for a purchase and orders
// them by expected saving.
package ranking

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/berryselect/berrypick/internal/domain"
	"github.com/berryselect/berrypick/internal/rules"
)

// Evaluator computes the savings of one product for a purchase.
type Evaluator interface {
	Evaluate(ctx context.Context, in rules.EvaluateInput) ([]rules.Saving, error)
}

// Combinations lists, for each card in the order given, the card alone
// followed by the card paired with each membership. Vouchers are not
// combined.
func Combinations(instruments []domain.Instrument) [][]domain.Instrument {
	var cards, memberships []domain.Instrument
	for _, in := range instruments {
		switch in.Kind {
		case domain.KindCard:
			cards = append(cards, in)
		case domain.KindMembership:
			memberships = append(memberships, in)
		}
	}

	combos := make([][]domain.Instrument, 0, len(cards)+len(cards)*len(memberships))
	for _, c := range cards {
		combos = append(combos, []domain.Instrument{c})
		for _, m := range memberships {
			combos = append(combos, []domain.Instrument{c, m})
		}
	}
	return combos
}

// Pick is an instrument and the single best saving it brings, nil when no
// rule applies.
type Pick struct {
	Instrument domain.Instrument
	Saving     *rules.Saving
}

// Applied returns the saving amount of the pick.
func (p Pick) Applied() int64 {
	if p.Saving == nil {
		return 0
	}
	return p.Saving.Applied
}

// Ranked is one scored combination.
type Ranked struct {
	Rank         int
	Picks        []Pick
	ExpectedSave int64
	ExpectedPay  int64
}

// RankInput describes the purchase and the instruments available for it.
type RankInput struct {
	UserID      string
	Amount      int64
	Context     domain.PurchaseContext
	Instruments []domain.Instrument
}

// Ranker scores combinations.
type Ranker struct {
	evaluator  Evaluator
	maxWorkers int
}

// NewRanker creates a ranker that evaluates up to maxWorkers instruments
// concurrently.
func NewRanker(evaluator Evaluator, maxWorkers int) *Ranker {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	return &Ranker{evaluator: evaluator, maxWorkers: maxWorkers}
}

// Rank scores every combination and returns them best first with dense
// ranks starting at 1. Combinations with equal savings keep generation
// order.
func (r *Ranker) Rank(ctx context.Context, in RankInput) ([]Ranked, error) {
	combos := Combinations(in.Instruments)
	if len(combos) == 0 {
		return nil, nil
	}

	best, err := r.bestPerInstrument(ctx, in)
	if err != nil {
		return nil, err
	}

	ranked := make([]Ranked, 0, len(combos))
	for _, combo := range combos {
		opt := Ranked{Picks: make([]Pick, 0, len(combo))}
		for _, inst := range combo {
			pick := Pick{Instrument: inst, Saving: best[inst.ID]}
			opt.Picks = append(opt.Picks, pick)
			opt.ExpectedSave += pick.Applied()
		}
		opt.ExpectedPay = in.Amount - opt.ExpectedSave
		if opt.ExpectedPay < 0 {
			slog.Warn("expected pay below zero",
				"user_id", in.UserID,
				"amount", in.Amount,
				"expected_save", opt.ExpectedSave,
			)
		}
		ranked = append(ranked, opt)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ExpectedSave > ranked[j].ExpectedSave
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

// bestPerInstrument evaluates each distinct instrument once and keeps its
// largest saving. Savings arrive highest priority first, so a tie keeps the
// higher-priority rule.
func (r *Ranker) bestPerInstrument(ctx context.Context, in RankInput) (map[string]*rules.Saving, error) {
	var targets []domain.Instrument
	seen := make(map[string]bool)
	for _, inst := range in.Instruments {
		if inst.Kind == domain.KindGifticon || seen[inst.ID] {
			continue
		}
		seen[inst.ID] = true
		targets = append(targets, inst)
	}

	results := make([]*rules.Saving, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxWorkers)

	for i, inst := range targets {
		i, inst := i, inst
		g.Go(func() error {
			savings, err := r.evaluator.Evaluate(gctx, rules.EvaluateInput{
				UserID:    in.UserID,
				ProductID: inst.ProductID,
				Amount:    in.Amount,
				Context:   in.Context,
			})
			if err != nil {
				return err
			}

			var top *rules.Saving
			for k := range savings {
				if top == nil || savings[k].Applied > top.Applied {
					top = &savings[k]
				}
			}
			results[i] = top
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := make(map[string]*rules.Saving, len(targets))
	for i, inst := range targets {
		best[inst.ID] = results[i]
	}
	return best, nil
}
