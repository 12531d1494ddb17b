// Package impact derives the price and carbon figures of an order.
package impact

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/agriloop/internal/models"
)

var (
	// DefaultEmissionFactor is kg CO2 avoided per kg of waste processed
	DefaultEmissionFactor = decimal.RequireFromString("1.5")
	// DefaultTreesDivisor is kg CO2 absorbed by one tree per year
	DefaultTreesDivisor = decimal.NewFromInt(22)
)

// Calculator is a pure pricing/impact function set. The zero value is not
// usable, build one with New.
type Calculator struct {
	emissionFactor decimal.Decimal
	treesDivisor   decimal.Decimal
}

func New(emissionFactor, treesDivisor decimal.Decimal) (*Calculator, error) {
	if !emissionFactor.IsPositive() {
		return nil, fmt.Errorf("emission factor must be positive")
	}
	if !treesDivisor.IsPositive() {
		return nil, fmt.Errorf("trees divisor must be positive")
	}
	return &Calculator{emissionFactor: emissionFactor, treesDivisor: treesDivisor}, nil
}

// Default uses 1.5 kg CO2 per kg and 22 kg CO2 per tree
func Default() *Calculator {
	return &Calculator{emissionFactor: DefaultEmissionFactor, treesDivisor: DefaultTreesDivisor}
}

func (c *Calculator) EmissionFactor() decimal.Decimal { return c.emissionFactor }

// AmountPaid keeps the listing's unit price: price/weight per kg ordered
func (c *Calculator) AmountPaid(listing models.Listing, weightKg decimal.Decimal) (decimal.Decimal, error) {
	if !listing.WeightKg.IsPositive() {
		return decimal.Zero, fmt.Errorf("listing %d has no weight", listing.ID)
	}
	// multiply first so 150/10*4 stays exact even when price/weight does not terminate
	return listing.Price.Mul(weightKg).Div(listing.WeightKg), nil
}

func (c *Calculator) EmissionsPrevented(weightKg decimal.Decimal) decimal.Decimal {
	return weightKg.Mul(c.emissionFactor)
}

func (c *Calculator) TreesEquivalent(emissionsKg decimal.Decimal) decimal.Decimal {
	return emissionsKg.Div(c.treesDivisor).Round(2)
}

// Quote computes both derived order fields at once
func (c *Calculator) Quote(listing models.Listing, weightKg decimal.Decimal) (models.Quote, error) {
	if !weightKg.IsPositive() {
		return models.Quote{}, fmt.Errorf("weight must be positive")
	}
	amount, err := c.AmountPaid(listing, weightKg)
	if err != nil {
		return models.Quote{}, err
	}
	return models.Quote{
		AmountPaid:           amount,
		EmissionsPreventedKg: c.EmissionsPrevented(weightKg),
	}, nil
}

// Finish fills the derived trees figure of a rollup
func (c *Calculator) Finish(t models.Totals) models.Totals {
	t.TreesEquivalent = c.TreesEquivalent(t.TotalEmissions)
	return t
}
