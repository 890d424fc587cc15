// Package report models the structured change report produced by the
// analysis stage. A report is a closed sum type: either a Baseline that
// establishes the reference state of a page, or a Comparison that lists the
// commercially relevant changes against the previous report. Consumers switch
// on the concrete type.
package report

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the wire discriminator stored in the "type" field.
type Kind string

// Report kinds.
const (
	KindBaseline Kind = "baseline"
	KindCritical Kind = "critical"
	KindStable   Kind = "stable"
)

// Category is one of the four fixed business pillars a report covers.
type Category string

// Fixed categories, in canonical order.
const (
	Promotion        Category = "PROMOTION"
	Price            Category = "PRICE"
	ProductsServices Category = "PRODUCTS_SERVICES"
	MarketingMessage Category = "MARKETING_MESSAGE"
)

// Categories lists the fixed categories in the order baselines use.
var Categories = []Category{Promotion, Price, ProductsServices, MarketingMessage}

// Strategic reports whether changes in c count toward a critical
// classification. Promotions are tactical.
func (c Category) Strategic() bool {
	switch c {
	case Price, ProductsServices, MarketingMessage:
		return true
	default:
		return false
	}
}

var categoryAliases = map[string]Category{
	"PROMOTION":             Promotion,
	"PROMOTIONS":            Promotion,
	"PROMOTIE":              Promotion,
	"PROMOTIES":             Promotion,
	"PRICE":                 Price,
	"PRICES":                Price,
	"PRICING":               Price,
	"PRIJS":                 Price,
	"PRIJZEN":               Price,
	"PRODUCTS_SERVICES":     ProductsServices,
	"PRODUCTS_AND_SERVICES": ProductsServices,
	"PRODUCTEN_DIENSTEN":    ProductsServices,
	"PRODUCTEN_EN_DIENSTEN": ProductsServices,
	"MARKETING_MESSAGE":     MarketingMessage,
	"MARKETING":             MarketingMessage,
	"MARKETING_BOODSCHAP":   MarketingMessage,
	"MARKETINGBOODSCHAP":    MarketingMessage,
}

var nonWord = regexp.MustCompile(`[^A-Z0-9]+`)

// ParseCategory normalizes free-form category labels, including the Dutch
// labels older reports were stored with.
func ParseCategory(raw string) (Category, error) {
	key := strings.Trim(nonWord.ReplaceAllString(strings.ToUpper(strings.TrimSpace(raw)), "_"), "_")
	if c, ok := categoryAliases[key]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown category %q", raw)
}

// Meta holds the fields shared by every report variant.
type Meta struct {
	Title   string
	Summary string
	Advice  string
}

// Header returns the shared report fields.
func (m Meta) Header() Meta {
	return m
}

// Report is implemented only by Baseline and Comparison.
type Report interface {
	Kind() Kind
	Header() Meta
	isReport()
}

// Finding is the baseline status of one category.
type Finding struct {
	Category Category
	Status   string
}

// Baseline is the first report for a target.
type Baseline struct {
	Meta
	Findings []Finding
}

// Kind implements Report.
func (Baseline) Kind() Kind { return KindBaseline }

func (Baseline) isReport() {}

// StatusOf returns the status recorded for c.
func (b Baseline) StatusOf(c Category) (string, bool) {
	for _, f := range b.Findings {
		if f.Category == c {
			return f.Status, true
		}
	}
	return "", false
}

// Change is one detected difference between two captures.
type Change struct {
	Category    Category
	Before      string
	After       string
	Description string
	Implication string
	ImpactScore int
}

// Comparison is a diff against the previous report.
type Comparison struct {
	Meta
	Type    Kind
	Changes []Change
}

// Kind implements Report.
func (c Comparison) Kind() Kind {
	if c.Type == "" {
		return Classify(c.Changes)
	}
	return c.Type
}

func (Comparison) isReport() {}

// CriticalImpact is the impact score at which a single change is critical.
const CriticalImpact = 7

// Classify derives the comparison kind from its changes: critical when any
// change reaches CriticalImpact or more than one strategic change is present.
func Classify(changes []Change) Kind {
	strategic := 0
	for _, ch := range changes {
		if ch.ImpactScore >= CriticalImpact {
			return KindCritical
		}
		if ch.Category.Strategic() {
			strategic++
		}
	}
	if strategic > 1 {
		return KindCritical
	}
	return KindStable
}

// Notable reports whether r warrants a notification.
func Notable(r Report) bool {
	switch v := r.(type) {
	case Comparison:
		return len(v.Changes) > 0 || v.Kind() == KindCritical
	default:
		return false
	}
}

// MaxImpact returns the highest impact score in r, or zero for baselines.
func MaxImpact(r Report) int {
	cmp, ok := r.(Comparison)
	if !ok {
		return 0
	}
	highest := 0
	for _, ch := range cmp.Changes {
		if ch.ImpactScore > highest {
			highest = ch.ImpactScore
		}
	}
	return highest
}
