package credits

import (
	"fmt"
	"sort"
)

// Canonical plan identifiers.
const (
	PlanFree = "free"
	PlanPlus = "plus"
	PlanPro  = "pro"
)

// QuotaCatalog maps subscription plans to their monthly credit allotment.
type QuotaCatalog struct {
	quotas       map[string]int64
	aliases      map[string]string
	fallbackPlan PlanID
}

// NewQuotaCatalog validates and copies the supplied plan table.
// aliases map legacy plan names onto keys of quotas; fallbackPlan must itself be a key of quotas.
func NewQuotaCatalog(quotas map[string]int64, aliases map[string]string, fallbackPlan string) (QuotaCatalog, error) {
	fallback, err := NewPlanID(fallbackPlan)
	if err != nil {
		return QuotaCatalog{}, fmt.Errorf("%w: fallback plan: %v", ErrInvalidCatalog, err)
	}
	normalizedQuotas := make(map[string]int64, len(quotas))
	for rawPlan, quota := range quotas {
		plan, err := NewPlanID(rawPlan)
		if err != nil {
			return QuotaCatalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		if quota < 0 {
			return QuotaCatalog{}, fmt.Errorf("%w: plan %q has negative quota", ErrInvalidCatalog, plan.String())
		}
		normalizedQuotas[plan.String()] = quota
	}
	if _, ok := normalizedQuotas[fallback.String()]; !ok {
		return QuotaCatalog{}, fmt.Errorf("%w: fallback plan %q has no quota", ErrInvalidCatalog, fallback.String())
	}
	normalizedAliases := make(map[string]string, len(aliases))
	for rawAlias, rawTarget := range aliases {
		alias, err := NewPlanID(rawAlias)
		if err != nil {
			return QuotaCatalog{}, fmt.Errorf("%w: alias: %v", ErrInvalidCatalog, err)
		}
		target, err := NewPlanID(rawTarget)
		if err != nil {
			return QuotaCatalog{}, fmt.Errorf("%w: alias target: %v", ErrInvalidCatalog, err)
		}
		if _, ok := normalizedQuotas[target.String()]; !ok {
			return QuotaCatalog{}, fmt.Errorf("%w: alias %q points at unknown plan %q", ErrInvalidCatalog, alias.String(), target.String())
		}
		normalizedAliases[alias.String()] = target.String()
	}
	return QuotaCatalog{quotas: normalizedQuotas, aliases: normalizedAliases, fallbackPlan: fallback}, nil
}

// DefaultQuotaCatalog returns the built-in plan table.
func DefaultQuotaCatalog() QuotaCatalog {
	catalog, err := NewQuotaCatalog(DefaultPlanQuotas(), DefaultPlanAliases(), PlanFree)
	if err != nil {
		panic(err)
	}
	return catalog
}

// DefaultPlanQuotas returns a fresh copy of the built-in plan quotas.
func DefaultPlanQuotas() map[string]int64 {
	return map[string]int64{
		PlanFree: 5,
		PlanPlus: 15,
		PlanPro:  30,
	}
}

// DefaultPlanAliases returns a fresh copy of the legacy plan names.
func DefaultPlanAliases() map[string]string {
	return map[string]string{
		"trial":     PlanFree,
		"basic":     PlanPlus,
		"starter":   PlanPlus,
		"premium":   PlanPro,
		"unlimited": PlanPro,
	}
}

// Canonical resolves aliases and unknown plans to a plan that has a quota.
func (catalog QuotaCatalog) Canonical(plan PlanID) PlanID {
	if _, ok := catalog.quotas[plan.String()]; ok {
		return plan
	}
	if target, ok := catalog.aliases[plan.String()]; ok {
		return PlanID{value: target}
	}
	return catalog.fallbackPlan
}

// QuotaFor returns the monthly allotment for plan, falling back to the free tier.
func (catalog QuotaCatalog) QuotaFor(plan PlanID) int64 {
	return catalog.quotas[catalog.Canonical(plan).String()]
}

// FallbackPlan returns the plan used for unknown and expired subscriptions.
func (catalog QuotaCatalog) FallbackPlan() PlanID {
	return catalog.fallbackPlan
}

// IsFallback reports whether plan resolves to the fallback tier.
func (catalog QuotaCatalog) IsFallback(plan PlanID) bool {
	return catalog.Canonical(plan) == catalog.fallbackPlan
}

// Pack is a purchasable credit bundle.
type Pack struct {
	ID           PackID
	PriceCents   int64
	Credits      int64
	BonusCredits int64
	TotalCredits int64
}

// PackDefinition is the configuration shape of a pack.
type PackDefinition struct {
	PriceCents   int64 `mapstructure:"price_cents"`
	Credits      int64 `mapstructure:"credits"`
	BonusCredits int64 `mapstructure:"bonus_credits"`
}

// PackCatalog maps pack ids to bundles.
type PackCatalog struct {
	packs map[string]Pack
}

// NewPackCatalog validates pack definitions and derives each total.
func NewPackCatalog(definitions map[string]PackDefinition) (PackCatalog, error) {
	if len(definitions) == 0 {
		return PackCatalog{}, fmt.Errorf("%w: no packs defined", ErrInvalidCatalog)
	}
	packs := make(map[string]Pack, len(definitions))
	for rawID, definition := range definitions {
		packID, err := NewPackID(rawID)
		if err != nil {
			return PackCatalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		if definition.PriceCents <= 0 || definition.Credits <= 0 || definition.BonusCredits < 0 {
			return PackCatalog{}, fmt.Errorf("%w: pack %q needs positive price and credits", ErrInvalidCatalog, packID.String())
		}
		packs[packID.String()] = Pack{
			ID:           packID,
			PriceCents:   definition.PriceCents,
			Credits:      definition.Credits,
			BonusCredits: definition.BonusCredits,
			TotalCredits: definition.Credits + definition.BonusCredits,
		}
	}
	return PackCatalog{packs: packs}, nil
}

// DefaultPackCatalog returns the built-in packs.
func DefaultPackCatalog() PackCatalog {
	catalog, err := NewPackCatalog(DefaultPackDefinitions())
	if err != nil {
		panic(err)
	}
	return catalog
}

// DefaultPackDefinitions returns a fresh copy of the built-in pack table.
func DefaultPackDefinitions() map[string]PackDefinition {
	return map[string]PackDefinition{
		"pack_10":  {PriceCents: 299, Credits: 10},
		"pack_25":  {PriceCents: 599, Credits: 23, BonusCredits: 2},
		"pack_50":  {PriceCents: 999, Credits: 45, BonusCredits: 5},
		"pack_100": {PriceCents: 1799, Credits: 85, BonusCredits: 15},
	}
}

// PackFor looks up a pack, failing with ErrInvalidPackType for unknown ids.
func (catalog PackCatalog) PackFor(packID PackID) (Pack, error) {
	pack, ok := catalog.packs[packID.String()]
	if !ok {
		return Pack{}, fmt.Errorf("%w: %q", ErrInvalidPackType, packID.String())
	}
	return pack, nil
}

// Packs lists every pack ordered by total credits.
func (catalog PackCatalog) Packs() []Pack {
	packs := make([]Pack, 0, len(catalog.packs))
	for _, pack := range catalog.packs {
		packs = append(packs, pack)
	}
	sort.Slice(packs, func(left, right int) bool {
		if packs[left].TotalCredits == packs[right].TotalCredits {
			return packs[left].ID.String() < packs[right].ID.String()
		}
		return packs[left].TotalCredits < packs[right].TotalCredits
	})
	return packs
}
