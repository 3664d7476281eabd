package risk

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/helmsman-trade/helmsman/internal/domain"
)

// Rule identifies one validation rule in a Decision's violations.
type Rule string

const (
	RulePositionSize Rule = "POSITION_SIZE"
	RuleExposure     Rule = "TOTAL_EXPOSURE"
	RuleDailyLoss    Rule = "DAILY_LOSS"
	RuleMaxPositions Rule = "MAX_POSITIONS"
	RuleMargin       Rule = "FREE_MARGIN"
	RuleCorrelation  Rule = "CORRELATION"
)

// Violation is one violated rule with a human-readable detail.
type Violation struct {
	Rule    Rule   `json:"rule"`
	Message string `json:"message"`
}

// Decision is the structured outcome of a validation. A rejection is not
// an error; it lists every violated rule.
type Decision struct {
	Approved   bool        `json:"approved"`
	Violations []Violation `json:"violations,omitempty"`
}

// Reasons returns the violation messages, for event payloads and logs.
func (d Decision) Reasons() []string {
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, fmt.Sprintf("%s: %s", v.Rule, v.Message))
	}
	return out
}

// ProposedTrade is the trade under validation, already sized.
type ProposedTrade struct {
	Symbol   domain.Symbol
	Side     domain.OrderSide
	Quantity decimal.Decimal
	// Price is the estimated execution price: the limit price for limit
	// orders, the latest mark for market orders.
	Price    decimal.Decimal
	StopLoss *decimal.Decimal
}

// Input is everything a validation reads. The portfolio snapshot is
// immutable, so concurrent validations against the same snapshot are safe.
type Input struct {
	Portfolio domain.PortfolioSnapshot
	Limits    Limits
	Trade     ProposedTrade

	// Prices marks open positions for exposure and equity. Symbols
	// without a mark are valued at average cost.
	Prices map[domain.Symbol]decimal.Decimal

	// DailyPnL is today's realized plus unrealized P&L. Negative is a loss.
	DailyPnL decimal.Decimal

	// TradeReturns and PositionReturns feed the correlation check, oldest
	// first. The check is skipped for series that are missing or shorter
	// than two points.
	TradeReturns    []float64
	PositionReturns map[domain.Symbol][]float64
}

// Validator applies the risk profile to proposed trades. It is stateless
// and never mutates the portfolio.
type Validator struct {
	log zerolog.Logger
}

// NewValidator creates a new risk validator
func NewValidator(log zerolog.Logger) *Validator {
	return &Validator{
		log: log.With().Str("component", "risk_validator").Logger(),
	}
}

// Validate runs every rule and collects all violations. Rules are
// independent and never short-circuited, so a rejection reports each rule
// the trade breaks.
func (v *Validator) Validate(in Input) Decision {
	var violations []Violation

	equity := equityOf(in.Portfolio, in.Prices)
	tradeValue := in.Trade.Price.Mul(in.Trade.Quantity)

	if viol := v.checkPositionSize(in, equity, tradeValue); viol != nil {
		violations = append(violations, *viol)
	}
	if viol := v.checkExposure(in, equity, tradeValue); viol != nil {
		violations = append(violations, *viol)
	}
	if viol := v.checkDailyLoss(in, equity, tradeValue); viol != nil {
		violations = append(violations, *viol)
	}
	if viol := v.checkMaxPositions(in); viol != nil {
		violations = append(violations, *viol)
	}
	if viol := v.checkMargin(in, equity, tradeValue); viol != nil {
		violations = append(violations, *viol)
	}
	if viol := v.checkCorrelation(in); viol != nil {
		violations = append(violations, *viol)
	}

	decision := Decision{Approved: len(violations) == 0, Violations: violations}
	if !decision.Approved {
		v.log.Warn().
			Str("symbol", in.Trade.Symbol.String()).
			Str("side", string(in.Trade.Side)).
			Strs("violations", decision.Reasons()).
			Msg("Trade rejected by risk validator")
	}
	return decision
}

func (v *Validator) checkPositionSize(in Input, equity, tradeValue decimal.Decimal) *Violation {
	// A reduce never grows the position, even one already over the limit.
	if reducesPosition(in) {
		return nil
	}
	limit := pctOf(equity, in.Limits.MaxPositionPct)

	existing := decimal.Zero
	for _, pos := range in.Portfolio.Positions {
		if pos.Symbol == in.Trade.Symbol {
			existing = pos.Quantity.Mul(markPrice(pos, in.Prices)).Abs()
		}
	}
	newValue := existing.Add(tradeValue)

	if newValue.GreaterThan(limit) {
		return &Violation{
			Rule: RulePositionSize,
			Message: fmt.Sprintf("position value %s exceeds %s%% of equity (%s)",
				newValue, in.Limits.MaxPositionPct, limit),
		}
	}
	return nil
}

func (v *Validator) checkExposure(in Input, equity, tradeValue decimal.Decimal) *Violation {
	limit := pctOf(equity, in.Limits.MaxTotalExposurePct)

	exposure := decimal.Zero
	for _, pos := range in.Portfolio.Positions {
		exposure = exposure.Add(pos.Quantity.Mul(markPrice(pos, in.Prices)).Abs())
	}
	total := exposure.Add(tradeValue)
	if reducesPosition(in) {
		total = exposure.Sub(tradeValue)
	}

	if total.GreaterThan(limit) {
		return &Violation{
			Rule: RuleExposure,
			Message: fmt.Sprintf("total exposure %s exceeds %s%% of equity (%s)",
				total, in.Limits.MaxTotalExposurePct, limit),
		}
	}
	return nil
}

// assumedAdverseMovePct is the worst-case move used for trades without a
// stop-loss.
var assumedAdverseMovePct = decimal.NewFromInt(10)

// checkDailyLoss bounds today's loss plus this trade's worst case. With a
// stop-loss the worst case is the distance to the stop; without one an
// adverse move of assumedAdverseMovePct is assumed.
func (v *Validator) checkDailyLoss(in Input, equity, tradeValue decimal.Decimal) *Violation {
	limit := pctOf(equity, in.Limits.MaxDailyLossPct)

	worstCase := pctOf(tradeValue, assumedAdverseMovePct)
	if in.Trade.StopLoss != nil {
		worstCase = in.Trade.Price.Sub(*in.Trade.StopLoss).Abs().Mul(in.Trade.Quantity)
	}

	lossSoFar := decimal.Zero
	if in.DailyPnL.IsNegative() {
		lossSoFar = in.DailyPnL.Neg()
	}
	projected := lossSoFar.Add(worstCase)

	if projected.GreaterThan(limit) {
		return &Violation{
			Rule: RuleDailyLoss,
			Message: fmt.Sprintf("projected daily loss %s exceeds %s%% of equity (%s)",
				projected, in.Limits.MaxDailyLossPct, limit),
		}
	}
	return nil
}

func (v *Validator) checkMaxPositions(in Input) *Violation {
	if reducesPosition(in) {
		return nil
	}
	open := len(in.Portfolio.Positions)
	if open >= in.Limits.MaxPositions && !hasPosition(in) {
		return &Violation{
			Rule:    RuleMaxPositions,
			Message: fmt.Sprintf("%d positions open, limit %d", open, in.Limits.MaxPositions),
		}
	}
	return nil
}

func (v *Validator) checkMargin(in Input, equity, tradeValue decimal.Decimal) *Violation {
	// A non-positive leverage limit would divide by zero; treat it as 1x.
	leverage := in.Limits.MaxLeverage
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	required := tradeValue.Div(leverage)
	reserve := pctOf(equity, in.Limits.MinFreeMarginPct)
	free := in.Portfolio.CashAvailable.Sub(reserve)

	if required.GreaterThan(free) {
		return &Violation{
			Rule: RuleMargin,
			Message: fmt.Sprintf("required margin %s exceeds free margin %s at %sx leverage",
				required, free, leverage),
		}
	}
	return nil
}

func (v *Validator) checkCorrelation(in Input) *Violation {
	if in.Limits.MaxCorrelation <= 0 || len(in.TradeReturns) < 2 {
		return nil
	}
	for _, pos := range in.Portfolio.Positions {
		if pos.Symbol == in.Trade.Symbol {
			continue
		}
		series, ok := in.PositionReturns[pos.Symbol]
		if !ok || len(series) != len(in.TradeReturns) || len(series) < 2 {
			continue
		}
		corr := stat.Correlation(in.TradeReturns, series, nil)
		if corr > in.Limits.MaxCorrelation {
			return &Violation{
				Rule: RuleCorrelation,
				Message: fmt.Sprintf("correlation %.2f with %s exceeds max %.2f",
					corr, pos.Symbol, in.Limits.MaxCorrelation),
			}
		}
	}
	return nil
}

func reducesPosition(in Input) bool {
	for _, pos := range in.Portfolio.Positions {
		if pos.Symbol != in.Trade.Symbol || pos.Quantity.IsZero() {
			continue
		}
		longClose := pos.Quantity.IsPositive() && in.Trade.Side == domain.SideSell
		shortClose := pos.Quantity.IsNegative() && in.Trade.Side == domain.SideBuy
		if (longClose || shortClose) && in.Trade.Quantity.LessThanOrEqual(pos.Quantity.Abs()) {
			return true
		}
	}
	return false
}

func hasPosition(in Input) bool {
	for _, pos := range in.Portfolio.Positions {
		if pos.Symbol == in.Trade.Symbol && !pos.Quantity.IsZero() {
			return true
		}
	}
	return false
}

func markPrice(pos domain.PositionSnapshot, prices map[domain.Symbol]decimal.Decimal) decimal.Decimal {
	if p, ok := prices[pos.Symbol]; ok {
		return p
	}
	return pos.AverageCost
}

func equityOf(pf domain.PortfolioSnapshot, prices map[domain.Symbol]decimal.Decimal) decimal.Decimal {
	total := pf.CashAvailable.Add(pf.CashReserved)
	for _, pos := range pf.Positions {
		total = total.Add(pos.Quantity.Mul(markPrice(pos, prices)))
	}
	return total
}

func pctOf(value, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(pct).Div(decimal.NewFromInt(100))
}
