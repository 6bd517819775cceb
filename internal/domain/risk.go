package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// KillSwitchStatus is the emergency-stop state of a risk scope.
type KillSwitchStatus string

const (
	KillSwitchOff   KillSwitchStatus = "OFF"
	KillSwitchArmed KillSwitchStatus = "ARMED" // reduce-only
	KillSwitchOn    KillSwitchStatus = "ON"
)

// ParseKillSwitchStatus validates a status string.
func ParseKillSwitchStatus(s string) (KillSwitchStatus, error) {
	switch st := KillSwitchStatus(s); st {
	case KillSwitchOff, KillSwitchArmed, KillSwitchOn:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKillSwitch, s)
	}
}

// RiskScope selects which rule or state a risk record applies to.
type RiskScope string

const (
	ScopeGlobal     RiskScope = "GLOBAL"
	ScopePerAccount RiskScope = "PER_ACCOUNT"
	ScopePerSymbol  RiskScope = "PER_SYMBOL"
)

// RiskReason is the machine-readable code attached to a denial or trip.
type RiskReason string

const (
	ReasonNone            RiskReason = ""
	ReasonKillSwitchOn    RiskReason = "KILL_SWITCH_ON"
	ReasonKillSwitchArmed RiskReason = "KILL_SWITCH_ARMED"
	ReasonMaxOpenOrders   RiskReason = "MAX_OPEN_ORDERS"
	ReasonOrderFrequency  RiskReason = "ORDER_FREQUENCY"
	ReasonPositionLimit   RiskReason = "POSITION_LIMIT"
	ReasonNoPrice         RiskReason = "NO_REFERENCE_PRICE"
	ReasonDailyLoss       RiskReason = "DAILY_LOSS_LIMIT"
	ReasonFailureStreak   RiskReason = "CONSECUTIVE_FAILURES"
)

// RiskRule holds thresholds for a scope. Nil or invalid fields defer to a less specific rule.
// A PER_SYMBOL rule with an AccountID applies to that account only.
type RiskRule struct {
	ID                     int64
	Scope                  RiskScope
	AccountID              string
	Symbol                 string
	MaxPositionValue       decimal.NullDecimal
	MaxOpenOrders          *int
	MaxOrdersPerMinute     *int
	DailyLossLimit         decimal.NullDecimal
	MaxConsecutiveFailures *int
}

// RiskLimits is the effective set of thresholds after precedence is applied.
type RiskLimits struct {
	MaxPositionValue       decimal.NullDecimal
	MaxOpenOrders          *int
	MaxOrdersPerMinute     *int
	DailyLossLimit         decimal.NullDecimal
	MaxConsecutiveFailures *int
}

func (r RiskRule) specificity(accountID, symbol string) int {
	switch r.Scope {
	case ScopePerSymbol:
		if r.Symbol != symbol || symbol == "" {
			return -1
		}
		if r.AccountID == "" {
			return 2
		}
		if r.AccountID == accountID {
			return 3
		}
		return -1
	case ScopePerAccount:
		if r.AccountID == accountID {
			return 1
		}
		return -1
	case ScopeGlobal:
		return 0
	default:
		return -1
	}
}

// ResolveLimits merges rules field by field, most specific non-null value first:
// symbol+account, symbol, account, global. Pass an empty symbol to resolve account-level limits.
func ResolveLimits(rules []RiskRule, accountID, symbol string) RiskLimits {
	var (
		limits RiskLimits
		best   [5]int
	)
	for i := range best {
		best[i] = -1
	}
	for _, r := range rules {
		s := r.specificity(accountID, symbol)
		if s < 0 {
			continue
		}
		if r.MaxPositionValue.Valid && s > best[0] {
			limits.MaxPositionValue, best[0] = r.MaxPositionValue, s
		}
		if r.MaxOpenOrders != nil && s > best[1] {
			limits.MaxOpenOrders, best[1] = r.MaxOpenOrders, s
		}
		if r.MaxOrdersPerMinute != nil && s > best[2] {
			limits.MaxOrdersPerMinute, best[2] = r.MaxOrdersPerMinute, s
		}
		if r.DailyLossLimit.Valid && s > best[3] {
			limits.DailyLossLimit, best[3] = r.DailyLossLimit, s
		}
		if r.MaxConsecutiveFailures != nil && s > best[4] {
			limits.MaxConsecutiveFailures, best[4] = r.MaxConsecutiveFailures, s
		}
	}
	return limits
}

// TradingDay formats t as the risk trading-day key (UTC date).
func TradingDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RiskState is the mutable risk bookkeeping for a (scope, account) key.
// The global state uses ScopeGlobal with an empty AccountID.
type RiskState struct {
	Scope               RiskScope
	AccountID           string
	TradingDay          string
	DailyPnL            decimal.Decimal
	Exposure            decimal.Decimal
	ConsecutiveFailures int
	OpenOrders          int
	OrderTimestamps     []time.Time
	KillSwitch          KillSwitchStatus
	KillSwitchReason    string
	UpdatedAt           time.Time
}

// NewRiskState returns a fresh state with the switch OFF.
func NewRiskState(scope RiskScope, accountID string, now time.Time) *RiskState {
	return &RiskState{
		Scope:      scope,
		AccountID:  accountID,
		TradingDay: TradingDay(now),
		KillSwitch: KillSwitchOff,
		UpdatedAt:  now,
	}
}

// ResetDaily zeroes the daily counters for day. The kill switch is left as is.
func (s *RiskState) ResetDaily(day string) {
	s.TradingDay = day
	s.DailyPnL = decimal.Zero
	s.ConsecutiveFailures = 0
	s.OrderTimestamps = nil
}

// RollIfStale resets the daily counters when the state belongs to an earlier day.
func (s *RiskState) RollIfStale(now time.Time) bool {
	day := TradingDay(now)
	if s.TradingDay == day {
		return false
	}
	s.ResetDaily(day)
	return true
}

// PruneTimestamps drops order timestamps older than window.
func (s *RiskState) PruneTimestamps(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := s.OrderTimestamps[:0]
	for _, ts := range s.OrderTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.OrderTimestamps = kept
}

// Decision is the result of a pre-trade evaluation.
type Decision struct {
	Approved bool
	Reason   RiskReason
	Message  string
}

// Approve returns an approving decision.
func Approve() Decision {
	return Decision{Approved: true}
}

// Deny returns a denying decision with a formatted message.
func Deny(reason RiskReason, format string, args ...interface{}) Decision {
	return Decision{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
