package ports

import "tradeEngine/internal/domain"

// Metrics receives engine counters and gauges.
type Metrics interface {
	OrderStatus(status domain.OrderStatus)
	RiskDenied(reason domain.RiskReason)
	FillApplied(symbol string, duplicate bool)
	OutboxPublished()
	OutboxFailed()
	OutboxDeadLettered()
	OutboxPending(n int)
	StreamState(state string)
	StreamReconnect()
	KillSwitch(scope domain.RiskScope, accountID string, status domain.KillSwitchStatus)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) OrderStatus(domain.OrderStatus)                               {}
func (NopMetrics) RiskDenied(domain.RiskReason)                                 {}
func (NopMetrics) FillApplied(string, bool)                                     {}
func (NopMetrics) OutboxPublished()                                             {}
func (NopMetrics) OutboxFailed()                                                {}
func (NopMetrics) OutboxDeadLettered()                                          {}
func (NopMetrics) OutboxPending(int)                                            {}
func (NopMetrics) StreamState(string)                                           {}
func (NopMetrics) StreamReconnect()                                             {}
func (NopMetrics) KillSwitch(domain.RiskScope, string, domain.KillSwitchStatus) {}
