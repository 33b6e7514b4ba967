package models

// Trigger 需要策略响应的异步事件
type Trigger string

const (
	TriggerPulse                Trigger = "PULSE"
	TriggerPeriodicCheck        Trigger = "PERIODIC_CHECK"
	TriggerNoOpenPosition       Trigger = "NO_OPEN_POSITION"
	TriggerOpenPositionStartup  Trigger = "OPEN_POSITION_ON_STARTUP"
	TriggerNoPositionStartup    Trigger = "NO_POSITION_ON_STARTUP"
	TriggerPositionChange       Trigger = "POSITION_CHANGE_DETECTED"
	TriggerInitialEntryFilled   Trigger = "INITIAL_ENTRY_FILLED"
	TriggerDCAOrderFilled       Trigger = "DCA_ORDER_FILLED"
	TriggerEntryFilled          Trigger = "ENTRY_FILLED"
	TriggerTPOrderFilled        Trigger = "TP_ORDER_FILLED"
	TriggerReduceFilled         Trigger = "REDUCE_FILLED"
	TriggerPositionReduced      Trigger = "POSITION_REDUCED"
	TriggerStoplossFilled       Trigger = "STOPLOSS_FILLED"
	TriggerTPRefillFilled       Trigger = "TP_REFILL_FILLED"
	TriggerOrderCancelled       Trigger = "ORDER_CANCELLED"
	TriggerWalletChanged        Trigger = "WALLET_CHANGED"
	TriggerWiggleIncreaseFilled Trigger = "WIGGLE_INCREASE_FILLED"
	TriggerWiggleDecreaseFilled Trigger = "WIGGLE_DECREASE_FILLED"
	TriggerModeChanged          Trigger = "MODE_CHANGED"
	TriggerOrderbookUpdated     Trigger = "ORDERBOOK_UPDATED"
	TriggerManualPlaceGrid      Trigger = "MANUAL_PLACE_GRID"
	TriggerManualRemoveGrid     Trigger = "MANUAL_REMOVE_GRID"
	TriggerNewData              Trigger = "NEW_DATA"
	TriggerUnknownOrderFilled   Trigger = "UNKNOWN_ORDER_FILLED"
	TriggerShutdown             Trigger = "SHUTDOWN"
	TriggerStrategyActivated    Trigger = "STRATEGY_ACTIVATED"
	TriggerPositionClosed       Trigger = "POSITION_CLOSED"
)

// FillTrigger maps the purpose of a filled order to the trigger it raises.
func FillTrigger(purpose OrderPurpose) Trigger {
	switch purpose {
	case PurposeInitialEntry:
		return TriggerInitialEntryFilled
	case PurposeDCA:
		return TriggerDCAOrderFilled
	case PurposeTP:
		return TriggerTPOrderFilled
	case PurposeStoploss:
		return TriggerStoplossFilled
	case PurposeTPRefill:
		return TriggerTPRefillFilled
	case PurposeManual:
		return TriggerEntryFilled
	}
	return TriggerUnknownOrderFilled
}

// Trigger returns the *_FILLED trigger for the fill. Wiggle fills are an
// increase when they trade on the position's entry side.
func (f Fill) Trigger() Trigger {
	if f.Purpose == PurposeWiggle {
		if f.Side == f.PositionSide.EntrySide() {
			return TriggerWiggleIncreaseFilled
		}
		return TriggerWiggleDecreaseFilled
	}
	return FillTrigger(f.Purpose)
}
