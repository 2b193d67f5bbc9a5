package points

import "time"

const (
	operationBuy            = "buy"
	operationGift           = "gift"
	operationCloseSession   = "close_session"
	operationAutoExit       = "auto_exit"
	operationMaturePending  = "mature_pending"
	operationMatureExceeded = "mature_exceeded"
	operationCloseMonth     = "close_month"
	operationProcessPayout  = "process_payout"
	operationApprovePayout  = "approve_payout"
	operationRejectPayout   = "reject_payout"
	operationCancelPayout   = "cancel_payout"
	operationRetryPayout    = "retry_payout"
	operationMarkPaid       = "mark_paid"
	operationQuarterReset   = "quarter_reset"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// Session pricing.
	basePointsPerHour      = 1000
	overtimePointsPerMin   = 20
	pendingWaitWindow      = 48 * time.Hour
	descriptionSessionOver = "session overtime accrual"
	descriptionRefund      = "unused reservation hold"
	descriptionMaturation  = "matured reservation hold"
	descriptionExceeded    = "matured exceeded hold"
	descriptionPayoutDebit = "payout conversion"

	// Grade tier thresholds on lifetime points.
	gradeThresholdSilver   = 50_000
	gradeThresholdGold     = 200_000
	gradeThresholdPlatinum = 500_000
)
