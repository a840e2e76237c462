package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stewardai/governor/internal/models"
	"github.com/stewardai/governor/internal/store"
)

const casAttempts = 5

// ExceededError signals that a debit would breach a hard ceiling. No state
// is mutated when it is returned.
type ExceededError struct {
	Period    string
	SpendUsd  float64
	AmountUsd float64
	LimitUsd  float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s spend %.4f + %.4f > limit %.4f",
		e.Period, e.SpendUsd, e.AmountUsd, e.LimitUsd)
}

// Ledger enforces daily and monthly spend ceilings with version-guarded
// writes against the singleton budget record.
type Ledger struct {
	store           store.Store
	dailyLimitUsd   float64
	monthlyLimitUsd float64
	now             func() time.Time
}

func New(st store.Store, dailyLimitUsd, monthlyLimitUsd float64) *Ledger {
	return &Ledger{
		store:           st,
		dailyLimitUsd:   dailyLimitUsd,
		monthlyLimitUsd: monthlyLimitUsd,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the ledger's time source. Tests use it to exercise
// period rollover.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func periodKeys(now time.Time) (date, month string) {
	return now.Format("2006-01-02"), now.Format("2006-01")
}

// RecordSpend debits amountUsd against both periods. Under N concurrent
// calls whose sum would breach a ceiling, exactly the calls that fit succeed;
// the conditional write is what prevents two readers from both seeing
// headroom and both committing.
func (l *Ledger) RecordSpend(ctx context.Context, amountUsd float64) (models.BudgetStatus, error) {
	if amountUsd < 0 {
		return models.BudgetStatus{}, fmt.Errorf("spend amount must be non-negative, got %.4f", amountUsd)
	}

	nowDate, nowMonth := periodKeys(l.now())
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, expectedVersion, err := l.read(ctx)
		if err != nil {
			return models.BudgetStatus{}, err
		}

		rec = rollover(rec, nowDate, nowMonth)

		dailyCandidate := rec.DailySpendUsd + amountUsd
		if l.dailyLimitUsd > 0 && dailyCandidate > l.dailyLimitUsd {
			return models.BudgetStatus{}, &ExceededError{Period: "daily", SpendUsd: rec.DailySpendUsd, AmountUsd: amountUsd, LimitUsd: l.dailyLimitUsd}
		}
		monthlyCandidate := rec.MonthlySpendUsd + amountUsd
		if l.monthlyLimitUsd > 0 && monthlyCandidate > l.monthlyLimitUsd {
			return models.BudgetStatus{}, &ExceededError{Period: "monthly", SpendUsd: rec.MonthlySpendUsd, AmountUsd: amountUsd, LimitUsd: l.monthlyLimitUsd}
		}

		rec.DailySpendUsd = dailyCandidate
		rec.MonthlySpendUsd = monthlyCandidate

		out, err := l.store.CompareAndSwapBudget(ctx, rec, expectedVersion)
		if err == nil {
			return l.status(out), nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.BudgetStatus{}, fmt.Errorf("write budget record: %w", err)
		}
	}
	return models.BudgetStatus{}, fmt.Errorf("record spend: contention exceeded %d attempts", casAttempts)
}

// Status returns the current budget view. A stale stored period is rolled
// over and written back before reporting.
func (l *Ledger) Status(ctx context.Context) (models.BudgetStatus, error) {
	nowDate, nowMonth := periodKeys(l.now())
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, expectedVersion, err := l.read(ctx)
		if err != nil {
			return models.BudgetStatus{}, err
		}
		if rec.PeriodDate == nowDate && rec.PeriodMonth == nowMonth {
			return l.status(rec), nil
		}
		rec = rollover(rec, nowDate, nowMonth)
		out, err := l.store.CompareAndSwapBudget(ctx, rec, expectedVersion)
		if err == nil {
			return l.status(out), nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.BudgetStatus{}, fmt.Errorf("write budget record: %w", err)
		}
	}
	return models.BudgetStatus{}, fmt.Errorf("budget status: contention exceeded %d attempts", casAttempts)
}

func (l *Ledger) read(ctx context.Context) (models.BudgetRecord, int64, error) {
	rec, err := l.store.GetBudgetRecord(ctx)
	if err == nil {
		return rec, rec.Version, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		nowDate, nowMonth := periodKeys(l.now())
		return models.BudgetRecord{PeriodDate: nowDate, PeriodMonth: nowMonth}, 0, nil
	}
	return models.BudgetRecord{}, 0, fmt.Errorf("read budget record: %w", err)
}

// rollover zeroes any spend whose stored period key no longer matches the
// current period. It happens inside the same conditional write as the debit,
// never as a separate maintenance pass.
func rollover(rec models.BudgetRecord, nowDate, nowMonth string) models.BudgetRecord {
	if rec.PeriodDate != nowDate {
		rec.DailySpendUsd = 0
		rec.PeriodDate = nowDate
	}
	if rec.PeriodMonth != nowMonth {
		rec.MonthlySpendUsd = 0
		rec.PeriodMonth = nowMonth
	}
	return rec
}

func (l *Ledger) status(rec models.BudgetRecord) models.BudgetStatus {
	return models.BudgetStatus{
		DailySpendUsd:   rec.DailySpendUsd,
		DailyLimitUsd:   l.dailyLimitUsd,
		MonthlySpendUsd: rec.MonthlySpendUsd,
		MonthlyLimitUsd: l.monthlyLimitUsd,
		DegradationTier: degradationTier(rec, l.dailyLimitUsd, l.monthlyLimitUsd),
		PeriodDate:      rec.PeriodDate,
		PeriodMonth:     rec.PeriodMonth,
	}
}

// degradationTier maps the worse of the two utilization ratios to a tier:
// 0 below 50%, then 1, 2 at 75%, 3 at 90%.
func degradationTier(rec models.BudgetRecord, dailyLimit, monthlyLimit float64) int {
	ratio := 0.0
	if dailyLimit > 0 {
		ratio = rec.DailySpendUsd / dailyLimit
	}
	if monthlyLimit > 0 {
		if r := rec.MonthlySpendUsd / monthlyLimit; r > ratio {
			ratio = r
		}
	}
	switch {
	case ratio >= 0.90:
		return 3
	case ratio >= 0.75:
		return 2
	case ratio >= 0.50:
		return 1
	default:
		return 0
	}
}
