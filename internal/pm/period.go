package pm

import (
	"errors"
	"fmt"
	"time"

	"maintflow/internal/maintenance"
)

var ErrInvalidFrequency = errors.New("无效的 PM 频率")

// AddPeriod 返回 t 之后一个周期的时间点
// 按月计算时日期超出目标月天数则取该月最后一天（1 月 31 日 + 1 月 = 2 月末）
func AddPeriod(t time.Time, f maintenance.Frequency) (time.Time, error) {
	switch f {
	case maintenance.FrequencyDaily:
		return t.AddDate(0, 0, 1), nil
	case maintenance.FrequencyWeekly:
		return t.AddDate(0, 0, 7), nil
	case maintenance.FrequencyMonthly:
		return addMonths(t, 1), nil
	case maintenance.FrequencyQuarterly:
		return addMonths(t, 3), nil
	case maintenance.FrequencyAnnually:
		return addMonths(t, 12), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, f)
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
