package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

// ErrMalformedHistory is returned when a history row cannot be replayed
var ErrMalformedHistory = errors.New("malformed history")

// Row is one resampled step of the recorded water quality. NaN marks a gap.
type Row struct {
	At        time.Time
	Oxygen    float64
	Turbidity float64
	PH        float64
}

// History is the fixed-step replay input of the fitness function
type History struct {
	Step time.Duration
	Rows []Row
}

// Hours returns the replayed duration in hours
func (h History) Hours() float64 {
	return float64(len(h.Rows)) * h.Step.Hours()
}

// Validate checks that rows are strictly increasing and hold no infinities
func (h History) Validate() error {
	if h.Step <= 0 {
		return fmt.Errorf("%w: non-positive step", ErrMalformedHistory)
	}
	for i, r := range h.Rows {
		if i > 0 && !r.At.After(h.Rows[i-1].At) {
			return fmt.Errorf("%w: row %d at %s is not after %s", ErrMalformedHistory, i, r.At, h.Rows[i-1].At)
		}
		for _, v := range [...]float64{r.Oxygen, r.Turbidity, r.PH} {
			if math.IsInf(v, 0) {
				return fmt.Errorf("%w: row %d holds an infinite value", ErrMalformedHistory, i)
			}
		}
	}
	return nil
}

// LoadHistory resamples the valid readings of [from, to) onto a fixed step.
// Each row holds the last valid value at or before its time, as long as that
// value is no older than hold; otherwise the row is a gap.
func LoadHistory(ctx context.Context, ts store.TimeSeriesStore, from, to time.Time, step, hold time.Duration) (History, error) {
	if step <= 0 || !to.After(from) {
		return History{Step: step}, nil
	}

	n := int(to.Sub(from) / step)
	rows := make([]Row, n)
	for k := range rows {
		rows[k] = Row{At: from.Add(time.Duration(k) * step), Oxygen: math.NaN(), Turbidity: math.NaN(), PH: math.NaN()}
	}

	fill := func(ch models.Channel, set func(*Row, float64)) error {
		seq, err := ts.Query(ctx, ch, from, to)
		if err != nil {
			return fmt.Errorf("load %s history: %w", ch, err)
		}

		k := 0
		var last *models.Reading
		for r, err := range seq {
			if err != nil {
				return fmt.Errorf("load %s history: %w", ch, err)
			}
			if !r.IsValid() {
				continue
			}
			for k < n && rows[k].At.Before(r.Timestamp) {
				holdValue(&rows[k], last, hold, set)
				k++
			}
			reading := r
			last = &reading
		}
		for ; k < n; k++ {
			holdValue(&rows[k], last, hold, set)
		}
		return ctx.Err()
	}

	if err := fill(models.ChannelDissolvedOxygen, func(r *Row, v float64) { r.Oxygen = v }); err != nil {
		return History{}, err
	}
	if err := fill(models.ChannelTurbidity, func(r *Row, v float64) { r.Turbidity = v }); err != nil {
		return History{}, err
	}
	if err := fill(models.ChannelPH, func(r *Row, v float64) { r.PH = v }); err != nil {
		return History{}, err
	}

	return History{Step: step, Rows: rows}, nil
}

func holdValue(row *Row, last *models.Reading, hold time.Duration, set func(*Row, float64)) {
	if last == nil || row.At.Sub(last.Timestamp) > hold {
		return
	}
	set(row, last.Value)
}
