// Package indicators holds the pure technical-analysis math used by the
// signal pipeline. Every function is deterministic and reports ok=false when
// the input is too short instead of returning a placeholder value.
package indicators

import "math"

// EMA returns the exponential moving average series of values with span
// smoothing alpha = 2/(period+1), seeded with the first value.
func EMA(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	alpha := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// TEMA returns the last triple exponential moving average value:
// 3*(EMA1 - EMA2) + EMA3.
func TEMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	e1 := EMA(closes, period)
	e2 := EMA(e1, period)
	e3 := EMA(e2, period)
	last := len(closes) - 1
	return 3*(e1[last]-e2[last]) + e3[last], true
}

// ADX returns the last Average Directional Index value. Directional movement
// and true range are averaged with a simple rolling mean over period, and ADX
// is the rolling mean of DX over the last period bars. At least 2*period bars
// are required.
func ADX(high, low, closes []float64, period int) (float64, bool) {
	n := len(closes)
	if period <= 0 || len(high) != n || len(low) != n || n < 2*period {
		return 0, false
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i], math.Max(math.Abs(high[i]-closes[i-1]), math.Abs(low[i]-closes[i-1])))
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// DM is undefined on bar 0, so the first complete window ends at bar period.
	dx := make([]float64, 0, n-period)
	for i := period; i < n; i++ {
		atr := mean(tr[i-period+1 : i+1])
		if atr == 0 {
			dx = append(dx, 0)
			continue
		}
		plusDI := 100 * mean(plusDM[i-period+1:i+1]) / atr
		minusDI := 100 * mean(minusDM[i-period+1:i+1]) / atr
		sum := plusDI + minusDI
		if sum == 0 {
			dx = append(dx, 0)
			continue
		}
		dx = append(dx, math.Abs(plusDI-minusDI)/sum*100)
	}
	if len(dx) < period {
		return 0, false
	}
	return mean(dx[len(dx)-period:]), true
}

// CMO returns the Chande Momentum Oscillator over the last period close
// differences. A flat window yields 0.
func CMO(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}
	var up, down float64
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			up += d
		} else {
			down -= d
		}
	}
	if up+down == 0 {
		return 0, true
	}
	return 100 * (up - down) / (up + down), true
}

// EMASlope fits an ordinary least squares line to the last slopePeriod points
// of EMA(window) against their index and returns the slope.
func EMASlope(closes []float64, window, slopePeriod int) (float64, bool) {
	if window <= 0 || slopePeriod < 2 || len(closes) < window+slopePeriod {
		return 0, false
	}
	ema := EMA(closes, window)
	ys := ema[len(ema)-slopePeriod:]

	n := float64(slopePeriod)
	xMean := (n - 1) / 2
	yMean := mean(ys)
	var num, den float64
	for i, y := range ys {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	return num / den, true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
