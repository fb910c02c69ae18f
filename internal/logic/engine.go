package logic

import (
	"errors"
	"fmt"
)

// ErrInvalidDisplay is returned for a displayed pair no regime accepts, such
// as a live first bus next to an arrived or blank second slot.
var ErrInvalidDisplay = errors.New("invalid displayed countdowns")

// Classify selects the regime for a displayed pair. Exactly one regime
// matches every valid pair; everything else is ErrInvalidDisplay.
func Classify(first, second int) (Regime, error) {
	switch {
	case first == Arrived:
		return RegimeFirstArrived, nil
	case first < 0:
		return "", fmt.Errorf("%w: first=%d", ErrInvalidDisplay, first)
	case second == NoBus:
		return RegimeSingle, nil
	case second > 0:
		return RegimeBoth, nil
	}
	return "", fmt.Errorf("%w: first=%d second=%d", ErrInvalidDisplay, first, second)
}

// Reconcile decides what the notifier shows next. It is a pure function of
// its inputs.
func Reconcile(in Input, th Thresholds) (Decision, error) {
	regime, err := Classify(in.FirstDisplayed, in.SecondDisplayed)
	if err != nil {
		return Decision{}, err
	}

	changed := in.FirstPredicted != in.SavedFirst || in.SecondPredicted != in.SavedSecond

	switch regime {
	case RegimeFirstArrived:
		return reconcileFirstArrived(in, th, changed), nil
	case RegimeSingle:
		return reconcileSingle(in, th, changed), nil
	default:
		return reconcileBoth(in, th, changed), nil
	}
}

// reconcileFirstArrived tracks the second slot once the first bus has come.
func reconcileFirstArrived(in Input, th Thresholds, changed bool) Decision {
	if in.SecondDisplayed < 1 {
		return Decision{Kind: KindAlreadyArrived}
	}

	if !changed {
		remaining := in.SecondDisplayed - in.Elapsed
		if remaining < 1 {
			return Decision{Kind: KindBusArrived}
		}
		return Display(Arrived, remaining)
	}

	if in.FirstPredicted-in.SecondDisplayed >= th.Drift {
		return divergence(in.SecondDisplayed, th)
	}
	return Display(Arrived, in.FirstPredicted).saving(in.FirstPredicted, in.SecondPredicted)
}

// reconcileSingle tracks a lone first bus.
func reconcileSingle(in Input, th Thresholds, changed bool) Decision {
	if !changed {
		remaining := in.FirstDisplayed - in.Elapsed
		if remaining < 1 {
			return Decision{Kind: KindBusArrived}
		}
		return Display(remaining, in.SecondPredicted)
	}

	if in.FirstPredicted-in.FirstDisplayed >= th.Drift {
		return divergence(in.FirstDisplayed, th)
	}
	return Display(in.FirstPredicted, in.SecondPredicted).saving(in.FirstPredicted, in.SecondPredicted)
}

// reconcileBoth tracks two live buses. A changed prediction always becomes
// the new baseline.
func reconcileBoth(in Input, th Thresholds, changed bool) Decision {
	if !changed {
		first := in.FirstDisplayed - in.Elapsed
		second := in.SecondDisplayed - in.Elapsed
		if first < 1 {
			if second < 1 {
				return Decision{Kind: KindBusArrived}
			}
			return Display(Arrived, second)
		}
		return Display(first, second)
	}

	return shiftedOrUpdated(in, th).saving(in.FirstPredicted, in.SecondPredicted)
}

func shiftedOrUpdated(in Input, th Thresholds) Decision {
	// The first bus drifted away: the old second bus is now the first one,
	// unless it drifted too.
	if in.FirstPredicted-in.FirstDisplayed >= th.Drift {
		if in.FirstPredicted-in.SecondDisplayed >= th.Drift {
			return divergence(in.SecondDisplayed, th)
		}
		return Display(Arrived, in.FirstPredicted)
	}

	if in.FirstDisplayed < th.PossibleArrival && firstBusDropped(in, th) {
		return Display(Arrived, in.FirstPredicted)
	}

	return Display(in.FirstPredicted, in.SecondPredicted)
}

// firstBusDropped resolves the imminent-arrival ambiguity: the predictor may
// already have dropped the arriving bus, shifting the old second bus into
// the first slot. The checks run in this order and the first match wins.
func firstBusDropped(in Input, th Thresholds) bool {
	toFirst := abs(in.FirstPredicted - in.FirstDisplayed)
	toSecond := abs(in.FirstPredicted - in.SecondDisplayed)

	// A new bus appeared behind, and the first prediction is the old second bus.
	if in.SecondPredicted-in.SecondDisplayed >= th.Drift && toSecond < th.Drift {
		return true
	}

	// The first prediction jumped up and now sits nearer the old second bus.
	if in.FirstPredicted-in.FirstDisplayed >= th.PossibleArrival && toSecond < toFirst {
		return true
	}

	return false
}

// divergence classifies an implausible jump using the countdown it diverged from.
func divergence(displayed int, th Thresholds) Decision {
	if displayed < th.PossibleArrival {
		return Decision{Kind: KindAlreadyArrived}
	}
	return Decision{Kind: KindBusMissing}
}

// SuppressFailure applies the one-glitch rule to a prediction failure. The
// first consecutive failure is counted and suppressed, later ones surface.
func SuppressFailure(errorCount int) (suppress bool, next int) {
	return errorCount == 0, errorCount + 1
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
