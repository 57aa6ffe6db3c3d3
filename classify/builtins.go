package classify

import (
	"errors"

	"github.com/gaborage/go-reqlog/exchange"
)

// IgnoreErrors returns an ErrorClassifier that treats errors matching any of
// targets (via errors.Is) as benign and every other error as a failure.
func IgnoreErrors(targets ...error) ErrorClassifier {
	targets = append([]error(nil), targets...)
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return false
			}
		}
		return true
	}
}

// MatchErrors returns an ErrorClassifier that treats only errors matching
// one of targets as failures.
func MatchErrors(targets ...error) ErrorClassifier {
	targets = append([]error(nil), targets...)
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

// FailOnStatus returns a ResponseClassifier that fails only on the listed
// status codes. A missing status is always a failure.
func FailOnStatus(codes ...int) ResponseClassifier {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(ex exchange.Exchange) bool {
		st := ex.ResponseStatus()
		if st == nil {
			return true
		}
		_, bad := set[*st]
		return bad
	}
}

// FailOnServerError fails on a missing status and on 5xx responses, letting
// client errors through.
func FailOnServerError(ex exchange.Exchange) bool {
	st := ex.ResponseStatus()
	return st == nil || *st >= 500
}

// NeverFail is a ResponseClassifier that accepts every response.
func NeverFail(exchange.Exchange) bool { return false }
