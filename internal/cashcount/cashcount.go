// Package cashcount turns bill and coin counts into a cash total. Opening and
// closing counts both go through Collapse and Total.
package cashcount

import (
	"cmp"
	"math"
	"slices"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/domain"
)

// Count maps each denomination to how many units were counted.
type Count map[domain.Denomination]int

// Collapse validates entries and merges repeated (kind, face value) pairs by
// summing their counts.
func Collapse(entries []domain.DenominationCount) (Count, error) {
	count := make(Count, len(entries))
	for _, entry := range entries {
		if entry.Kind != domain.DenominationBill && entry.Kind != domain.DenominationCoin {
			return nil, apperror.NewInvalidInput("denomination kind must be bill or coin").
				WithDetail("kind", entry.Kind)
		}
		if entry.FaceValue <= 0 {
			return nil, apperror.NewInvalidInput("face value must be positive").
				WithDetail("face_value", entry.FaceValue)
		}
		if entry.Count < 0 {
			return nil, apperror.NewInvalidInput("denomination count must not be negative").
				WithDetail("face_value", entry.FaceValue).
				WithDetail("count", entry.Count)
		}
		key := domain.Denomination{Kind: entry.Kind, FaceValue: entry.FaceValue}
		count[key] += entry.Count
	}
	return count, nil
}

// Total returns the sum of face value times count.
func Total(count Count) (domain.Money, error) {
	var total domain.Money
	for key, n := range count {
		if n < 0 {
			return 0, apperror.NewInvalidInput("denomination count must not be negative").
				WithDetail("face_value", key.FaceValue)
		}
		if key.FaceValue <= 0 {
			return 0, apperror.NewInvalidInput("face value must be positive")
		}
		if n > 0 && key.FaceValue > domain.Money(math.MaxInt64)/domain.Money(n) {
			return 0, apperror.NewInvalidInput("cash count overflows")
		}
		line := key.FaceValue * domain.Money(n)
		if total > domain.Money(math.MaxInt64)-line {
			return 0, apperror.NewInvalidInput("cash count overflows")
		}
		total += line
	}
	return total, nil
}

// Sum collapses entries and totals them in one call.
func Sum(entries []domain.DenominationCount) (Count, domain.Money, error) {
	count, err := Collapse(entries)
	if err != nil {
		return nil, 0, err
	}
	total, err := Total(count)
	if err != nil {
		return nil, 0, err
	}
	return count, total, nil
}

// Rows lists the count in a stable order: bills before coins, larger face
// values first.
func Rows(count Count) []domain.DenominationCount {
	rows := make([]domain.DenominationCount, 0, len(count))
	for key, n := range count {
		rows = append(rows, domain.DenominationCount{Kind: key.Kind, FaceValue: key.FaceValue, Count: n})
	}
	slices.SortFunc(rows, func(a, b domain.DenominationCount) int {
		if a.Kind != b.Kind {
			if a.Kind == domain.DenominationBill {
				return -1
			}
			return 1
		}
		return cmp.Compare(b.FaceValue, a.FaceValue)
	})
	return rows
}
