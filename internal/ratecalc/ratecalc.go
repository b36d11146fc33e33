// Package ratecalc computes the daily cost of a provider's offers.
package ratecalc

import "github.com/iurnickita/offerbilling/internal/model"

// Line is the daily cost of a single offer.
type Line struct {
	Offer string
	Base  int64
	Flash int64
}

func (l Line) Total() int64 {
	return l.Base + l.Flash
}

// ComputeDailyCharge returns the total daily charge for one provider's offers.
// Only active offers are billed; the input is not modified.
func ComputeDailyCharge(offers []model.Offer, rates model.BillingRate) int64 {
	var total int64
	for _, line := range Breakdown(offers, rates) {
		total += line.Total()
	}
	return total
}

// Breakdown returns the billed lines for the active offers, in input order.
func Breakdown(offers []model.Offer, rates model.BillingRate) []Line {
	var lines []Line
	for _, offer := range offers {
		if offer.Status != model.OfferStatusActive {
			continue
		}
		line := Line{Offer: offer.ID, Base: rates.Standard}
		if offer.IsVIP {
			line.Base = rates.VIP
		}
		if offer.HasFlashOffer {
			line.Flash = rates.Flash
		}
		lines = append(lines, line)
	}
	return lines
}
