package service

import (
	"fmt"
	"sort"

	"checkout-service/internal/models"

	"github.com/samber/lo"
)

// sequentialGroupMembers returns the ids of every ticket type sharing a
// sequential release group with one of cartIDs.
func sequentialGroupMembers(groups []models.ReleaseGroup, cartIDs []string) []string {
	var members []string
	for _, g := range groups {
		if g.Mode != models.ReleaseModeSequential {
			continue
		}
		if !lo.Some(g.TicketTypeIDs, cartIDs) {
			continue
		}
		members = append(members, g.TicketTypeIDs...)
	}
	return lo.Uniq(members)
}

// checkRelease rejects a cart line whose ticket type sits behind an earlier,
// unsold tier of a sequential group. Tiers are ordered by sort_order; an
// inactive earlier tier does not hold the next one back.
func checkRelease(groups []models.ReleaseGroup, lines []models.CartLine, known map[string]models.TicketType) *CheckoutError {
	for _, g := range groups {
		if g.Mode != models.ReleaseModeSequential {
			continue
		}

		tiers := make([]models.TicketType, 0, len(g.TicketTypeIDs))
		for _, id := range g.TicketTypeIDs {
			if tt, ok := known[id]; ok {
				tiers = append(tiers, tt)
			}
		}
		sort.SliceStable(tiers, func(i, j int) bool {
			return tiers[i].SortOrder < tiers[j].SortOrder
		})

		for _, line := range lines {
			pos := lo.IndexOf(lo.Map(tiers, func(t models.TicketType, _ int) string { return t.ID }), line.TicketTypeID)
			if pos <= 0 {
				continue
			}
			for _, earlier := range tiers[:pos] {
				if earlier.Status != models.StatusActive {
					continue
				}
				if !earlier.SoldOut() {
					return validationError(CodeNotReleased,
						fmt.Sprintf("%s is not on sale yet", tiers[pos].Name))
				}
			}
		}
	}
	return nil
}
