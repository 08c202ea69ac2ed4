package domain

import "strings"

// Merge combines two lines for the same product. Quantities are summed.
// Price and display metadata come from the more recently added line; on a
// tie the ACCOUNT line wins. Merge(a, b) == Merge(b, a) and repeated merges
// converge regardless of order.
func Merge(a, b CartItem) CartItem {
	src, other := a, b
	if !wins(a, b) {
		src, other = b, a
	}

	out := src
	out.Quantity = a.Quantity + b.Quantity

	// server line ids survive merging with a guest line
	if out.ItemID == "" || (out.Origin != OriginAccount && other.Origin == OriginAccount && other.ItemID != "") {
		if other.ItemID != "" {
			out.ItemID = other.ItemID
		}
	}
	if a.Origin == OriginAccount || b.Origin == OriginAccount {
		out.Origin = OriginAccount
	}
	return out
}

// wins orders lines by add time, then origin, then snapshot contents so the
// choice never depends on argument order.
func wins(a, b CartItem) bool {
	if !a.AddedAt.Equal(b.AddedAt) {
		return a.AddedAt.After(b.AddedAt)
	}
	if a.Origin != b.Origin {
		return a.Origin == OriginAccount
	}
	if c := a.UnitPriceTTC.Cmp(b.UnitPriceTTC); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.ImageURL, b.ImageURL); c != 0 {
		return c < 0
	}
	return a.ItemID >= b.ItemID
}
