package primitives

// UsdCents is an unsigned amount of US-cent-denominated money. Division by
// 100 is the exact decimal-dollar projection used for display only; all
// arithmetic in the kernel stays in cents.
type UsdCents uint64

// Satoshis is an unsigned amount of BTC-denominated money, 10^8 to the BTC.
type Satoshis uint64

// SignedUsdCents and SignedSatoshis back net/delta computations (e.g. a
// reversing entry, or CVL deltas) where a negative value is meaningful.
type SignedUsdCents int64
type SignedSatoshis int64

const satsPerBtc = 100_000_000

// PriceOfOneBTC is the USD-cent price of one whole bitcoin.
type PriceOfOneBTC struct {
	UsdCents UsdCents
}

// CentsToSats converts a cent amount to satoshis at this price, rounding up
// (toward the debtor) per spec.md §3.
func (p PriceOfOneBTC) CentsToSats(cents UsdCents) Satoshis {
	if p.UsdCents == 0 {
		return 0
	}
	num := uint64(cents) * satsPerBtc
	den := uint64(p.UsdCents)
	sats := num / den
	if num%den != 0 {
		sats++
	}
	return Satoshis(sats)
}

// SatsToCents converts a satoshi amount to cents at this price, rounding down
// (toward the creditor) per spec.md §3.
func (p PriceOfOneBTC) SatsToCents(sats Satoshis) UsdCents {
	num := uint64(sats) * uint64(p.UsdCents)
	return UsdCents(num / satsPerBtc)
}

// AsDecimalUSD is the exact decimal-dollar projection, used for display only.
func (c UsdCents) AsDecimalUSD() float64 {
	return float64(c) / 100
}

// AsDecimalBTC is the exact decimal-BTC projection, used for display only.
func (s Satoshis) AsDecimalBTC() float64 {
	return float64(s) / satsPerBtc
}

// CvlPercent returns the collateral-to-value ratio, in percent, of collateral
// sats valued at price against an outstanding cent amount. Per spec.md §4.8:
// CVL = (collateral_sats * price_cents_per_btc / 10^8) * 100 / outstanding_cents.
//
// Returns false when outstanding is zero: CVL is undefined against zero debt,
// not infinite, per the invariant-breach row in spec.md §7.
func CvlPercent(collateral Satoshis, price PriceOfOneBTC, outstanding UsdCents) (float64, bool) {
	if outstanding == 0 {
		return 0, false
	}
	collateralValueCents := float64(collateral) * float64(price.UsdCents) / satsPerBtc
	return collateralValueCents * 100 / float64(outstanding), true
}
