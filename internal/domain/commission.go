package domain

// CommissionRateBps is the platform's cut of each order line's gross
// revenue, in basis points.
const CommissionRateBps = 1000

// SplitCommission divides a line's gross amount (minor units) between the
// platform and the seller. The commission is rounded half-up once; the
// seller's share is the remainder, so the two always sum to gross exactly.
// The split is applied per line and never re-rounded at order level.
func SplitCommission(gross int64) (platformCommission, sellerEarning int64) {
	if gross <= 0 {
		return 0, gross
	}
	platformCommission = (gross*CommissionRateBps + 5000) / 10000
	return platformCommission, gross - platformCommission
}
