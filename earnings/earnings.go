// Package earnings aggregates settled escrow records into the income and
// spending reports: three categories (income, refund, pending) at three
// granularities (daily, monthly, total), bucketed in the caller's time zone.
package earnings

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"escrowd/faults"
	"escrowd/lifecycle"
	"escrowd/models"
	"escrowd/store"
)

// Query bounds one aggregation run. Start and End are inclusive pay-by-time
// bounds; zero values widen to the whole history.
type Query struct {
	Network         models.Network
	AgentIdentifier *string
	StartMillis     int64
	EndMillis       int64
	TimeZone        string
}

// UnitTotal is one summed (unit, amount) pair. The empty unit is lovelace.
type UnitTotal struct {
	Unit   string `json:"unit"`
	Amount string `json:"amount"`
}

// Bucket is one day or month of settled funds.
type Bucket struct {
	Date           string      `json:"date"`
	Units          []UnitTotal `json:"units"`
	BlockchainFees string      `json:"blockchainFees"`
}

// Total is the all-time sum of a category.
type Total struct {
	Units          []UnitTotal `json:"units"`
	BlockchainFees string      `json:"blockchainFees"`
}

// Category is one of income, refund or pending at all three granularities.
type Category struct {
	Daily   []Bucket `json:"daily"`
	Monthly []Bucket `json:"monthly"`
	Total   Total    `json:"total"`
}

// Report is the full aggregation result.
type Report struct {
	Income  Category `json:"income"`
	Refund  Category `json:"refund"`
	Pending Category `json:"pending"`
}

// entry is the side-neutral view of one settled record.
type entry struct {
	payByTime int64
	state     lifecycle.OnChainState
	funds     []models.UnitValue
	fees      string
}

// category names the bucket an entry lands in.
type category int

const (
	catIgnore category = iota
	catIncome
	catRefund
	catPending
	catSplit
)

// classify maps a final on-chain state onto the report category. The split
// case distributes disputed withdrawals across the two ledgers.
func classify(state lifecycle.OnChainState) category {
	switch state {
	case lifecycle.StateWithdrawn:
		return catIncome
	case lifecycle.StateRefundWithdrawn:
		return catRefund
	case lifecycle.StateDisputedWithdrawn:
		return catSplit
	case lifecycle.StateFundsOrDatumInvalid:
		return catIgnore
	}
	return catPending
}

// PaymentIncome builds the seller-side income report.
func PaymentIncome(ctx context.Context, st *store.Store, q Query) (*Report, error) {
	loc, start, end, err := resolveQuery(q)
	if err != nil {
		return nil, err
	}
	payments, err := st.PaymentsForEarnings(ctx, q.Network, start, end)
	if err != nil {
		return nil, fmt.Errorf("earnings: load payments: %w", err)
	}
	entries := make([]entry, 0, len(payments))
	for _, p := range payments {
		if q.AgentIdentifier != nil && p.AgentIdentifier != *q.AgentIdentifier {
			continue
		}
		if p.OnChainState == nil {
			continue
		}
		entries = append(entries, entry{
			payByTime: p.PayByTime,
			state:     *p.OnChainState,
			funds:     p.Funds,
			fees:      p.TotalSellerCardanoFees,
		})
	}
	return aggregate(entries, loc, models.RoleRequestedFunds, models.RoleWithdrawnForSeller, models.RoleWithdrawnForBuyer), nil
}

// PurchaseSpending builds the buyer-side spending report. The income
// category carries what the buyer actually spent; refund what came back.
func PurchaseSpending(ctx context.Context, st *store.Store, q Query) (*Report, error) {
	loc, start, end, err := resolveQuery(q)
	if err != nil {
		return nil, err
	}
	purchases, err := st.PurchasesForSpending(ctx, q.Network, start, end)
	if err != nil {
		return nil, fmt.Errorf("earnings: load purchases: %w", err)
	}
	entries := make([]entry, 0, len(purchases))
	for _, p := range purchases {
		if q.AgentIdentifier != nil && p.AgentIdentifier != *q.AgentIdentifier {
			continue
		}
		if p.OnChainState == nil {
			continue
		}
		entries = append(entries, entry{
			payByTime: p.PayByTime,
			state:     *p.OnChainState,
			funds:     p.Funds,
			fees:      p.TotalBuyerCardanoFees,
		})
	}
	// On the buyer side the split keeps the same ledger mapping: the seller
	// ledger is what the buyer lost, the buyer ledger is what was returned.
	return aggregate(entries, loc, models.RolePaidFunds, models.RoleWithdrawnForSeller, models.RoleWithdrawnForBuyer), nil
}

func resolveQuery(q Query) (*time.Location, int64, int64, error) {
	tz := q.TimeZone
	if tz == "" {
		tz = "Etc/UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, 0, 0, faults.New(faults.InvalidArgument, "unknown time zone %q", tz)
	}
	start := q.StartMillis
	end := q.EndMillis
	if end == 0 {
		end = time.Now().Add(24 * time.Hour).UnixMilli()
	}
	if start > end {
		return nil, 0, 0, faults.New(faults.InvalidArgument, "start date after end date")
	}
	return loc, start, end, nil
}

// accumulator sums unit values and fees per bucket key.
type accumulator struct {
	units map[string]*big.Int
	fees  *big.Int
}

func newAccumulator() *accumulator {
	return &accumulator{units: make(map[string]*big.Int), fees: new(big.Int)}
}

func (a *accumulator) addUnits(values []models.UnitValue, role models.UnitValueRole) {
	for _, v := range values {
		if v.Role != role {
			continue
		}
		sum, ok := a.units[v.Unit]
		if !ok {
			sum = new(big.Int)
			a.units[v.Unit] = sum
		}
		sum.Add(sum, v.AmountInt())
	}
}

func (a *accumulator) addFees(amount string) {
	n, ok := new(big.Int).SetString(amount, 10)
	if ok {
		a.fees.Add(a.fees, n)
	}
}

func (a *accumulator) unitTotals() []UnitTotal {
	keys := make([]string, 0, len(a.units))
	for unit := range a.units {
		keys = append(keys, unit)
	}
	sort.Strings(keys)
	totals := make([]UnitTotal, 0, len(keys))
	for _, unit := range keys {
		totals = append(totals, UnitTotal{Unit: unit, Amount: a.units[unit].String()})
	}
	return totals
}

// categoryAcc tracks one category across the three granularities.
type categoryAcc struct {
	daily   map[string]*accumulator
	monthly map[string]*accumulator
	total   *accumulator
}

func newCategoryAcc() *categoryAcc {
	return &categoryAcc{
		daily:   make(map[string]*accumulator),
		monthly: make(map[string]*accumulator),
		total:   newAccumulator(),
	}
}

func (c *categoryAcc) add(day, month string, funds []models.UnitValue, role models.UnitValueRole, fees string) {
	for _, acc := range []*accumulator{c.bucket(c.daily, day), c.bucket(c.monthly, month), c.total} {
		acc.addUnits(funds, role)
		acc.addFees(fees)
	}
}

func (c *categoryAcc) bucket(buckets map[string]*accumulator, key string) *accumulator {
	acc, ok := buckets[key]
	if !ok {
		acc = newAccumulator()
		buckets[key] = acc
	}
	return acc
}

func (c *categoryAcc) category() Category {
	return Category{
		Daily:   sortedBuckets(c.daily),
		Monthly: sortedBuckets(c.monthly),
		Total:   Total{Units: c.total.unitTotals(), BlockchainFees: c.total.fees.String()},
	}
}

func sortedBuckets(buckets map[string]*accumulator) []Bucket {
	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]Bucket, 0, len(keys))
	for _, key := range keys {
		acc := buckets[key]
		out = append(out, Bucket{
			Date:           key,
			Units:          acc.unitTotals(),
			BlockchainFees: acc.fees.String(),
		})
	}
	return out
}

func aggregate(entries []entry, loc *time.Location, fundsRole, sellerRole, buyerRole models.UnitValueRole) *Report {
	income := newCategoryAcc()
	refund := newCategoryAcc()
	pending := newCategoryAcc()

	for _, e := range entries {
		when := time.UnixMilli(e.payByTime).In(loc)
		day := when.Format("2006-01-02")
		month := when.Format("2006-01")

		switch classify(e.state) {
		case catIncome:
			income.add(day, month, e.funds, fundsRole, e.fees)
		case catRefund:
			refund.add(day, month, e.funds, fundsRole, e.fees)
		case catPending:
			pending.add(day, month, e.funds, fundsRole, "0")
		case catSplit:
			// The withdrawal ledgers carry the actual on-chain split; fees
			// attach to the income share.
			income.add(day, month, e.funds, sellerRole, e.fees)
			refund.add(day, month, e.funds, buyerRole, "0")
		}
	}

	return &Report{
		Income:  income.category(),
		Refund:  refund.category(),
		Pending: pending.category(),
	}
}
