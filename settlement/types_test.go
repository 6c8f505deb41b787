package settlement

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotePremium_ExactTenPercent(t *testing.T) {
	tests := []struct {
		coverage string
		premium  string
	}{
		{"1.0", "0.1"},
		{"2000", "200"},
		{"0.5", "0.05"},
		{"123.456789", "12.3456789"},
		{"0.00000000000000001", "0.000000000000000001"},
	}

	for _, tt := range tests {
		t.Run(tt.coverage, func(t *testing.T) {
			premium, err := QuotePremium(MustAmount(tt.coverage))
			require.NoError(t, err)
			assert.True(t, premium.Equal(MustAmount(tt.premium)), "got %s", premium)
		})
	}
}

func TestQuotePremium_RejectsNonPositiveAndUnrepresentable(t *testing.T) {
	_, err := QuotePremium(ZeroAmount())
	assert.ErrorIs(t, err, ErrInvalidCoverage)

	_, err = QuotePremium(MustAmount("-1"))
	assert.ErrorIs(t, err, ErrInvalidCoverage)

	// One wei of coverage has a premium below one wei.
	_, err = QuotePremium(MustAmount("0.000000000000000001"))
	assert.ErrorIs(t, err, ErrInvalidCoverage)
}

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount(" 1.5 ")
	require.NoError(t, err)
	assert.Equal(t, "1.5", a.String())

	_, err = ParseAmount("0.0000000000000000001")
	assert.ErrorIs(t, err, ErrInvalidAmount, "19 decimals exceeds the amount scale")

	_, err = ParseAmount("lots")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPrice_Scale(t *testing.T) {
	p := PriceFromAnswer(2000_00000000)
	assert.Equal(t, "2000.00000000", p.String())
	assert.Equal(t, int64(200000000000), p.Answer())
	assert.True(t, p.Equal(MustPrice("2000")))

	_, err := ParsePrice("1.123456789")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	threshold := MustPrice("3000")
	assert.True(t, MustPrice("3000").AtLeast(threshold))
	assert.True(t, MustPrice("3000.00000001").AtLeast(threshold))
	assert.False(t, MustPrice("2999.99999999").AtLeast(threshold))
}

func TestParsePrice_RawAnswerRange(t *testing.T) {
	// GIVEN: The largest and smallest readings whose raw answer fits in int64
	largest := MustPrice("92233720368.54775807")
	smallest := MustPrice("-92233720368.54775808")

	// THEN: They round-trip through the raw answer
	assert.Equal(t, int64(math.MaxInt64), largest.Answer())
	assert.Equal(t, int64(math.MinInt64), smallest.Answer())
	assert.True(t, PriceFromAnswer(largest.Answer()).Equal(largest))

	// AND: One unit beyond either end is rejected instead of wrapping
	for _, s := range []string{"92233720368.54775808", "-92233720368.54775809", "100000000000"} {
		_, err := ParsePrice(s)
		assert.ErrorIs(t, err, ErrInvalidAmount, s)
	}
}

func TestParsePrincipal(t *testing.T) {
	p, err := ParsePrincipal("  0xAbCdEf0123 ")
	require.NoError(t, err)
	assert.Equal(t, Principal("0xabcdef0123"), p)

	p, err = ParsePrincipal("0XABC")
	require.NoError(t, err)
	assert.Equal(t, Principal("0xabc"), p)

	p, err = ParsePrincipal("Alice")
	require.NoError(t, err)
	assert.Equal(t, Principal("Alice"), p, "non-hex identities keep their case")

	_, err = ParsePrincipal("   ")
	assert.ErrorIs(t, err, ErrInvalidPrincipal)
}

func TestParseRole(t *testing.T) {
	for input, want := range map[string]Role{
		"admin":                RoleAdmin,
		"DEFAULT_ADMIN_ROLE":   RoleAdmin,
		"oracle_updater":       RoleOracleUpdater,
		"ORACLE_UPDATER_ROLE":  RoleOracleUpdater,
		"insurance_admin":      RoleInsuranceAdmin,
		"INSURANCE_ADMIN_ROLE": RoleInsuranceAdmin,
	} {
		got, err := ParseRole(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseRole("owner")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestSumEntries_BalanceIdentity(t *testing.T) {
	entries := []TreasuryEntry{
		{Kind: EntryFunding, Amount: MustAmount("2")},
		{Kind: EntryPremium, Amount: MustAmount("0.1")},
		{Kind: EntryPremium, Amount: MustAmount("0.2")},
		{Kind: EntryPayout, Amount: MustAmount("1")},
	}

	totals := SumEntries(entries)

	assert.True(t, totals.Funding.Equal(MustAmount("2")))
	assert.True(t, totals.Premiums.Equal(MustAmount("0.3")))
	assert.True(t, totals.Payouts.Equal(MustAmount("1")))
	assert.True(t, totals.Balance.Equal(MustAmount("1.3")))
	assert.True(t, totals.Balance.Equal(totals.Premiums.Add(totals.Funding).Sub(totals.Payouts)))
	assert.True(t, entries[3].Delta().Equal(MustAmount("-1")))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "premium_mismatch", Code(&PremiumMismatchError{}))
	assert.Equal(t, "insufficient_treasury", Code(&InsufficientTreasuryError{}))
	assert.Equal(t, "threshold_not_exceeded", Code(&ThresholdError{}))
	assert.Equal(t, "unauthorized", Code(&UnauthorizedError{}))
	assert.Equal(t, "internal", Code(assert.AnError))

	assert.True(t, IsClientError(&PremiumMismatchError{}))
	assert.True(t, IsConflict(&InsufficientTreasuryError{}))
	assert.False(t, IsClientError(&UnauthorizedError{}))
	assert.False(t, IsConflict(&UnauthorizedError{}))
}
