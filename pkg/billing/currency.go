package billing

import "github.com/harborpanel/bursar/pkg/config"

const (
	defaultCurrencyEnv      = "BILLING_CURRENCY"
	defaultCurrencyFallback = "EUR"
)

// DefaultCurrency returns the wallet ledger currency used when no currency is specified.
func DefaultCurrency() string {
	return config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback)
}
