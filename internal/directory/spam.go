package directory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// UsernameSpamChecker decides whether a candidate must be hidden from search results.
type UsernameSpamChecker interface {
	CheckUsernameForSpam(ctx context.Context, profile UserResult) (bool, error)
}

// SpamCheckerFunc adapts a function to UsernameSpamChecker.
type SpamCheckerFunc func(ctx context.Context, profile UserResult) (bool, error)

// CheckUsernameForSpam implements UsernameSpamChecker.
func (f SpamCheckerFunc) CheckUsernameForSpam(ctx context.Context, profile UserResult) (bool, error) {
	return f(ctx, profile)
}

// SpamCheckerChain is an ordered list of username spam checkers.
// A nil or empty chain rejects nothing.
type SpamCheckerChain struct {
	checkers []UsernameSpamChecker
	logger   *zap.Logger
}

// NewSpamCheckerChain builds a chain from arbitrary extension values. Values that do
// not implement UsernameSpamChecker are dropped here, so they can never fail a query.
func NewSpamCheckerChain(logger *zap.Logger, extensions ...interface{}) *SpamCheckerChain {
	if logger == nil {
		logger = noOpLogger
	}
	chain := &SpamCheckerChain{logger: logger}
	for position, extension := range extensions {
		checker, ok := extension.(UsernameSpamChecker)
		if !ok || checker == nil {
			logger.Warn("ignoring spam checker without a username check",
				zap.Int("position", position),
				zap.String("type", fmt.Sprintf("%T", extension)))
			continue
		}
		chain.checkers = append(chain.checkers, checker)
	}
	return chain
}

// Len returns the number of usable checkers.
func (c *SpamCheckerChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.checkers)
}

// IsSpammy reports whether any checker rejects the profile. A checker that errors
// is logged and treated as allowing the candidate.
func (c *SpamCheckerChain) IsSpammy(ctx context.Context, profile UserResult) bool {
	if c == nil {
		return false
	}
	for _, checker := range c.checkers {
		reject, err := checker.CheckUsernameForSpam(ctx, profile)
		if err != nil {
			c.logger.Warn("spam checker failed", zap.String(logFieldUserID, profile.UserID), zap.Error(err))
			continue
		}
		if reject {
			return true
		}
	}
	return false
}
