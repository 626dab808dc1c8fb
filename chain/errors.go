package chain

import "strings"

// The node reports broadcast rejections as plain strings. These matchers
// classify the kinds the submitter reacts to; anything else is treated as
// a transient transport error.

func IsUnderpriced(err error) bool {
	return containsAny(err,
		"replacement transaction underpriced",
		"transaction underpriced",
		"fee too low",
	)
}

func IsInsufficientFunds(err error) bool {
	return containsAny(err,
		"insufficient funds",
		"insufficient balance",
	)
}

func IsNonceTooLow(err error) bool {
	return containsAny(err, "nonce too low")
}

func IsAlreadyKnown(err error) bool {
	return containsAny(err,
		"already known",
		"transaction already exists",
		"alreadyknown",
	)
}

func containsAny(err error, subs ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
