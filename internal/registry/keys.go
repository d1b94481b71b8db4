package registry

import "strings"

const (
	userPrefix = "user:"
	txnPrefix  = "txn:"
)

// UserKey is the subscription key for every event of a user.
func UserKey(userID string) string { return userPrefix + userID }

// TransactionKey is the subscription key for the events of one transaction.
func TransactionKey(transactionID string) string { return txnPrefix + transactionID }

// KeysFor returns the keys an event for (userID, transactionID) fans out to,
// skipping empty ids.
func KeysFor(userID, transactionID string) []string {
	keys := make([]string, 0, 2)
	if strings.TrimSpace(userID) != "" {
		keys = append(keys, UserKey(userID))
	}
	if strings.TrimSpace(transactionID) != "" {
		keys = append(keys, TransactionKey(transactionID))
	}
	return keys
}
