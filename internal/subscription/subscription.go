// Package subscription holds the one piece of bookkeeping shared by
// basicindex, simplequery, and composite: a client_subscriptions row
// records, alongside its own identity, the primary key of every other
// row that subscription owns (its bucket/lookup/included/excluded rows),
// so that the eviction sweeper in internal/listen can retract a
// subscription in one transaction without a reverse scan.
package subscription

import "encoding/json"

// Key is a DynamoDB primary key (partition key + sort key) for one row
// belonging to a subscription, other than its client_subscriptions row.
type Key struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

// EncodeKeys serializes a subscription's owned row keys for storage in
// the DeleteKeys attribute of its client_subscriptions row.
func EncodeKeys(keys []Key) (string, error) {
	b, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeKeys parses the DeleteKeys attribute back into row keys.
func DecodeKeys(encoded string) ([]Key, error) {
	if encoded == "" {
		return nil, nil
	}
	var keys []Key
	if err := json.Unmarshal([]byte(encoded), &keys); err != nil {
		return nil, err
	}
	return keys, nil
}
