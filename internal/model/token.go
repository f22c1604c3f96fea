package model

import "time"

// AccessToken is a short-lived bearer token obtained from the token
// endpoint. It is cached as a single shared value and replaced wholesale
// on refresh, never partially updated.
type AccessToken struct {
	Value     string
	ExpiresIn time.Duration
	IssuedAt  time.Time
}

// Expired reports whether the token's lifetime has elapsed at now.
func (t AccessToken) Expired(now time.Time) bool {
	return now.After(t.IssuedAt.Add(t.ExpiresIn))
}
