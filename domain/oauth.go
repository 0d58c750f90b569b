// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

// OAuth2Token is the normalized token shape all providers are mapped to. A
// refresh keeps the prior RefreshToken when the provider does not rotate it.
type OAuth2Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the token needs a proactive refresh.
func (t *OAuth2Token) ExpiresWithin(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(t.ExpiresAt) < margin
}
