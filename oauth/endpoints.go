// SPDX-License-Identifier: GPL-3.0-or-later
package oauth

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/CrawX/go-mail-warden/domain"
)

func endpointFor(provider domain.Provider) (oauth2.Endpoint, error) {
	switch provider {
	case domain.ProviderGmail:
		return google.Endpoint, nil
	case domain.ProviderHotmail:
		return microsoft.AzureADEndpoint("consumers"), nil
	}

	return oauth2.Endpoint{}, fmt.Errorf("provider %q has no oauth endpoint", provider)
}

// DefaultScopes are used when the account carries no explicit scope list.
func DefaultScopes(provider domain.Provider) []string {
	switch provider {
	case domain.ProviderGmail:
		return []string{"https://mail.google.com/"}
	case domain.ProviderHotmail:
		return []string{
			"offline_access",
			"https://graph.microsoft.com/Mail.ReadWrite",
			"https://graph.microsoft.com/Mail.Send",
		}
	}

	return nil
}
