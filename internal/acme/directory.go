package acme

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Directory is the ACME directory object (RFC 8555 section 7.1.1).
type Directory struct {
	NewNonce   string         `json:"newNonce"`
	NewAccount string         `json:"newAccount"`
	NewOrder   string         `json:"newOrder"`
	RevokeCert string         `json:"revokeCert"`
	Meta       *DirectoryMeta `json:"meta,omitempty"`
}

// DirectoryMeta carries optional directory metadata.
type DirectoryMeta struct {
	Website                 string   `json:"website,omitempty"`
	CAAIdentities           []string `json:"caaIdentities,omitempty"`
	ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
}

// HandleDirectory serves the directory object. The URLs are built from the
// configured external URL so they stay correct behind a proxy.
func HandleDirectory(c echo.Context) error {
	cfg := cfgFrom(c)

	dir := Directory{
		NewNonce:   newNonceURL(cfg),
		NewAccount: newAccountURL(cfg),
		NewOrder:   newOrderURL(cfg),
		RevokeCert: revokeCertURL(cfg),
		Meta: &DirectoryMeta{
			Website: cfg.ExternalURL,
		},
	}

	setIndexLink(c)
	return c.JSON(http.StatusOK, dir)
}
