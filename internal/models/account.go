package models

import (
	"bytes"
	"encoding/json"
)

// AccountInfoRequest is the body of POST /getAccountInfo (and /getAccountInfo/email).
type AccountInfoRequest struct {
	Identifier string `json:"identifier"`
}

// AccountDetails describes what underlying data a user account holds.
// The remote API drives per-category active flags from this.
type AccountDetails struct {
	Models []string        `json:"models,omitempty"`
	Avatar bool            `json:"avatar,omitempty"`
	Traits json.RawMessage `json:"traits,omitempty"`
}

// HasTraits reports whether the account carries trait data.
func (d *AccountDetails) HasTraits() bool {
	return len(d.Traits) > 0 && !bytes.Equal(d.Traits, []byte("null"))
}

// AccountInfoResponse wraps the collaborator response. AccountInfo is
// either the literal string "No Account Found" or an AccountDetails object.
type AccountInfoResponse struct {
	AccountInfo json.RawMessage `json:"AccountInfo"`
}

// Details parses the AccountInfo field. Returns (nil, false) when the
// account does not exist or the field is the "No Account Found" sentinel.
func (r *AccountInfoResponse) Details() (*AccountDetails, bool) {
	if len(r.AccountInfo) == 0 {
		return nil, false
	}

	// Sentinel: a bare JSON string means no account
	if r.AccountInfo[0] == '"' {
		return nil, false
	}

	var details AccountDetails
	if err := json.Unmarshal(r.AccountInfo, &details); err != nil {
		return nil, false
	}
	return &details, true
}
