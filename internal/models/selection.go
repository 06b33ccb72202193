package models

// SelectionEntry is one granted consent: a (requester, category) pair with
// display fields denormalized at grant time.
type SelectionEntry struct {
	Requester string `json:"requester"`
	Category  string `json:"category"`
	Label     string `json:"label,omitempty"`
	Reward    string `json:"reward,omitempty"`
	Timestamp string `json:"timestamp"` // ISO-8601, captured at grant time
}

// ApprovalPayload is the single payload handed to the caller when a
// consent session reaches a terminal confirm. Failure of the access
// exchange is reported through the same shape (Success=false, Error set)
// so integrators have one integration point for both outcomes.
type ApprovalPayload struct {
	Success          bool             `json:"success"`
	APIURL           string           `json:"apiUrl,omitempty"`
	Token            string           `json:"token,omitempty"`
	ApprovedRequests []SelectionEntry `json:"approvedRequests"`
	Error            string           `json:"error,omitempty"`
}

// AccessRequest is the body of the POST /getAPIAccess exchange call.
// encryptedUserPin and userSub are forwarded opaquely.
type AccessRequest struct {
	ProofMode        bool             `json:"proofMode"`
	Web3Type         string           `json:"web3Type"`
	Confirmations    []SelectionEntry `json:"confirmations"`
	EncryptedUserPin *string          `json:"encryptedUserPin"`
	Domain           string           `json:"domain"`
	UserSub          *string          `json:"userSub"`
}

// AccessResponse is the collaborator's session artifact. Fields are
// collaborator-defined; this core treats them as opaque.
type AccessResponse struct {
	APIURL string `json:"apiUrl"`
	Token  string `json:"token"`
}
