package models

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`

	// Set for classified failures such as a rejected charge.
	Category        string   `json:"category,omitempty"`
	Severity        string   `json:"severity,omitempty"`
	UserMessage     string   `json:"user_message,omitempty"`
	RecoveryActions []string `json:"recovery_actions,omitempty"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type PageInfo struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type CreditBalanceResponse struct {
	Balance   int64 `json:"balance"`
	Unlimited bool  `json:"unlimited"`
}

type TransactionListResponse struct {
	Transactions []*CreditTransaction `json:"transactions"`
	PageInfo
}

type OrderListResponse struct {
	Orders []*Order `json:"orders"`
	PageInfo
}

type AccountListResponse struct {
	Users []*CreditAccount `json:"users"`
	PageInfo
}

type AddressListResponse struct {
	Addresses []*SavedAddress `json:"addresses"`
}

type PaymentWebhookResponse struct {
	TransactionID string `json:"transaction_id"`
	Duplicate     bool   `json:"duplicate"`
}
