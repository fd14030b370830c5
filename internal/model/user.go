package model

// User status constants
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
)

// Roles
const (
	RoleClient         = "client"
	RoleCaregiver      = "caregiver"
	RoleHousekeeper    = "housekeeper"
	RoleMarketing      = "marketing"
	RoleTrainingCenter = "training_center"
	RoleAdmin          = "admin"
)

// ContractorRoles are the roles paid out by the payout job.
var ContractorRoles = []string{RoleCaregiver, RoleHousekeeper, RoleMarketing, RoleTrainingCenter}

// Payout frequencies
const (
	FrequencyWeekly   = "weekly"
	FrequencyBiweekly = "biweekly"
	FrequencyMonthly  = "monthly"
)

// User represents a marketplace account
type User struct {
	Base
	Name   string `json:"name" db:"name"`
	Email  string `json:"email" db:"email"`
	Role   string `json:"role" db:"role"`
	Status string `json:"status" db:"status"`

	// Gateway customer used to charge clients.
	GatewayCustomerID *string `json:"gateway_customer_id,omitempty" db:"gateway_customer_id"`

	// Connected account that receives contractor payouts.
	PayoutAccountID *string `json:"payout_account_id,omitempty" db:"payout_account_id"`
	PayoutsEnabled  bool    `json:"payouts_enabled" db:"payouts_enabled"`
	PayoutFrequency *string `json:"payout_frequency,omitempty" db:"payout_frequency"`
}

func (u *User) HasPaymentMethodOnFile() bool {
	return u.GatewayCustomerID != nil && *u.GatewayCustomerID != ""
}

func (u *User) CanReceivePayouts() bool {
	return u.PayoutsEnabled && u.PayoutAccountID != nil && *u.PayoutAccountID != ""
}

// WantsFrequency reports whether a payout run of the given frequency applies.
// Contractors without a preference are paid on any run.
func (u *User) WantsFrequency(frequency string) bool {
	return u.PayoutFrequency == nil || *u.PayoutFrequency == "" || *u.PayoutFrequency == frequency
}
