package outbox

// Role is a profile role in the identity directory.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleManager    Role = "MANAGER"
	RoleSeller     Role = "SELLER"
	RoleWarehouse  Role = "WAREHOUSE"
	RolePurchasing Role = "PURCHASING"
	RoleCollector  Role = "COLLECTOR"
)

// Recipient is one entry of a resolved recipient set. Sets are not unique on
// input; duplicates collapse during token resolution.
type Recipient struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// UserIDs flattens a recipient set, dropping empty ids and repeats while
// keeping first-seen order.
func UserIDs(recipients []Recipient) []string {
	seen := make(map[string]struct{}, len(recipients))
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r.UserID == "" {
			continue
		}
		if _, ok := seen[r.UserID]; ok {
			continue
		}
		seen[r.UserID] = struct{}{}
		ids = append(ids, r.UserID)
	}
	return ids
}

// PushTokenRegistration is a row of the push-token directory.
type PushTokenRegistration struct {
	UserID    string  `json:"user_id"`
	DeviceID  *string `json:"device_id"`
	ExpoToken string  `json:"expo_token"`
	Enabled   bool    `json:"enabled"`
}

// Usable reports whether the registration may be targeted at all.
func (p PushTokenRegistration) Usable() bool {
	return p.Enabled && p.ExpoToken != ""
}

// HasDevice reports whether device_id is non-null. An empty id is still a
// device, matching the stores' IS NOT NULL filter.
func (p PushTokenRegistration) HasDevice() bool {
	return p.DeviceID != nil
}
