package hiddify

// unlimitedDays is the package_days value at or above which hiddify
// deployments treat a plan as never expiring.
const unlimitedDays = 10000

type apiUser struct {
	UUID           string  `json:"uuid"`
	Name           string  `json:"name"`
	UsageLimitGB   float64 `json:"usage_limit_GB"`
	CurrentUsageGB float64 `json:"current_usage_GB"`
	PackageDays    int     `json:"package_days"`
	StartDate      *string `json:"start_date"`
	LastOnline     *string `json:"last_online"`
	Enable         *bool   `json:"enable"`
	IsActive       *bool   `json:"is_active"`
	Mode           string  `json:"mode"`
	Comment        *string `json:"comment,omitempty"`
}

type createUserRequest struct {
	UUID         string  `json:"uuid"`
	Name         string  `json:"name"`
	UsageLimitGB float64 `json:"usage_limit_GB"`
	PackageDays  int     `json:"package_days"`
	Mode         string  `json:"mode"`
	Enable       bool    `json:"enable"`
	IsActive     bool    `json:"is_active"`
	StartDate    *string `json:"start_date"`
}

type patchUserRequest struct {
	UsageLimitGB   *float64 `json:"usage_limit_GB,omitempty"`
	CurrentUsageGB *float64 `json:"current_usage_GB,omitempty"`
	PackageDays    *int     `json:"package_days,omitempty"`
	StartDate      *string  `json:"start_date,omitempty"`
	Enable         *bool    `json:"enable,omitempty"`
	IsActive       *bool    `json:"is_active,omitempty"`
	Mode           string   `json:"mode,omitempty"`
}
