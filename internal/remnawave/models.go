package remnawave

import "encoding/json"

type CreateUserRequest struct {
	UUID                 string   `json:"uuid,omitempty"`
	Username             string   `json:"username"`
	Status               string   `json:"status"`
	TrafficLimitBytes    int64    `json:"trafficLimitBytes"`
	TrafficLimitStrategy string   `json:"trafficLimitStrategy"`
	ExpireAt             string   `json:"expireAt"` // ISO 8601 format
	Description          string   `json:"description,omitempty"`
	ActiveInternalSquads []string `json:"activeInternalSquads,omitempty"`
}

// UpdateUserRequest is sent to PATCH /api/users; nil fields are left alone.
type UpdateUserRequest struct {
	UUID              string  `json:"uuid"`
	TrafficLimitBytes *int64  `json:"trafficLimitBytes,omitempty"`
	ExpireAt          *string `json:"expireAt,omitempty"`
	Status            string  `json:"status,omitempty"`
}

type UserResponse struct {
	UUID              string       `json:"uuid"`
	ShortUUID         string       `json:"shortUuid"`
	Username          string       `json:"username"`
	Status            string       `json:"status"`
	UsedTrafficBytes  *int64       `json:"usedTrafficBytes"`
	TrafficLimitBytes int64        `json:"trafficLimitBytes"`
	ExpireAt          string       `json:"expireAt"`
	OnlineAt          *string      `json:"onlineAt"`
	Description       string       `json:"description"`
	SubscriptionURL   string       `json:"subscriptionUrl"`
	UserTraffic       *UserTraffic `json:"userTraffic"`
}

// UserTraffic is where newer panel builds report usage.
type UserTraffic struct {
	UsedTrafficBytes int64   `json:"usedTrafficBytes"`
	OnlineAt         *string `json:"onlineAt"`
}

func (u UserResponse) usedBytes() int64 {
	if u.UserTraffic != nil && u.UserTraffic.UsedTrafficBytes > 0 {
		return u.UserTraffic.UsedTrafficBytes
	}
	if u.UsedTrafficBytes != nil {
		return *u.UsedTrafficBytes
	}
	return 0
}

func (u UserResponse) onlineAt() *string {
	if u.UserTraffic != nil && u.UserTraffic.OnlineAt != nil {
		return u.UserTraffic.OnlineAt
	}
	return u.OnlineAt
}

// Wrapper for API responses
type APIResponse struct {
	Response json.RawMessage `json:"response"`
}

type usersPage struct {
	Users []json.RawMessage `json:"users"`
	Total int               `json:"total"`
}
