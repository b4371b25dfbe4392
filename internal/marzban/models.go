package marzban

import "encoding/json"

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type apiUser struct {
	Username               string          `json:"username"`
	Status                 string          `json:"status"`
	UsedTraffic            int64           `json:"used_traffic"`
	DataLimit              *int64          `json:"data_limit"`
	Expire                 json.RawMessage `json:"expire"`
	OnlineAt               *string         `json:"online_at"`
	Note                   *string         `json:"note"`
	DataLimitResetStrategy string          `json:"data_limit_reset_strategy"`
}

type usersPage struct {
	Users []json.RawMessage `json:"users"`
	Total int               `json:"total"`
}

type vlessProxy struct {
	ID string `json:"id,omitempty"`
}

type proxies struct {
	Vless vlessProxy `json:"vless"`
}

// userWrite is the body of create and update calls. Expire is dialect
// specific: unix seconds on marzban, ISO-8601 on pasarguard.
type userWrite struct {
	Username               string         `json:"username,omitempty"`
	Proxies                *proxies       `json:"proxies,omitempty"`
	ProxySettings          *proxies       `json:"proxy_settings,omitempty"`
	DataLimit              *int64         `json:"data_limit,omitempty"`
	Expire                 any            `json:"expire"`
	Status                 string         `json:"status,omitempty"`
	Note                   string         `json:"note,omitempty"`
	DataLimitResetStrategy string         `json:"data_limit_reset_strategy,omitempty"`
	Inbounds               map[string]any `json:"inbounds,omitempty"`
}

type statusWrite struct {
	Status string `json:"status"`
}
