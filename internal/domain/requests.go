package domain

// RegisterRequest is the JSON body sent by the client to create a tunnel.
type RegisterRequest struct {
	Subdomain string   `json:"subdomain" validate:"required,min=3,max=63"`
	LocalHost string   `json:"local_host,omitempty"`
	LocalPort int      `json:"local_port" validate:"required,min=1,max=65535"`
	Protocol  string   `json:"protocol,omitempty" validate:"omitempty,oneof=http tcp ws"`
	Password  string   `json:"password,omitempty"`
	Inspect   bool     `json:"inspect,omitempty"`
	ExpiresIn string   `json:"expires_in,omitempty"`
	Whitelist []string `json:"ip_whitelist,omitempty"`
}

// RegisterResponse is the JSON body returned on successful registration.
type RegisterResponse struct {
	TunnelID  string `json:"tunnel_id"`
	Subdomain string `json:"subdomain"`
	PublicURL string `json:"public_url"`
	WSURL     string `json:"ws_url"`
}

// EncryptionSettingsRequest is the JSON body for updating per-tunnel
// encryption settings.
type EncryptionSettingsRequest struct {
	Enabled         bool   `json:"enabled"`
	Mode            string `json:"mode" validate:"required,oneof=none transport e2e"`
	KeyRotationDays int    `json:"key_rotation_days" validate:"required,min=1,max=365"`
}

// ErrorResponse is the JSON body returned for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
