package models

import "time"

// SMTPConfig holds the owner's outbound mail transport settings.
// Stored as a JSON column on the user.
type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FromEmail string `json:"from_email"`
	UseTLS    bool   `json:"use_tls"`
}

// User owns subscriptions and carries the delivery configuration the
// engine needs: the device address, the IANA timezone used for schedule
// computation and same-day duplicate suppression, and the SMTP transport.
type User struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	DeviceEmail string      `json:"device_email,omitempty"`
	Timezone    string      `json:"timezone"`
	SMTPConfig  *SMTPConfig `json:"smtp_config,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
