package models

import "time"

// Printer is a row of the printer directory.
type Printer struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Location        *string    `json:"location,omitempty"`
	MoonrakerURL    string     `json:"moonraker_url"`
	MoonrakerAPIKey *string    `json:"-"`
	IsActive        bool       `json:"is_active"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// PrinterIdentity is what a connection needs to reach one controller.
type PrinterIdentity struct {
	ID     int64
	URL    string
	APIKey string
}

func (p Printer) Identity() PrinterIdentity {
	id := PrinterIdentity{ID: p.ID, URL: p.MoonrakerURL}
	if p.MoonrakerAPIKey != nil {
		id.APIKey = *p.MoonrakerAPIKey
	}
	return id
}

// APIKey authenticates REST callers. Only the sha256 hash is stored.
type APIKey struct {
	ID        int64      `json:"id"`
	KeyHash   string     `json:"-"`
	KeyPrefix string     `json:"key_prefix"`
	Name      string     `json:"name"`
	IsActive  bool       `json:"is_active"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
