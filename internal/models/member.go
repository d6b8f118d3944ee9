package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleMember  Role = "member"
	RoleTrainer Role = "trainer"
	RoleAdmin   Role = "admin"
)

// DefaultDemoPrefix marks showcase accounts by username.
const DefaultDemoPrefix = "demo"

type Member struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	IsDemo    bool      `json:"is_demo"`
	CreatedAt time.Time `json:"created_at"`
}

// Demo reports whether writes by this member must be simulated.
func (m *Member) Demo(prefix string) bool {
	if m.IsDemo {
		return true
	}
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(m.Username), strings.ToLower(prefix))
}
