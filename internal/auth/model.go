package auth

import "time"

type Account struct {
	ID                 string
	Username           string
	Email              string
	PasswordHash       string
	IsActive           bool
	IsAdmin            bool
	MustChangePassword bool
	CreatedAt          time.Time
	LastLoginAt        *time.Time
}

// AccountView is the client-facing projection of an account.
type AccountView struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	Email              string     `json:"email"`
	CreatedAt          time.Time  `json:"createdAt"`
	LastLoginAt        *time.Time `json:"lastLoginAt"`
	IsActive           bool       `json:"isActive"`
	IsAdmin            bool       `json:"isAdmin"`
	MustChangePassword bool       `json:"mustChangePassword"`
}

// Credentials is the envelope returned on successful login, registration,
// and refresh.
type Credentials struct {
	User         AccountView `json:"user"`
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
}

func (a Account) View() AccountView {
	return AccountView{
		ID:                 a.ID,
		Username:           a.Username,
		Email:              a.Email,
		CreatedAt:          a.CreatedAt,
		LastLoginAt:        a.LastLoginAt,
		IsActive:           a.IsActive,
		IsAdmin:            a.IsAdmin,
		MustChangePassword: a.MustChangePassword,
	}
}
