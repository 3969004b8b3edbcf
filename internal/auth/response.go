package auth

import "github.com/congo-pay/authgate/internal/identity"

const tokenTypeBearer = "bearer"

// UserSummary is the public view of a user. Optional fields are omitted
// unless set.
type UserSummary struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Phone      string `json:"phone_number,omitempty"`
	PictureURL string `json:"profile_picture,omitempty"`
	Provider   string `json:"oauth_provider,omitempty"`
}

func newUserSummary(id, username, email string) UserSummary {
	return UserSummary{ID: id, Username: username, Email: email}
}

func (s UserSummary) withPhone(phone string) UserSummary {
	if phone != "" {
		s.Phone = phone
	}
	return s
}

func (s UserSummary) withPicture(url string) UserSummary {
	if url != "" {
		s.PictureURL = url
	}
	return s
}

func (s UserSummary) withProvider(provider string) UserSummary {
	if provider != "" {
		s.Provider = provider
	}
	return s
}

// Summarize builds the public view of u.
func Summarize(u identity.User) UserSummary {
	return newUserSummary(u.ID, u.Username, u.Email).
		withPhone(u.Phone).
		withPicture(u.PictureURL).
		withProvider(string(u.Provider))
}

// LoginResponse is returned by every successful login path.
type LoginResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	User        UserSummary `json:"user_info"`
}

func newLoginResponse(token string, user identity.User) LoginResponse {
	return LoginResponse{AccessToken: token, TokenType: tokenTypeBearer, User: Summarize(user)}
}
