package user

import "clinsync/internal/domain/user"

type registerInput struct {
	Body user.Credentials
}

type registerOutput struct {
	Status int
	Body   RegisterResponse
}

type RegisterResponse struct {
	ID     string `json:"userId,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type loginInput struct {
	Body user.Credentials
}

type loginOutput struct {
	Status int
	Body   LoginResponse
}

type LoginResponse struct {
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
