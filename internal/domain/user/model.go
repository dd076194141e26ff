package user

import "time"

// User учетная запись клинициста
type User struct {
	ID        string
	Login     string
	Password  string // хэш bcrypt
	CreatedAt time.Time
}

// Credentials логин и пароль из запроса
type Credentials struct {
	Login    string `json:"login" minLength:"3" maxLength:"32"`
	Password string `json:"password" minLength:"8" maxLength:"72"`
}
