package user

import (
	"fmt"
	"unicode"
)

// Validator - интерфейс для валидации учетных данных
type Validator interface {
	ValidateRegister(login, password string) error
	ValidateLogin(login string) error
	ValidatePassword(password string) error
}

// Policy требования к учетным данным
type Policy struct {
	MinLoginLen    int
	MaxLoginLen    int
	MinPasswordLen int
	MaxPasswordLen int
	RequireMixed   bool // строчные и заглавные
	RequireDigit   bool
	RequireSymbol  bool
}

// DefaultPolicy политика по умолчанию для клинических учетных записей
func DefaultPolicy() Policy {
	return Policy{
		MinLoginLen:    3,
		MaxLoginLen:    32,
		MinPasswordLen: 8,
		MaxPasswordLen: 72, // предел bcrypt
		RequireMixed:   true,
		RequireDigit:   true,
		RequireSymbol:  true,
	}
}

type PolicyValidator struct {
	policy Policy
}

func NewPolicyValidator(policy Policy) *PolicyValidator {
	return &PolicyValidator{policy: policy}
}

func (v *PolicyValidator) ValidateRegister(login, password string) error {
	if err := v.ValidateLogin(login); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := v.ValidatePassword(password); err != nil {
		return fmt.Errorf("password: %w", err)
	}
	return nil
}

// ValidateLogin допускает буквы, цифры и символы _ - . @
func (v *PolicyValidator) ValidateLogin(login string) error {
	n := len([]rune(login))
	if n < v.policy.MinLoginLen || n > v.policy.MaxLoginLen {
		return fmt.Errorf("length must be between %d and %d", v.policy.MinLoginLen, v.policy.MaxLoginLen)
	}

	for _, r := range login {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		switch r {
		case '_', '-', '.', '@':
			continue
		}
		return fmt.Errorf("unexpected character %q", r)
	}
	return nil
}

func (v *PolicyValidator) ValidatePassword(password string) error {
	if len(password) < v.policy.MinPasswordLen {
		return fmt.Errorf("must be at least %d characters", v.policy.MinPasswordLen)
	}
	if len(password) > v.policy.MaxPasswordLen {
		return fmt.Errorf("must be at most %d bytes", v.policy.MaxPasswordLen)
	}

	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	if v.policy.RequireMixed && !(lower && upper) {
		return fmt.Errorf("must mix lowercase and uppercase letters")
	}
	if v.policy.RequireDigit && !digit {
		return fmt.Errorf("must contain a digit")
	}
	if v.policy.RequireSymbol && !symbol {
		return fmt.Errorf("must contain a symbol")
	}
	return nil
}
