package account

import (
	"errors"
)

var (
	ErrInvalidInput       = errors.New("invalid username or password")
	ErrInvalidRole        = errors.New("unknown role")
	ErrAdminKeyRequired   = errors.New("admin registration requires a valid api key")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
