package admin

import (
	"errors"
)

var (
	ErrInvalidTrain    = errors.New("train name, source and destination are required")
	ErrInvalidCapacity = errors.New("total seats must be positive")
)
