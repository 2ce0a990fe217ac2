package nonce

import "fmt"

var (
	// ErrNonceExhausted is returned when every nonce above the floor is reserved
	ErrNonceExhausted = fmt.Errorf("no free nonce left above the requested floor")
)
