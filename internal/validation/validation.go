// Package validation checks Stellar addresses and request inputs for the
// risktier API.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stellar/go/strkey"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// AddressLength is the fixed length of every strkey address.
const AddressLength = 56

// ErrInvalidAddress is returned for anything that is not a well-formed
// account (G...) or contract (C...) strkey.
var ErrInvalidAddress = errors.New("invalid address")

// AddressKind distinguishes classic accounts from Soroban contracts.
type AddressKind string

const (
	KindAccount  AddressKind = "account"
	KindContract AddressKind = "contract"
)

// ParseAddress normalizes s and reports its kind. The checksum is verified,
// not just the length and prefix.
func ParseAddress(s string) (string, AddressKind, error) {
	addr := strings.ToUpper(strings.TrimSpace(s))
	if len(addr) != AddressLength {
		return "", "", fmt.Errorf("%w: must be %d characters, got %d", ErrInvalidAddress, AddressLength, len(addr))
	}
	switch addr[0] {
	case 'G':
		if _, err := strkey.Decode(strkey.VersionByteAccountID, addr); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return addr, KindAccount, nil
	case 'C':
		if _, err := strkey.Decode(strkey.VersionByteContract, addr); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return addr, KindContract, nil
	default:
		return "", "", fmt.Errorf("%w: must start with G or C", ErrInvalidAddress)
	}
}

// IsValidAccount reports whether s is a G... account address.
func IsValidAccount(s string) bool {
	_, kind, err := ParseAddress(s)
	return err == nil && kind == KindAccount
}

// IsValidContract reports whether s is a C... contract address.
func IsValidContract(s string) bool {
	_, kind, err := ParseAddress(s)
	return err == nil && kind == KindContract
}

// IsValidSeed reports whether s is an S... secret seed.
func IsValidSeed(s string) bool {
	return strkey.IsValidEd25519SecretSeed(strings.TrimSpace(s))
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParam validates the named path parameter and stores the
// normalized address and its kind in the gin context under "address" and
// "address_kind".
func AddressParam(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, kind, err := ParseAddress(c.Param(name))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": err.Error(),
			})
			return
		}
		c.Set("address", addr)
		c.Set("address_kind", kind)
		c.Next()
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidContract checks that a non-empty field is a C... contract address.
func ValidContract(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidContract(value) {
			return &ValidationError{Field: field, Message: "must be a 56-character contract address (C...)"}
		}
		return nil
	}
}

// ValidSeed checks that a non-empty field is an S... secret seed.
func ValidSeed(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidSeed(value) {
			return &ValidationError{Field: field, Message: "must be a valid secret seed (S...)"}
		}
		return nil
	}
}

// OneOf checks that value is in allowed.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Positive checks that value is greater than zero.
func Positive(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be positive"}
		}
		return nil
	}
}
