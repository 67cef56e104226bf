package gemidp

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ChallengeInput are the caller supplied values of a challenge request.
type ChallengeInput struct {
	CodeChallenge string
	Method        string
	State         string
	Nonce         string
}

// ChallengeInputValidator checks challenge request input before anything is
// sent to the IDP.
type ChallengeInputValidator interface {
	ValidateChallengeInput(in ChallengeInput) error
}

// InputValidatorFor selects the validation strategy by its config name.
// Unknown names fall back to the strict strategy.
func InputValidatorFor(name string) ChallengeInputValidator {
	switch name {
	case InputValidationBasic:
		return BasicInputValidator{}
	default:
		return StrictInputValidator{}
	}
}

var inputValidate = validator.New()

type fieldRule struct {
	name  string
	value string
	tag   string
}

func validateFields(rules []fieldRule) error {
	for _, r := range rules {
		if err := inputValidate.Var(r.value, r.tag); err != nil {
			return fmt.Errorf("invalid %s: %w", r.name, err)
		}
	}
	return nil
}

// BasicInputValidator only requires all values to be present.
type BasicInputValidator struct{}

func (BasicInputValidator) ValidateChallengeInput(in ChallengeInput) error {
	return validateFields([]fieldRule{
		{"code_challenge", in.CodeChallenge, "required"},
		{"code_challenge_method", in.Method, "required,oneof=S256 plain"},
		{"state", in.State, "required"},
		{"nonce", in.Nonce, "required"},
	})
}

// StrictInputValidator enforces the shapes produced by CryptoProvider: an
// S256 challenge of a 32 byte verifier and hex encoded 16 byte state and
// nonce. It is used for the encrypted key verifier flow.
type StrictInputValidator struct{}

func (StrictInputValidator) ValidateChallengeInput(in ChallengeInput) error {
	return validateFields([]fieldRule{
		{"code_challenge", in.CodeChallenge, "required,len=43"},
		{"code_challenge_method", in.Method, "required,eq=S256"},
		{"state", in.State, fmt.Sprintf("required,hexadecimal,len=%d", StateLength*2)},
		{"nonce", in.Nonce, fmt.Sprintf("required,hexadecimal,len=%d", NonceLength*2)},
	})
}
