// Package jit implements the just-in-time funding decision engine: an
// ordered chain of pure rules that approve or decline a card authorization.
package jit

import "github.com/opensource-finance/kestrel/internal/domain"

// Rule is a single pure authorization check.
// Execute must be deterministic, must not perform I/O and must always return
// a decision that satisfies domain.JITDecision.Valid.
type Rule interface {
	Name() string
	Execute(req *domain.JITFundingRequest, card *domain.VirtualCard) domain.JITDecision
}
