package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/VenkatGGG/runner-fleet/internal/nodeclient"
)

// Verifier performs the single reachability probe behind Provider.VerifyURL.
type Verifier struct {
	checker nodeclient.Checker
}

func NewVerifier(timeout time.Duration) *Verifier {
	return &Verifier{checker: nodeclient.NewProber(timeout)}
}

func NewVerifierWithChecker(checker nodeclient.Checker) *Verifier {
	return &Verifier{checker: checker}
}

func (v *Verifier) Verify(ctx context.Context, url string) error {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return VerificationError("verify", url, errors.New("url is required"))
	}
	if err := v.checker.Check(ctx, trimmed); err != nil {
		return VerificationError("verify", trimmed, err)
	}
	return nil
}
