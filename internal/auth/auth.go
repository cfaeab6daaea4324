// Package auth drives the identity provider's two-step sign-in form.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/secmem"
	"github.com/breeze-rmm/meetbot/internal/selectors"
)

var log = logging.L("auth")

// Credentials is an identity plus its secret. Zero wipes the secret.
type Credentials struct {
	Identity string
	Secret   *secmem.SecureString
}

func NewCredentials(identity, secret string) (Credentials, error) {
	if strings.TrimSpace(identity) == "" || secret == "" {
		return Credentials{}, ErrMissingCredentials
	}
	return Credentials{Identity: identity, Secret: secmem.NewSecureString(secret)}, nil
}

func (c Credentials) Zero() {
	c.Secret.Zero()
}

// Stepper signs a Session in. It holds no per-run state.
type Stepper struct {
	cfg     config.AuthConfig
	catalog *selectors.Catalog
}

func NewStepper(cfg config.AuthConfig, catalog *selectors.Catalog) *Stepper {
	return &Stepper{cfg: cfg, catalog: catalog}
}

// Authenticate runs the sign-in flow once: identity, settle, secret, then
// wait for the browser to leave the provider's host. There are no retries.
func (s *Stepper) Authenticate(ctx context.Context, sess *browser.Session, creds Credentials) error {
	if creds.Identity == "" || creds.Secret.Empty() {
		return ErrMissingCredentials
	}
	if err := sess.Require(browser.StateUninitialized, browser.StateAuthenticating); err != nil {
		return err
	}
	providerHost, err := hostOf(s.cfg.EntryURL)
	if err != nil {
		return fmt.Errorf("auth: entry url: %w", err)
	}

	sess.SetState(browser.StateAuthenticating)
	page := sess.Page()
	start := time.Now()

	if err := page.Navigate(ctx, s.cfg.EntryURL); err != nil {
		return fmt.Errorf("auth: open sign-in page: %w", err)
	}

	if err := s.step(ctx, page, selectors.RoleIdentityInput, selectors.RoleIdentityNext,
		creds.Identity, s.cfg.IdentityTimeout, ErrIdentityFieldNotFound); err != nil {
		return err
	}

	if err := browser.Sleep(ctx, s.cfg.SettleDelay); err != nil {
		return err
	}

	if err := s.step(ctx, page, selectors.RoleSecretInput, selectors.RoleSecretNext,
		creds.Secret.Reveal(), s.cfg.SecretTimeout, ErrSecretFieldNotFound); err != nil {
		return err
	}

	err = browser.WaitFor(ctx, s.cfg.NavigationTimeout, s.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		loc, err := page.Location(ctx)
		if err != nil {
			return false, err
		}
		host, err := hostOf(loc)
		if err != nil {
			return false, nil
		}
		return !onProvider(host, providerHost), nil
	})
	if errors.Is(err, browser.ErrWaitTimeout) {
		return ErrNavigationTimeout
	}
	if err != nil {
		return fmt.Errorf("auth: wait for navigation: %w", err)
	}

	log.Info("signed in", "identity", creds.Identity, logging.KeyDurationMs, time.Since(start).Milliseconds())
	return nil
}

// step waits for the input of one form page, fills value and advances with
// the role's next control, falling back to Enter in the field.
func (s *Stepper) step(ctx context.Context, page browser.Page, input, next selectors.Role, value string, timeout time.Duration, notFound error) error {
	var field selectors.Strategy
	err := browser.WaitFor(ctx, timeout, s.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		found, ok, err := browser.Resolve(ctx, page, s.catalog.Strategies(input))
		field = found
		return ok, err
	})
	if errors.Is(err, browser.ErrWaitTimeout) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("auth: wait for %s: %w", input, err)
	}

	if err := page.Fill(ctx, field, value); err != nil {
		if errors.Is(err, browser.ErrNotFound) {
			return notFound
		}
		return fmt.Errorf("auth: fill %s: %w", input, err)
	}

	clicked, err := browser.ClickFirst(ctx, page, s.catalog.Strategies(next))
	if err != nil {
		return fmt.Errorf("auth: press %s: %w", next, err)
	}
	if !clicked {
		log.Debug("next control absent, submitting with enter", "role", string(next))
		if err := page.Submit(ctx, field); err != nil {
			return fmt.Errorf("auth: submit %s: %w", input, err)
		}
	}
	return nil
}

func hostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	return strings.ToLower(u.Hostname()), nil
}

// onProvider reports whether host is the provider host or one of its subdomains.
func onProvider(host, providerHost string) bool {
	return host == providerHost || strings.HasSuffix(host, "."+providerHost)
}
