// Package selectors holds the UI lookup table: for each semantic role an
// ordered list of strategies to locate the element. Provider UI changes are
// absorbed by editing data, not code.
package selectors

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

type Role string

const (
	RoleIdentityInput  Role = "identity_input"
	RoleIdentityNext   Role = "identity_next"
	RoleSecretInput    Role = "secret_input"
	RoleSecretNext     Role = "secret_next"
	RoleNameInput      Role = "name_input"
	RoleJoinNow        Role = "join_now"
	RoleAskToJoin      Role = "ask_to_join"
	RoleInSession      Role = "in_session"
	RoleAwaitingEntry  Role = "awaiting_entry"
	RoleApprovalDenied Role = "approval_denied"
	RoleMuteMicrophone Role = "mute_microphone"
	RoleDisableCamera  Role = "disable_camera"
	RoleLeaveCall      Role = "leave_call"
	RoleLeaveConfirm   Role = "leave_confirm"
)

// RequiredRoles must each have at least one strategy.
var RequiredRoles = []Role{
	RoleIdentityInput, RoleIdentityNext, RoleSecretInput, RoleSecretNext,
	RoleNameInput, RoleJoinNow, RoleAskToJoin, RoleInSession,
	RoleAwaitingEntry, RoleApprovalDenied, RoleMuteMicrophone, RoleDisableCamera,
	RoleLeaveCall,
}

type Kind string

const (
	KindAriaLabel Kind = "aria-label"
	KindCSS       Kind = "css"
	KindText      Kind = "text"
	KindXPath     Kind = "xpath"
)

// Strategy is one way to locate an element. Tag narrows aria-label and text
// lookups to an element name.
type Strategy struct {
	Kind  Kind   `yaml:"kind" json:"kind"`
	Value string `yaml:"value" json:"value"`
	Tag   string `yaml:"tag,omitempty" json:"tag,omitempty"`
}

func (s Strategy) String() string {
	if s.Tag != "" {
		return fmt.Sprintf("%s:%s(%s)", s.Kind, s.Tag, s.Value)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.Value)
}

// Query renders the strategy as a DOM query. xpath reports whether expr is
// an XPath expression rather than a CSS selector.
func (s Strategy) Query() (expr string, xpath bool) {
	switch s.Kind {
	case KindAriaLabel:
		return fmt.Sprintf(`%s[aria-label=%s]`, s.Tag, cssString(s.Value)), false
	case KindText:
		if s.Tag == "" {
			// Untagged text matches the element owning the text node, never
			// script or style bodies.
			return fmt.Sprintf(`//*[not(self::script or self::style)][text()[contains(normalize-space(.), %s)]]`,
				xpathLiteral(s.Value)), true
		}
		return fmt.Sprintf(`//%s[contains(normalize-space(.), %s)][not(.//%s[contains(normalize-space(.), %s)])]`,
			s.Tag, xpathLiteral(s.Value), s.Tag, xpathLiteral(s.Value)), true
	case KindXPath:
		return s.Value, true
	default:
		return s.Value, false
	}
}

func (s Strategy) validate() error {
	if strings.TrimSpace(s.Value) == "" {
		return fmt.Errorf("empty value")
	}
	switch s.Kind {
	case KindAriaLabel, KindCSS, KindText, KindXPath:
		return nil
	}
	return fmt.Errorf("unknown kind %q", s.Kind)
}

// Catalog is a versioned role to strategies table.
type Catalog struct {
	Version string              `yaml:"version" json:"version"`
	Roles   map[Role][]Strategy `yaml:"roles" json:"roles"`
}

// Default returns a fresh copy of the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("selectors: embedded catalog is invalid: %v", err))
	}
	return c
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("selectors: decode catalog: %w", err)
	}
	if err := c.validateStrategies(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load returns the default catalog with the roles from path overlaid.
// An empty path returns the default.
func Load(path string) (*Catalog, error) {
	base := Default()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("selectors: read %s: %w", path, err)
	}
	override, err := Parse(data)
	if err != nil {
		return nil, err
	}
	merged := base.Merge(override)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// Merge returns a catalog whose roles from override replace those of c.
func (c *Catalog) Merge(override *Catalog) *Catalog {
	out := &Catalog{Version: c.Version, Roles: make(map[Role][]Strategy, len(c.Roles))}
	for role, strategies := range c.Roles {
		out.Roles[role] = append([]Strategy(nil), strategies...)
	}
	if override == nil {
		return out
	}
	if override.Version != "" {
		out.Version = override.Version
	}
	for role, strategies := range override.Roles {
		out.Roles[role] = append([]Strategy(nil), strategies...)
	}
	return out
}

// Strategies returns the ordered strategies for role, nil when unknown.
func (c *Catalog) Strategies(role Role) []Strategy {
	if c == nil {
		return nil
	}
	return c.Roles[role]
}

// Validate checks strategy syntax and that every required role is covered.
func (c *Catalog) Validate() error {
	if err := c.validateStrategies(); err != nil {
		return err
	}
	var missing []string
	for _, role := range RequiredRoles {
		if len(c.Roles[role]) == 0 {
			missing = append(missing, string(role))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("selectors: catalog %q has no strategies for %s", c.Version, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Catalog) validateStrategies() error {
	roles := make([]string, 0, len(c.Roles))
	for role := range c.Roles {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)
	for _, role := range roles {
		for i, s := range c.Roles[Role(role)] {
			if err := s.validate(); err != nil {
				return fmt.Errorf("selectors: role %s strategy %d: %w", role, i, err)
			}
		}
	}
	return nil
}

// Marshal renders the catalog as YAML.
func (c *Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func cssString(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+p+"'")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
