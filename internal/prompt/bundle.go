// Package prompt owns every text the bot sends to the LLM or to members:
// the YAML prompt bundle, system prompt assembly, per-turn directives and
// the size budgets applied to them.
package prompt

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultBundle []byte

// RolesPlaceholder is the only variable of the verification template.
const RolesPlaceholder = "${available_roles_text_list}"

// Templates are the system prompts of the gateway operations.
type Templates struct {
	Verification   string `yaml:"verification" validate:"required"`
	Categorization string `yaml:"categorization" validate:"required"`
	Summary        string `yaml:"summary" validate:"required"`
	Suspicion      string `yaml:"suspicion" validate:"required"`
	Welcome        string `yaml:"welcome" validate:"required"`
	WelcomeUser    string `yaml:"welcome_user" validate:"required"`
}

// Corrections are the directives and notes injected into guidance requests.
type Corrections struct {
	SelfCorrect    string `yaml:"self_correct" validate:"required"`
	Strict         string `yaml:"strict" validate:"required"`
	ContextUpdate  string `yaml:"context_update" validate:"required"`
	ContextInitial string `yaml:"context_initial" validate:"required"`
	CurrentRoles   string `yaml:"current_roles" validate:"required"`
	FinalAttempt   string `yaml:"final_attempt" validate:"required"`
	HistoryOmitted string `yaml:"history_omitted" validate:"required"`
	NoRolesDefined string `yaml:"no_roles_defined" validate:"required"`
	NoUserMessages string `yaml:"no_user_messages" validate:"required"`
}

// Messages are the member- and admin-facing texts.
type Messages struct {
	Opening               string `yaml:"opening" validate:"required"`
	AlreadyInProgress     string `yaml:"already_in_progress" validate:"required"`
	DMSent                string `yaml:"dm_sent" validate:"required"`
	DMFailed              string `yaml:"dm_failed" validate:"required"`
	BotsRefused           string `yaml:"bots_refused" validate:"required"`
	Timeout               string `yaml:"timeout" validate:"required"`
	Apology               string `yaml:"apology" validate:"required"`
	Failure               string `yaml:"failure" validate:"required"`
	RolesNotReady         string `yaml:"roles_not_ready" validate:"required"`
	InProgressRoleMissing string `yaml:"in_progress_role_missing" validate:"required"`
	VerifiedRoleMissing   string `yaml:"verified_role_missing" validate:"required"`
	UnverifiedRoleMissing string `yaml:"unverified_role_missing" validate:"required"`
	InternalError         string `yaml:"internal_error" validate:"required"`
	SummaryFailed         string `yaml:"summary_failed" validate:"required"`
	WelcomeFallback       string `yaml:"welcome_fallback" validate:"required"`
}

// Bundle is the complete set of prompts and messages.
type Bundle struct {
	Templates   Templates   `yaml:"templates"`
	Corrections Corrections `yaml:"corrections"`
	Messages    Messages    `yaml:"messages"`
}

// DefaultBundle returns the embedded bundle.
func DefaultBundle() (*Bundle, error) {
	var b Bundle
	if err := decodeInto(&b, defaultBundle); err != nil {
		return nil, fmt.Errorf("embedded prompt bundle: %w", err)
	}
	return &b, nil
}

// LoadBundle returns the embedded bundle with the fields present in the
// YAML file at path laid over it. An empty path yields the defaults. The
// merged bundle is validated before it is returned.
func LoadBundle(path string) (*Bundle, error) {
	b, err := DefaultBundle()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read prompt bundle: %w", err)
		}
		if err := decodeInto(b, data); err != nil {
			return nil, fmt.Errorf("prompt bundle %s: %w", path, err)
		}
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// decodeInto overlays YAML onto b. Unknown keys are rejected so a typo in an
// override file does not silently keep the default.
func decodeInto(b *Bundle, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(b); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("YAML decode failed: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks that every text is present and that the verification
// template can receive the role list.
func (b *Bundle) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("invalid prompt bundle: %w", err)
	}
	if !strings.Contains(b.Templates.Verification, RolesPlaceholder) {
		return fmt.Errorf("invalid prompt bundle: verification template must contain %s", RolesPlaceholder)
	}
	return nil
}

// Render substitutes ${name} placeholders literally. Unknown placeholders
// are left in place; nothing in the template is evaluated.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "${"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
