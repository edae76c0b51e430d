package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

var validate = validator.New()

// suspiciousKeywords flag a prose answer as suspicious when the model did
// not call classify_user and its content is not JSON either.
var suspiciousKeywords = []string{"spam", "bot", "nonsense", "scam", "phishing", "malicious"}

// ParseGuidance is the strict parse of propose_user_roles arguments.
//
// message_to_user must be a non-empty string and user_has_confirmed a JSON
// boolean; is_complete must be present but is advisory, so a non-boolean
// reads as false. The classification is coerced rather than rejected: a
// non-object becomes nil and a category that is not a list of integer ids
// becomes empty. Malformed unassignable_skills entries are dropped.
func ParseGuidance(raw json.RawMessage) (domain.Guidance, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return domain.Guidance{}, err
	}

	verr := domain.NewValidationError("guidance")

	message, ok := fields["message_to_user"].(string)
	if !ok || strings.TrimSpace(message) == "" {
		verr.AddError("message_to_user must be a non-empty string")
	}

	isComplete := false
	if v, present := fields["is_complete"]; !present {
		verr.AddError("is_complete is missing")
	} else {
		isComplete, _ = v.(bool)
	}

	confirmed, ok := fields["user_has_confirmed"].(bool)
	if !ok {
		verr.AddError(fmt.Sprintf("user_has_confirmed must be a boolean, got %s", describe(fields["user_has_confirmed"])))
	}

	if verr.HasErrors() {
		return domain.Guidance{}, fmt.Errorf("%w: %w", ports.ErrInvalidResponse, verr)
	}

	g := domain.Guidance{
		Classification:     coerceClassification(fields["classification"]),
		MessageToUser:      message,
		IsComplete:         isComplete,
		UserHasConfirmed:   confirmed,
		UnassignableSkills: coerceSkills(fields["unassignable_skills"]),
	}
	if err := validate.Struct(g); err != nil {
		return domain.Guidance{}, fmt.Errorf("%w: %w", ports.ErrInvalidResponse, err)
	}
	return g, nil
}

// decodeObject decodes a JSON object keeping numbers exact, since role ids
// are snowflakes beyond float64 precision.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty function arguments", ports.ErrInvalidResponse)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: decode function arguments: %w", ports.ErrInvalidResponse, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: function arguments are not an object", ports.ErrInvalidResponse)
	}
	return fields, nil
}

func coerceClassification(v any) domain.Classification {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(domain.Classification, len(obj))
	for category, value := range obj {
		out[category] = coerceRoleIDs(value)
	}
	return out
}

// coerceRoleIDs accepts integers, integral floats and decimal strings. Null
// entries are skipped. Anything else empties the whole category.
func coerceRoleIDs(v any) []domain.RoleID {
	list, ok := v.([]any)
	if !ok {
		return []domain.RoleID{}
	}
	ids := make([]domain.RoleID, 0, len(list))
	for _, item := range list {
		if item == nil {
			continue
		}
		id, ok := toRoleID(item)
		if !ok {
			return []domain.RoleID{}
		}
		ids = append(ids, id)
	}
	return ids
}

func toRoleID(v any) (domain.RoleID, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return domain.RoleID(n), n > 0
		}
		f, err := t.Float64()
		if err != nil || f != math.Trunc(f) || f <= 0 || f > math.MaxInt64 {
			return 0, false
		}
		return domain.RoleID(int64(f)), true
	case string:
		id, err := domain.ParseRoleID(t)
		return id, err == nil
	default:
		return 0, false
	}
}

func coerceSkills(v any) []domain.UnassignableSkill {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []domain.UnassignableSkill
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		skill, _ := obj["skill"].(string)
		category, _ := obj["category"].(string)
		if strings.TrimSpace(skill) == "" {
			continue
		}
		out = append(out, domain.UnassignableSkill{Skill: skill, Category: category})
	}
	return out
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null or missing"
	case string:
		return "string"
	case json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ParseCategories decodes categorize_server_roles arguments. The mapping
// may sit under a "categories" key or at the top level. Non-list values and
// non-string names are skipped.
func ParseCategories(raw json.RawMessage) (map[string][]string, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if nested, ok := fields["categories"].(map[string]any); ok {
		fields = nested
	}

	out := make(map[string][]string, len(fields))
	for category, value := range fields {
		list, ok := value.([]any)
		if !ok {
			continue
		}
		var names []string
		for _, item := range list {
			if name, ok := item.(string); ok && strings.TrimSpace(name) != "" {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			out[category] = names
		}
	}
	return out, nil
}

func parseVerdict(raw json.RawMessage) (domain.SuspicionVerdict, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return domain.SuspicionVerdict{}, err
	}
	suspicious, ok := fields["is_suspicious"].(bool)
	if !ok {
		return domain.SuspicionVerdict{}, fmt.Errorf("%w: is_suspicious must be a boolean", ports.ErrInvalidResponse)
	}
	reason, _ := fields["reason"].(string)
	return domain.SuspicionVerdict{IsSuspicious: suspicious, Reason: reason}, nil
}

// verdictFromContent reads a prose answer: a JSON object anywhere in the
// content wins, otherwise the keyword heuristic decides.
func verdictFromContent(content string) domain.SuspicionVerdict {
	if obj := extractJSON(content); obj != "" {
		if v, err := parseVerdict(json.RawMessage(obj)); err == nil {
			return v
		}
	}
	lower := strings.ToLower(content)
	suspicious := false
	for _, k := range suspiciousKeywords {
		if strings.Contains(lower, k) {
			suspicious = true
			break
		}
	}
	return domain.SuspicionVerdict{IsSuspicious: suspicious, Reason: truncateRunes(content, reasonPreviewChars)}
}

// extractJSON returns the first balanced JSON object in s, looking inside
// fenced code blocks first.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i != -1 {
		body := s[i+3:]
		if nl := strings.IndexByte(body, '\n'); nl != -1 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end != -1 {
			if candidate := strings.TrimSpace(body[:end]); strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}

	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
