package remediation

import (
	"errors"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"netconverge/internal/domain"
)

var (
	endpointToken = regexp.MustCompile(`\b(?:\d{1,3}(?:\.\d{1,3}){3}|[A-Za-z][A-Za-z_-]*\d[A-Za-z0-9_.-]*)\b`)
	notEndpoints  = map[string]bool{"ipv4": true, "ipv6": true, "l2": true, "l3": true, "mp3": true}

	// interfacePrefixes are the letter prefixes of interface names, short
	// and long forms, lower case.
	interfacePrefixes = map[string]bool{
		"e": true, "et": true, "eth": true, "ethernet": true,
		"fa": true, "fastethernet": true,
		"gi": true, "gig": true, "gigabitethernet": true,
		"te": true, "ten": true, "tengig": true, "tengigabitethernet": true,
		"fo": true, "fortygigabitethernet": true, "hu": true, "hundredgige": true,
		"lo": true, "loopback": true,
		"po": true, "port-channel": true,
		"vl": true, "vlan": true,
		"tu": true, "tunnel": true,
		"mgmt": true, "management": true,
		"serial": true,
	}
)

// ExtractEndpoints pulls IPv4 addresses and device-like names (letters
// followed by digits, such as R1 or core-sw02) from free text, in order of
// appearance and without duplicates. Interface names (Gi0/1, vlan10,
// Loopback0) are skipped. It is token extraction only.
func ExtractEndpoints(text string) []string {
	var (
		out  []string
		seen = make(map[string]bool)
	)
	for _, loc := range endpointToken.FindAllStringIndex(text, -1) {
		tok := strings.TrimRight(text[loc[0]:loc[1]], ".-_")
		end := loc[0] + len(tok)
		if notEndpoints[strings.ToLower(tok)] || seen[tok] {
			continue
		}
		if tok[0] >= '0' && tok[0] <= '9' {
			if a, err := netip.ParseAddr(tok); err != nil || !a.Is4() {
				continue
			}
		} else if isInterfaceName(tok, text[end:]) {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// isInterfaceName reports whether tok, followed by rest, names an interface
// rather than a device: slot/port notation (Gi0/1, Serial0:1) or a known
// interface prefix (vlan10, lo0).
func isInterfaceName(tok, rest string) bool {
	if strings.HasPrefix(rest, "/") {
		return true
	}
	if len(rest) > 1 && rest[0] == ':' && rest[1] >= '0' && rest[1] <= '9' {
		return true
	}
	i := strings.IndexAny(tok, "0123456789")
	return interfacePrefixes[strings.ToLower(tok[:i])]
}

// NewRequest builds a request from a description and optional explicit
// endpoints. Without endpoints they are extracted from the description.
func NewRequest(description string, endpoints []string, requester string) domain.Request {
	if len(endpoints) == 0 {
		endpoints = ExtractEndpoints(description)
	}
	return domain.Request{
		Description: strings.TrimSpace(description),
		Endpoints:   endpoints,
		Intent:      domain.IntentVerifyAndFix,
		Requester:   requester,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize fills defaults and validates a request. A request that fails
// here never enters the state machine.
func Normalize(req domain.Request) (domain.Request, error) {
	if req.Intent == "" {
		req.Intent = domain.IntentVerifyAndFix
	}
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	if req.Endpoints != nil {
		trimmed := make([]string, len(req.Endpoints))
		for i, ep := range req.Endpoints {
			trimmed[i] = strings.TrimSpace(ep)
		}
		req.Endpoints = trimmed
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return req, domain.NewDomainError("remediation.Normalize", domain.ErrInvalidInput, strings.Join(msgs, "; "))
		}
		return req, domain.NewDomainError("remediation.Normalize", domain.ErrInvalidInput, err.Error())
	}
	return req, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return strings.ToLower(fe.Field()) + " is required"
	case "min":
		return "at least " + fe.Param() + " endpoints are required"
	case "oneof":
		return "intent must be one of: " + fe.Param()
	default:
		return fe.Field() + " failed " + fe.Tag()
	}
}
