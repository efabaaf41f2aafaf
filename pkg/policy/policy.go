// Package policy decides whether an agent response may be cached and for how long.
package policy

import (
	"strings"
	"time"
	"unicode"

	"github.com/pario-ai/agentgate/pkg/config"
	"github.com/pario-ai/agentgate/pkg/models"
)

// Default TTL bands per agent kind.
const (
	GenericTTL       = time.Hour
	GenerativeTTL    = 24 * time.Hour
	DeterministicTTL = 7 * 24 * time.Hour
	AnalyticTTL      = 6 * time.Hour
	AdvisoryTTL      = 12 * time.Hour
	LedgerTTL        = 2 * time.Hour
)

// Reasons a request is not cacheable.
const (
	ReasonForceRefresh    = "force_refresh"
	ReasonDisabled        = "caching_disabled"
	ReasonPersonalized    = "personalized"
	ReasonIdentity        = "identity_bound"
	ReasonRealTime        = "real_time"
	ReasonTransactional   = "transactional"
	ReasonPersonalContent = "personal_content"
)

// Settings is the configuration the policy reads on every decision.
// config.Provider implements it.
type Settings interface {
	CachingEnabled(agent string) bool
	DefaultTTL() time.Duration
	AgentKind(agent string) string
	TTLOverride(agent string) time.Duration
}

// Decision is the outcome of evaluating one request.
type Decision struct {
	Cacheable bool
	TTL       time.Duration
	Reason    string
}

// identityFields tie a request to one user or business.
var identityFields = []string{"user_id", "business_id"}

// ledgerFields mark calls that verify or move something on a ledger.
var ledgerFields = []string{"transaction_hash", "tx_hash", "signature"}

// transactionalActions are action prefixes that never produce reusable answers.
var transactionalActions = []string{"verify", "submit", "transfer", "sign"}

// personalMarkers are first-person phrases suggesting private content.
var personalMarkers = []string{"my ", "mine", "i want", "i need", "for me"}

// Policy evaluates cacheability rules against live settings.
type Policy struct {
	settings Settings
}

// New creates a Policy reading from settings.
func New(settings Settings) *Policy {
	return &Policy{settings: settings}
}

// IsCacheable reports whether a response to req may be stored or served from cache.
func (p *Policy) IsCacheable(agent string, req models.Request) bool {
	return p.Evaluate(agent, req).Cacheable
}

// TTL returns how long a response to req may be cached.
// The result is meaningful only when IsCacheable is true.
func (p *Policy) TTL(agent string, req models.Request) time.Duration {
	if ttl := p.settings.TTLOverride(agent); ttl > 0 {
		return ttl
	}

	switch p.settings.AgentKind(agent) {
	case config.KindGenerative:
		if isDeterministic(req) {
			return DeterministicTTL
		}
		return GenerativeTTL
	case config.KindAnalytic:
		return AnalyticTTL
	case config.KindAdvisory:
		return AdvisoryTTL
	case config.KindLedger:
		return LedgerTTL
	default:
		if ttl := p.settings.DefaultTTL(); ttl > 0 {
			return ttl
		}
		return GenericTTL
	}
}

// Evaluate applies the rules in order and reports the first exclusion hit.
func (p *Policy) Evaluate(agent string, req models.Request) Decision {
	if req.Bool("force_refresh") {
		return Decision{Reason: ReasonForceRefresh}
	}
	if !p.settings.CachingEnabled(agent) {
		return Decision{Reason: ReasonDisabled}
	}
	if req.Bool("personalized") {
		return Decision{Reason: ReasonPersonalized}
	}
	for _, f := range identityFields {
		if req.Has(f) {
			return Decision{Reason: ReasonIdentity}
		}
	}
	if strings.HasPrefix(strings.ToLower(req.String("analysis_type")), "real_time") {
		return Decision{Reason: ReasonRealTime}
	}
	if isTransactional(req) {
		return Decision{Reason: ReasonTransactional}
	}
	if containsPersonalMarker(req) {
		return Decision{Reason: ReasonPersonalContent}
	}
	return Decision{Cacheable: true, TTL: p.TTL(agent, req)}
}

func isDeterministic(req models.Request) bool {
	if req.Bool("deterministic") {
		return true
	}
	temp, ok := req["temperature"].(float64)
	return ok && temp == 0
}

func isTransactional(req models.Request) bool {
	for _, f := range ledgerFields {
		if req.Has(f) {
			return true
		}
	}
	action := strings.ToLower(req.String("action"))
	for _, prefix := range transactionalActions {
		if strings.HasPrefix(action, prefix) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(req.String("type")), "verification")
}

func containsPersonalMarker(req models.Request) bool {
	for _, v := range req {
		if valueHasMarker(v) {
			return true
		}
	}
	return false
}

func valueHasMarker(v any) bool {
	switch val := v.(type) {
	case string:
		text := strings.ToLower(val)
		for _, m := range personalMarkers {
			if hasPhrase(text, m) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if valueHasMarker(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range val {
			if valueHasMarker(item) {
				return true
			}
		}
	}
	return false
}

// hasPhrase matches phrase only where it starts a word, so "economy " does
// not match "my ". Phrases without a trailing space must also end a word.
func hasPhrase(text, phrase string) bool {
	for start := 0; start < len(text); {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		before := i == 0 || !isWordByte(text[i-1])
		after := strings.HasSuffix(phrase, " ") || end == len(text) || !isWordByte(text[end])
		if before && after {
			return true
		}
		start = i + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b < 0x80 && (unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b)))
}
